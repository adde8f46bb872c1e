package policy

import "strings"

// Action is the fixed verb vocabulary of the rule tables.
type Action string

const (
	ActionAny          Action = "*"
	ActionCreate       Action = "create"
	ActionGet          Action = "get"
	ActionList         Action = "list"
	ActionUpdate       Action = "update"
	ActionDelete       Action = "delete"
	ActionRevoke       Action = "revoke"
	ActionApply        Action = "apply"
	ActionCount        Action = "count"
	ActionAddRecipient Action = "add_recipient"
	ActionListPrivate  Action = "list_private"
	ActionGetPrivate   Action = "get_private"
)

// Subject is the fixed resource vocabulary of the rule tables.
type Subject string

const (
	SubjectSession     Subject = "session"
	SubjectSessionKey  Subject = "session_key"
	SubjectPost        Subject = "post"
	SubjectTrustedUser Subject = "trusted_user"
	SubjectKey         Subject = "key"
	SubjectMedia       Subject = "media"
	SubjectNotif       Subject = "notification"
	SubjectReaction    Subject = "reaction"
	SubjectFeature     Subject = "feature"
	SubjectInviteCode  Subject = "invite_code"
	SubjectGroup       Subject = "group"
	SubjectTestimonial Subject = "testimonial"
)

// Expr is the right-hand side of a condition: either a literal value or a
// dot-notation path into the record under evaluation.
type Expr interface {
	isExpr()
}

// Literal compares the actor attribute against a fixed value.
type Literal struct {
	Value any
}

func (Literal) isExpr() {}

// RecordPath compares the actor attribute against the value found at the
// given path in the record. Paths may traverse arrays, in which case every
// element of the resolved set must match.
type RecordPath struct {
	Segments []string
}

func (RecordPath) isExpr() {}

// Lit builds a literal expression.
func Lit(v any) Expr { return Literal{Value: v} }

// Path builds a record-path expression from dot notation.
func Path(p string) Expr {
	return RecordPath{Segments: strings.Split(p, ".")}
}

// Condition requires the named actor attribute to equal the resolved
// expression value.
type Condition struct {
	Attr string
	Expr Expr
}

// Ability grants an action on a subject, optionally gated by conditions.
// An ability with no conditions grants unconditionally on match.
type Ability struct {
	Action     Action
	Subject    Subject
	Conditions []Condition
}

// Ruleset is an ordered set of abilities. Rulesets are built once at process
// start and never mutated.
type Ruleset []Ability

// Rulesets holds the role-scoped rule tables.
type Rulesets struct {
	User    Ruleset
	Service Ruleset
}
