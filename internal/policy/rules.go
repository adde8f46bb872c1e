package policy

// DefaultRulesets builds the static role-scoped rule tables. Call once at
// process start; the returned value is never mutated afterwards.
//
// User rules are ownership-shaped: a user acts on sessions and posts they
// authored, reads keys addressed to them, and lists private content only for
// sessions in which every key row names them as recipient. Service actors
// are trusted infrastructure and get wildcard grants on the subjects the
// background workflows touch.
func DefaultRulesets() Rulesets {
	user := Ruleset{
		{Action: ActionCreate, Subject: SubjectSession, Conditions: []Condition{{Attr: "did", Expr: Path("authorDid")}}},
		{Action: ActionGet, Subject: SubjectSession, Conditions: []Condition{{Attr: "did", Expr: Path("authorDid")}}},
		{Action: ActionRevoke, Subject: SubjectSession, Conditions: []Condition{{Attr: "did", Expr: Path("authorDid")}}},
		{Action: ActionAddRecipient, Subject: SubjectSession, Conditions: []Condition{{Attr: "did", Expr: Path("authorDid")}}},
		{Action: ActionGet, Subject: SubjectSessionKey, Conditions: []Condition{{Attr: "did", Expr: Path("recipientDid")}}},
		{Action: ActionList, Subject: SubjectSessionKey, Conditions: []Condition{{Attr: "did", Expr: Path("recipientDid")}}},
		{Action: ActionCreate, Subject: SubjectPost, Conditions: []Condition{{Attr: "did", Expr: Path("authorDid")}}},
		{Action: ActionDelete, Subject: SubjectPost, Conditions: []Condition{{Attr: "did", Expr: Path("authorDid")}}},
		{Action: ActionList, Subject: SubjectPost, Conditions: []Condition{{Attr: "did", Expr: Path("sessionKeys.recipientDid")}}},
		{Action: ActionListPrivate, Subject: SubjectPost, Conditions: []Condition{{Attr: "did", Expr: Path("sessionKeys.recipientDid")}}},
		{Action: ActionGetPrivate, Subject: SubjectPost, Conditions: []Condition{{Attr: "did", Expr: Path("sessionKeys.recipientDid")}}},
		{Action: ActionCreate, Subject: SubjectTrustedUser, Conditions: []Condition{{Attr: "did", Expr: Path("authorDid")}}},
		{Action: ActionDelete, Subject: SubjectTrustedUser, Conditions: []Condition{{Attr: "did", Expr: Path("authorDid")}}},
		{Action: ActionList, Subject: SubjectTrustedUser, Conditions: []Condition{{Attr: "did", Expr: Path("authorDid")}}},
		{Action: ActionGet, Subject: SubjectKey, Conditions: []Condition{{Attr: "did", Expr: Path("ownerDid")}}},
		{Action: ActionGet, Subject: SubjectMedia, Conditions: []Condition{{Attr: "did", Expr: Path("creatorDid")}}},
		{Action: ActionCreate, Subject: SubjectMedia, Conditions: []Condition{{Attr: "did", Expr: Path("creatorDid")}}},
		{Action: ActionAny, Subject: SubjectNotif, Conditions: []Condition{{Attr: "did", Expr: Path("recipientDid")}}},
		{Action: ActionCreate, Subject: SubjectReaction, Conditions: []Condition{{Attr: "did", Expr: Path("creatorDid")}}},
		{Action: ActionDelete, Subject: SubjectReaction, Conditions: []Condition{{Attr: "did", Expr: Path("creatorDid")}}},
		{Action: ActionApply, Subject: SubjectInviteCode, Conditions: []Condition{{Attr: "did", Expr: Path("forDid")}}},
		{Action: ActionCount, Subject: SubjectInviteCode, Conditions: []Condition{{Attr: "did", Expr: Path("forDid")}}},
		{Action: ActionGet, Subject: SubjectFeature},
		{Action: ActionList, Subject: SubjectGroup, Conditions: []Condition{{Attr: "did", Expr: Path("members.did")}}},
		{Action: ActionCreate, Subject: SubjectTestimonial, Conditions: []Condition{{Attr: "did", Expr: Path("authorDid")}}},
	}

	service := Ruleset{
		{Action: ActionAny, Subject: SubjectSession},
		{Action: ActionAny, Subject: SubjectSessionKey},
		{Action: ActionAny, Subject: SubjectPost},
		{Action: ActionAny, Subject: SubjectTrustedUser},
		{Action: ActionAny, Subject: SubjectKey},
		{Action: ActionAny, Subject: SubjectNotif},
		{Action: ActionAny, Subject: SubjectFeature},
		{Action: ActionAny, Subject: SubjectInviteCode},
		{Action: ActionUpdate, Subject: SubjectMedia},
		{Action: ActionList, Subject: SubjectGroup},
	}

	return Rulesets{User: user, Service: service}
}
