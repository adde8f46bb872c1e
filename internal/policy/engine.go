package policy

import (
	"errors"
	"fmt"

	"hushfeed.org/internal/actor"
)

var (
	// ErrNotAuthorized is the deny outcome. Deliberately carries no detail:
	// the transport layer must not leak why access was refused.
	ErrNotAuthorized = errors.New("policy: not authorized")

	// ErrConfiguration marks a rule authoring mistake surfaced by the
	// diagnostic build. Never returned in production builds.
	ErrConfiguration = errors.New("policy: rule configuration error")

	// ErrMissingRuleset indicates the caller never loaded rules for the
	// actor's role. This is an internal fault, not a denial.
	ErrMissingRuleset = errors.New("policy: missing ruleset")
)

// IsDenial reports whether err is a policy denial, as opposed to an
// internal engine fault (missing ruleset, configuration error).
func IsDenial(err error) bool {
	return errors.Is(err, ErrNotAuthorized)
}

// For selects the role-scoped ruleset for the actor.
func (rs Rulesets) For(a actor.Actor) (Ruleset, error) {
	switch a.Type {
	case actor.TypeUser:
		if rs.User == nil {
			return nil, fmt.Errorf("%w: user", ErrMissingRuleset)
		}
		return rs.User, nil
	case actor.TypeService:
		if rs.Service == nil {
			return nil, fmt.Errorf("%w: service", ErrMissingRuleset)
		}
		return rs.Service, nil
	}
	return nil, fmt.Errorf("%w: unauthenticated actor", ErrMissingRuleset)
}

// Authorize checks the actor against the role-scoped ruleset and fails with
// ErrNotAuthorized unless some rule fully grants. When multiple records are
// supplied every one must individually authorize; any single denial denies
// the batch.
func (rs Rulesets) Authorize(a actor.Actor, action Action, subject Subject, records ...Record) error {
	set, err := rs.For(a)
	if err != nil {
		return err
	}
	return Authorize(set, a, action, subject, records...)
}

// Authorize is the checkpoint form of IsAuthorized: same matching, but
// diagnostic-build configuration errors propagate instead of denying.
func Authorize(set Ruleset, a actor.Actor, action Action, subject Subject, records ...Record) error {
	if len(records) == 0 {
		ok, err := authorizeOne(set, a, action, subject, nil)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotAuthorized
		}
		return nil
	}
	for _, rec := range records {
		ok, err := authorizeOne(set, a, action, subject, rec)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotAuthorized
		}
	}
	return nil
}

// IsAuthorized reports whether the actor may perform the action on the
// subject, optionally scoped to records. Side-effect free.
func IsAuthorized(set Ruleset, a actor.Actor, action Action, subject Subject, records ...Record) bool {
	return Authorize(set, a, action, subject, records...) == nil
}

func authorizeOne(set Ruleset, a actor.Actor, action Action, subject Subject, rec Record) (bool, error) {
	for _, rule := range set {
		if rule.Subject != subject {
			continue
		}
		if rule.Action != ActionAny && rule.Action != action {
			continue
		}
		if len(rule.Conditions) == 0 {
			return true, nil
		}
		ok, err := conditionsHold(a, rule.Conditions, rec)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// conditionsHold requires every condition of the rule to hold.
func conditionsHold(a actor.Actor, conds []Condition, rec Record) (bool, error) {
	for _, c := range conds {
		if err := checkConditionShape(a, c, rec); err != nil {
			return false, err
		}
		actorVal, ok := a.Property(c.Attr)
		if !ok {
			return false, nil
		}
		switch expr := c.Expr.(type) {
		case Literal:
			if !equalScalar(actorVal, expr.Value) {
				return false, nil
			}
		case RecordPath:
			if rec == nil {
				return false, nil
			}
			resolved := Resolve(rec, expr.Segments)
			if !matchesResolved(actorVal, resolved) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("%w: unknown expression for %q", ErrConfiguration, c.Attr)
		}
	}
	return true, nil
}

// matchesResolved compares the actor value against a resolved record value.
// Arrays require every element to match, and an empty array never matches:
// a vacuous grant would leak records visible to only part of a relation.
func matchesResolved(actorVal, resolved any) bool {
	if arr, ok := resolved.([]any); ok {
		if len(arr) == 0 {
			return false
		}
		for _, el := range arr {
			if !equalScalar(actorVal, el) {
				return false
			}
		}
		return true
	}
	return equalScalar(actorVal, resolved)
}
