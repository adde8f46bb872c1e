package policy

import (
	"errors"
	"testing"

	"hushfeed.org/internal/actor"
)

func TestDenyByDefault(t *testing.T) {
	set := Ruleset{
		{Action: ActionGet, Subject: SubjectSession, Conditions: []Condition{{Attr: "did", Expr: Path("authorDid")}}},
	}
	a := actor.User("did:plc:alice")

	if IsAuthorized(set, a, ActionDelete, SubjectSession, Record{"authorDid": "did:plc:alice"}) {
		t.Fatalf("unmatched action must deny")
	}
	if IsAuthorized(set, a, ActionGet, SubjectPost, Record{"authorDid": "did:plc:alice"}) {
		t.Fatalf("unmatched subject must deny")
	}
	if err := Authorize(set, a, ActionDelete, SubjectSession); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestWildcardAction(t *testing.T) {
	set := Ruleset{
		{Action: ActionAny, Subject: SubjectNotif, Conditions: []Condition{{Attr: "did", Expr: Path("recipientDid")}}},
	}
	a := actor.User("did:plc:alice")
	rec := Record{"recipientDid": "did:plc:alice"}

	for _, action := range []Action{ActionGet, ActionList, ActionDelete} {
		if !IsAuthorized(set, a, action, SubjectNotif, rec) {
			t.Fatalf("wildcard rule should grant %q", action)
		}
	}
}

func TestUnconditionalRuleGrants(t *testing.T) {
	set := Ruleset{{Action: ActionGet, Subject: SubjectFeature}}
	if !IsAuthorized(set, actor.User("did:plc:alice"), ActionGet, SubjectFeature) {
		t.Fatalf("condition-free rule should grant without a record")
	}
}

func TestAllConditionsMustHold(t *testing.T) {
	set := Ruleset{
		{Action: ActionGet, Subject: SubjectSessionKey, Conditions: []Condition{
			{Attr: "did", Expr: Path("recipientDid")},
			{Attr: "type", Expr: Lit("user")},
		}},
	}
	a := actor.User("did:plc:alice")

	if !IsAuthorized(set, a, ActionGet, SubjectSessionKey, Record{"recipientDid": "did:plc:alice"}) {
		t.Fatalf("expected grant when every condition holds")
	}
	// Negate the path condition.
	if IsAuthorized(set, a, ActionGet, SubjectSessionKey, Record{"recipientDid": "did:plc:bob"}) {
		t.Fatalf("expected deny when one condition fails")
	}
	// Negate the literal condition.
	if IsAuthorized(set, actor.Service("keeper"), ActionGet, SubjectSessionKey, Record{"recipientDid": "did:plc:alice"}) {
		t.Fatalf("expected deny for non-user actor")
	}
}

func TestLiteralCondition(t *testing.T) {
	set := Ruleset{
		{Action: ActionUpdate, Subject: SubjectFeature, Conditions: []Condition{{Attr: "name", Expr: Lit("maintenance")}}},
	}
	if !IsAuthorized(set, actor.Service("maintenance"), ActionUpdate, SubjectFeature) {
		t.Fatalf("expected grant for matching service name")
	}
	if IsAuthorized(set, actor.Service("other"), ActionUpdate, SubjectFeature) {
		t.Fatalf("expected deny for mismatched service name")
	}
}

func TestArrayEverySemantics(t *testing.T) {
	set := Ruleset{
		{Action: ActionList, Subject: SubjectPost, Conditions: []Condition{{Attr: "did", Expr: Path("sessionKeys.recipientDid")}}},
	}
	a := actor.User("did:plc:alice")

	all := Record{"sessionKeys": []any{
		map[string]any{"recipientDid": "did:plc:alice"},
		map[string]any{"recipientDid": "did:plc:alice"},
	}}
	if !IsAuthorized(set, a, ActionList, SubjectPost, all) {
		t.Fatalf("expected grant when every element matches")
	}

	mixed := Record{"sessionKeys": []any{
		map[string]any{"recipientDid": "did:plc:alice"},
		map[string]any{"recipientDid": "did:plc:bob"},
	}}
	if IsAuthorized(set, a, ActionList, SubjectPost, mixed) {
		t.Fatalf("a single non-matching element must deny")
	}
}

func TestEmptyArrayDenies(t *testing.T) {
	set := Ruleset{
		{Action: ActionList, Subject: SubjectPost, Conditions: []Condition{{Attr: "did", Expr: Path("sessionKeys.recipientDid")}}},
	}
	rec := Record{"sessionKeys": []any{}}
	if IsAuthorized(set, actor.User("did:plc:alice"), ActionList, SubjectPost, rec) {
		t.Fatalf("empty resolved array must never grant")
	}
}

func TestBatchAnyDenialDeniesAll(t *testing.T) {
	set := Ruleset{
		{Action: ActionGet, Subject: SubjectSessionKey, Conditions: []Condition{{Attr: "did", Expr: Path("recipientDid")}}},
	}
	a := actor.User("did:plc:alice")
	mine := Record{"recipientDid": "did:plc:alice"}
	theirs := Record{"recipientDid": "did:plc:bob"}

	if err := Authorize(set, a, ActionGet, SubjectSessionKey, mine, mine); err != nil {
		t.Fatalf("uniform batch should grant: %v", err)
	}
	if err := Authorize(set, a, ActionGet, SubjectSessionKey, mine, theirs); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("one denied element must deny the batch, got %v", err)
	}
}

func TestMissingRulesetIsInternalError(t *testing.T) {
	rs := Rulesets{User: Ruleset{{Action: ActionGet, Subject: SubjectFeature}}}

	err := rs.Authorize(actor.Service("keeper"), ActionGet, SubjectFeature)
	if !errors.Is(err, ErrMissingRuleset) {
		t.Fatalf("expected ErrMissingRuleset, got %v", err)
	}
	if errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("missing ruleset must not be reported as a denial")
	}

	err = rs.Authorize(actor.Actor{}, ActionGet, SubjectFeature)
	if !errors.Is(err, ErrMissingRuleset) {
		t.Fatalf("unauthenticated actor must be an internal error, got %v", err)
	}
}

func TestDefaultRulesets(t *testing.T) {
	rs := DefaultRulesets()
	alice := actor.User("did:plc:alice")

	if err := rs.Authorize(alice, ActionCreate, SubjectSession, Record{"authorDid": "did:plc:alice"}); err != nil {
		t.Fatalf("author should create own session: %v", err)
	}
	if err := rs.Authorize(alice, ActionCreate, SubjectSession, Record{"authorDid": "did:plc:bob"}); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("creating someone else's session must deny, got %v", err)
	}
	if err := rs.Authorize(alice, ActionGet, SubjectSession, Record{"authorDid": "did:plc:alice"}); err != nil {
		t.Fatalf("author should read own session: %v", err)
	}
	if err := rs.Authorize(alice, ActionGet, SubjectSession, Record{"authorDid": "did:plc:bob"}); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("reading someone else's session must deny, got %v", err)
	}
	if err := rs.Authorize(actor.Service("keeper"), ActionDelete, SubjectSessionKey, Record{"recipientDid": "did:plc:bob"}); err != nil {
		t.Fatalf("service wildcard should grant: %v", err)
	}
}
