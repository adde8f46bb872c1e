package httpapi

import (
	"testing"
	"time"

	"hushfeed.org/internal/actor"
)

func TestAuthenticateRoundTrip(t *testing.T) {
	authn := NewAuthenticator([]byte("secret"))

	token, err := authn.MintToken(actor.User("did:plc:alice"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	act, err := authn.Authenticate(token)
	if err != nil {
		t.Fatal(err)
	}
	if act.Type != actor.TypeUser || act.DID != "did:plc:alice" {
		t.Fatalf("unexpected actor: %+v", act)
	}

	token, err = authn.MintToken(actor.Service("recrypt-worker"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	act, err = authn.Authenticate(token)
	if err != nil {
		t.Fatal(err)
	}
	if act.Type != actor.TypeService || act.Name != "recrypt-worker" {
		t.Fatalf("unexpected actor: %+v", act)
	}
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	minter := NewAuthenticator([]byte("secret-a"))
	verifier := NewAuthenticator([]byte("secret-b"))

	token, err := minter.MintToken(actor.User("did:plc:alice"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := verifier.Authenticate(token); err == nil {
		t.Fatal("expected verification failure")
	}
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	authn := NewAuthenticator([]byte("secret"))
	token, err := authn.MintToken(actor.User("did:plc:alice"), -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := authn.Authenticate(token); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestExtractBearerToken(t *testing.T) {
	if _, err := extractBearerToken(""); err == nil {
		t.Fatal("empty header must fail")
	}
	if _, err := extractBearerToken("Basic abc"); err == nil {
		t.Fatal("wrong scheme must fail")
	}
	token, err := extractBearerToken("Bearer abc.def.ghi")
	if err != nil {
		t.Fatal(err)
	}
	if token != "abc.def.ghi" {
		t.Fatalf("unexpected token %q", token)
	}
}
