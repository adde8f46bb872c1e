package session

import (
	"errors"
	"testing"
	"time"
)

func TestCursorRoundTrip(t *testing.T) {
	p := Post{ID: "01ARZ3NDEKTSV4RRFFQ69G5FAV", CreatedAt: time.Date(2026, 8, 1, 9, 30, 0, 123456000, time.UTC)}
	token := EncodeCursor(p)
	if token == "" {
		t.Fatalf("empty cursor")
	}

	micros, id, err := DecodeCursor(token)
	if err != nil {
		t.Fatal(err)
	}
	if micros != p.CreatedAt.UnixMicro() || id != p.ID {
		t.Fatalf("round trip mismatch: %d %q", micros, id)
	}
}

func TestCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{"not base64 ((", "aGVsbG8", ""} {
		if _, _, err := DecodeCursor(token); !errors.Is(err, ErrValidation) {
			t.Fatalf("DecodeCursor(%q) = %v, want ErrValidation", token, err)
		}
	}
}
