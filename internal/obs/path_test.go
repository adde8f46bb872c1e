package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                           "/",
		"/metrics":                   "/metrics",
		"/v1/sessions/did:plc:abc":   "/v1/sessions/:did",
		"/v1/posts/01ARZ3NDEKTSV4":   "/v1/posts/:id",
		"/v1/sessions":               "/v1/sessions",
		"/v1/sessions/recipients":    "/v1/sessions/recipients",
		"/v1/private/posts?limit=10": "/v1/private/posts",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
