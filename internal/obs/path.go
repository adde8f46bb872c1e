package obs

import "strings"

// CanonicalPath collapses identifier segments so metric label cardinality
// stays bounded. Only the route shapes the API actually serves are mapped;
// unknown paths pass through unchanged (minus the query string).
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) == 3 && parts[0] == "v1" && parts[1] == "sessions" && parts[2] != "recipients" {
		return "/v1/sessions/:did"
	}
	if len(parts) == 3 && parts[0] == "v1" && parts[1] == "posts" {
		return "/v1/posts/:id"
	}
	return p
}
