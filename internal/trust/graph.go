// Package trust consumes the external trust-graph service. Only the read
// side is needed here; the graph's own storage and update logic live
// elsewhere.
package trust

import (
	"context"
	"errors"
)

// ErrUnavailable wraps transport failures talking to the trust graph.
// Callers treat it as retryable.
var ErrUnavailable = errors.New("trust: service unavailable")

// Relation is one trust edge as reported by the graph.
type Relation struct {
	Did string `json:"did"`
}

// Graph answers point queries about trust edges. A non-empty GetTrusted
// result means the author currently trusts the recipient.
type Graph interface {
	GetTrusted(ctx context.Context, authorDid, recipientDid string) ([]Relation, error)
}

// IsTrusted is a convenience wrapper for the common yes/no question.
func IsTrusted(ctx context.Context, g Graph, authorDid, recipientDid string) (bool, error) {
	rels, err := g.GetTrusted(ctx, authorDid, recipientDid)
	if err != nil {
		return false, err
	}
	return len(rels) > 0, nil
}
