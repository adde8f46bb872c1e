package recrypt

import "time"

// Scope selects which of the author's sessions a trust-add backfill covers.
// Profile-like resources only ever need the current session; post-like
// resources backfill history inside a bounded lookback window. The caller
// supplies this per resource type; it is not a global constant.
type Scope struct {
	currentOnly bool
	lookback    time.Duration
}

// CurrentOnly backfills only the author's most recent session.
func CurrentOnly() Scope {
	return Scope{currentOnly: true}
}

// LookbackWindow backfills every session created within d of now.
func LookbackWindow(d time.Duration) Scope {
	return Scope{lookback: d}
}

// CurrentOnlyScope reports whether only the most recent session qualifies.
func (s Scope) CurrentOnlyScope() bool { return s.currentOnly }

// Since returns the creation-time lower bound for eligible sessions, or the
// zero time when the scope is current-only or unbounded.
func (s Scope) Since(now time.Time) time.Time {
	if s.currentOnly || s.lookback <= 0 {
		return time.Time{}
	}
	return now.Add(-s.lookback)
}

// Lookback exposes the window duration for payload serialization.
func (s Scope) Lookback() time.Duration { return s.lookback }
