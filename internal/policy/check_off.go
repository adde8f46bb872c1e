//go:build !policycheck

package policy

import "hushfeed.org/internal/actor"

// checkConditionShape is a no-op in production builds. Build with the
// policycheck tag to enable rule authoring diagnostics.
func checkConditionShape(actor.Actor, Condition, Record) error { return nil }
