//go:build policycheck

package policy

import (
	"fmt"
	"strings"

	"hushfeed.org/internal/actor"
)

// checkConditionShape verifies a condition looks authored the right way
// around before it is evaluated: the attribute must exist on the actor and a
// record path must exist on the record. The telltale authoring mistake is a
// swapped condition, where the "actor attribute" is really a record field;
// that raises a configuration error rather than silently denying.
func checkConditionShape(a actor.Actor, c Condition, rec Record) error {
	_, onActor := a.Property(c.Attr)
	if !onActor && rec != nil {
		if hasPath(map[string]any(rec), []string{c.Attr}) {
			return fmt.Errorf("%w: condition key %q exists on the record but not on the actor; keys were likely swapped", ErrConfiguration, c.Attr)
		}
		return fmt.Errorf("%w: condition key %q is not an actor attribute", ErrConfiguration, c.Attr)
	}
	if rp, ok := c.Expr.(RecordPath); ok && rec != nil {
		if !hasPath(map[string]any(rec), rp.Segments) {
			return fmt.Errorf("%w: record path %q does not exist on the record", ErrConfiguration, strings.Join(rp.Segments, "."))
		}
	}
	return nil
}
