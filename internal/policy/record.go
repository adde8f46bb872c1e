package policy

// Record is the generic document the engine evaluates conditions against.
// Values are scalars, nested Records (or plain maps), or arrays thereof.
type Record map[string]any

// Resolve walks the record along the path segments. Traversing an array
// flat-maps: every element contributes via the remaining path, and nil
// results are dropped. A missing key resolves to nil.
func Resolve(rec Record, segments []string) any {
	return resolve(map[string]any(rec), segments)
}

func resolve(v any, segments []string) any {
	if v == nil {
		return nil
	}
	if len(segments) == 0 {
		return v
	}
	switch node := v.(type) {
	case Record:
		return resolve(node[segments[0]], segments[1:])
	case map[string]any:
		return resolve(node[segments[0]], segments[1:])
	case []any:
		out := make([]any, 0, len(node))
		for _, el := range node {
			r := resolve(el, segments)
			if r == nil {
				continue
			}
			if nested, ok := r.([]any); ok {
				out = append(out, nested...)
			} else {
				out = append(out, r)
			}
		}
		return out
	default:
		// Scalar with path segments remaining: the path does not exist.
		return nil
	}
}

// hasPath reports whether the path structurally exists in the document,
// regardless of its value. Used by the diagnostic build to tell a swapped
// condition key from a legitimately-nil field.
func hasPath(v any, segments []string) bool {
	if len(segments) == 0 {
		return true
	}
	switch node := v.(type) {
	case Record:
		child, ok := node[segments[0]]
		return ok && hasPath(child, segments[1:])
	case map[string]any:
		child, ok := node[segments[0]]
		return ok && hasPath(child, segments[1:])
	case []any:
		for _, el := range node {
			if hasPath(el, segments) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// equalScalar compares two values that are expected to be comparable
// scalars. Numeric values are compared across int/int64/float64 so that
// documents decoded from JSON behave the same as ones built in code.
// Non-scalar operands never compare equal.
func equalScalar(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case int, int64, float64:
		af, aok := toFloat(a)
		bf, bok := toFloat(b)
		return aok && bok && af == bf
	case nil:
		return b == nil
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
