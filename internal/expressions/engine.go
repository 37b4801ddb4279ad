package expressions

import "context"

// Engine evaluates expressions against execution data.
// Three implementations: CEL (step guards), GoJQ (result selectors),
// Expr (transition-rule conditions).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Truthy applies the engine-wide truthiness rules used for guard and
// transition-condition results: nil, false, zero numbers, and empty
// strings/collections are false; everything else is true.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int32:
		return val != 0
	case int64:
		return val != 0
	case uint64:
		return val != 0
	case float32:
		return val != 0
	case float64:
		return val != 0
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	default:
		return true
	}
}
