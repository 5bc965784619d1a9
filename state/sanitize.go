package state

import "math"

// Sanitize walks v and replaces NaN and ±Inf floats with nil so the result
// round-trips through a strict JSON parser. Maps and lists are rebuilt;
// every other value passes through unchanged.
//
// Checkpoint payloads headed for the Redis cache tier and the relational
// slow tier must pass through here first: encoding/json refuses NaN and
// Infinity outright, and a crash between "state built" and "state
// persisted" must never be caused by a stray float from a query result.
func Sanitize(v any) any {
	switch typed := v.(type) {
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return nil
		}
		return typed
	case float32:
		f := float64(typed)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return typed
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, child := range typed {
			out[k] = Sanitize(child)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, child := range typed {
			out[i] = Sanitize(child)
		}
		return out
	case []map[string]any:
		out := make([]any, len(typed))
		for i, child := range typed {
			out[i] = Sanitize(child)
		}
		return out
	case []string:
		out := make([]any, len(typed))
		for i, s := range typed {
			out[i] = s
		}
		return out
	default:
		return v
	}
}
