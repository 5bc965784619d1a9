package exec

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/dshills/skillflow/skill"
	"github.com/dshills/skillflow/state"
)

// evalCondition evaluates a step predicate against the pipeline
// context. An error marks the predicate malformed; callers default
// open, running the step and surfacing a warning.
func evalCondition(cond *skill.Condition, ctx map[string]any) (bool, error) {
	actual, _ := lookupField(cond.Field, ctx)
	switch cond.Operator {
	case "equals":
		return looseEqual(actual, cond.Value), nil
	case "not_equals":
		return !looseEqual(actual, cond.Value), nil
	case "contains":
		return containsValue(actual, cond.Value)
	case "not_contains":
		ok, err := containsValue(actual, cond.Value)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case "in":
		return memberOf(actual, cond.Value)
	case "not_in":
		ok, err := memberOf(actual, cond.Value)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case "gt", "gte", "lt", "lte":
		return compareNumeric(cond.Operator, actual, cond.Value)
	case "is_empty":
		return isEmpty(actual), nil
	case "is_not_empty":
		return !isEmpty(actual), nil
	default:
		return false, fmt.Errorf("condition on %q: unknown operator %q", cond.Field, cond.Operator)
	}
}

func lookupField(field string, ctx map[string]any) (any, bool) {
	if v, ok := ctx[field]; ok {
		return v, true
	}
	return state.GetPath(ctx, field)
}

// looseEqual compares numerically when both sides coerce to numbers,
// so a stored float64(3) equals an authored int 3.
func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

// containsValue checks substring membership for strings and element
// membership for slices. An expected list matches when any of its
// items is contained.
func containsValue(actual, expected any) (bool, error) {
	if wanted, ok := expected.([]any); ok {
		for _, w := range wanted {
			found, err := containsValue(actual, w)
			if err != nil {
				return false, err
			}
			if found {
				return true, nil
			}
		}
		return false, nil
	}
	switch t := actual.(type) {
	case string:
		needle, ok := expected.(string)
		if !ok {
			needle = formatValue(expected)
		}
		return strings.Contains(strings.ToLower(t), strings.ToLower(needle)), nil
	case []any:
		for _, item := range t {
			if looseEqual(item, expected) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("contains: value of type %T is not a string or list", actual)
	}
}

// memberOf checks whether actual appears in the expected container.
func memberOf(actual, expected any) (bool, error) {
	switch t := expected.(type) {
	case []any:
		for _, item := range t {
			if looseEqual(actual, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		needle, ok := actual.(string)
		if !ok {
			needle = formatValue(actual)
		}
		return strings.Contains(strings.ToLower(t), strings.ToLower(needle)), nil
	default:
		return false, fmt.Errorf("in: expected value of type %T is not a list or string", expected)
	}
}

func compareNumeric(op string, actual, expected any) (bool, error) {
	af, ok := toFloat(actual)
	if !ok {
		return false, fmt.Errorf("%s: value %v is not numeric", op, actual)
	}
	bf, ok := toFloat(expected)
	if !ok {
		return false, fmt.Errorf("%s: comparison value %v is not numeric", op, expected)
	}
	switch op {
	case "gt":
		return af > bf, nil
	case "gte":
		return af >= bf, nil
	case "lt":
		return af < bf, nil
	default:
		return af <= bf, nil
	}
}

// toFloat coerces numbers and numeric strings to float64.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// isEmpty reports whether v is nil, an empty string or container, a
// zero number, or false.
func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		if f, ok := toFloat(v); ok {
			return f == 0
		}
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Slice, reflect.Map, reflect.Array:
			return rv.Len() == 0
		}
		return false
	}
}
