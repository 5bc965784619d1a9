package exec

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dshills/skillflow/state"
)

// placeholderRe matches {key} and {key.nested.path} placeholders in
// query text and pipeline inputs.
var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\}`)

// renderTemplate substitutes every placeholder in s with the value
// found in ctx. A placeholder whose first path segment is absent from
// ctx is an error naming the available keys; a deeper segment that
// does not resolve renders as the empty string.
func renderTemplate(s string, ctx map[string]any) (string, error) {
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		path := m[1 : len(m)-1]
		v, err := lookupPlaceholder(path, ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return m
		}
		return formatValue(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// renderValue renders placeholders inside an arbitrary structure,
// recursing through maps and slices. A string that is exactly one
// placeholder substitutes the referenced value with its native type,
// so numeric filter values stay numeric.
func renderValue(v any, ctx map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		if m := placeholderRe.FindStringSubmatch(t); m != nil && m[0] == t {
			return lookupPlaceholder(m[1], ctx)
		}
		return renderTemplate(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			rendered, err := renderValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			rendered, err := renderValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// lookupPlaceholder resolves a dot path against ctx. The full path is
// tried as a literal key first, so inputs stored under their dot-path
// name keep working.
func lookupPlaceholder(path string, ctx map[string]any) (any, error) {
	if v, ok := ctx[path]; ok {
		return v, nil
	}
	first := path
	if i := strings.IndexByte(path, '.'); i >= 0 {
		first = path[:i]
	}
	if _, ok := ctx[first]; !ok {
		keys := make([]string, 0, len(ctx))
		for k := range ctx {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("placeholder {%s}: key %q not found; available keys: %s", path, first, strings.Join(keys, ", "))
	}
	v, ok := state.GetPath(ctx, path)
	if !ok {
		return "", nil
	}
	return v, nil
}

// formatValue renders a placeholder value into query text. Floats keep
// their shortest exact form so integral floats do not grow a trailing
// ".000000"; structures fall back to JSON.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
