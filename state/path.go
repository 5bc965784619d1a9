package state

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Dot-notation paths address values inside the data store. A path like
// "order.customer.email" traverses nested maps; numeric segments such as
// "items.0.id" index into lists. Assignment auto-creates intermediate maps
// but never grows a list: list elements can only be replaced at existing
// indices (replace the whole list to resize it).

// GetPath resolves a dot-notation path against m. The second return value
// reports whether every segment resolved.
func GetPath(m map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = m
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// SetPath assigns v at a dot-notation path, creating intermediate maps as
// needed. An intermediate segment that exists but is neither a map nor a
// list is replaced with a fresh map, matching assignment-wins semantics.
//
// List segments must index an existing element; assigning past the end of a
// list returns an error (no list growth by assignment).
func SetPath(m map[string]any, path string, v any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	segs := strings.Split(path, ".")
	return setPath(m, segs, path, v)
}

func setPath(node map[string]any, segs []string, full string, v any) error {
	seg := segs[0]
	if len(segs) == 1 {
		node[seg] = v
		return nil
	}
	child, ok := node[seg]
	if !ok {
		child = make(map[string]any)
		node[seg] = child
	}
	switch typed := child.(type) {
	case map[string]any:
		return setPath(typed, segs[1:], full, v)
	case []any:
		return setPathList(typed, segs[1:], full, v)
	default:
		// Assignment through a scalar replaces it with a map.
		fresh := make(map[string]any)
		node[seg] = fresh
		return setPath(fresh, segs[1:], full, v)
	}
}

func setPathList(list []any, segs []string, full string, v any) error {
	idx, err := strconv.Atoi(segs[0])
	if err != nil {
		return fmt.Errorf("path %q: segment %q indexes a list but is not an integer", full, segs[0])
	}
	if idx < 0 || idx >= len(list) {
		return fmt.Errorf("path %q: index %d out of range for list of length %d", full, idx, len(list))
	}
	if len(segs) == 1 {
		list[idx] = v
		return nil
	}
	switch typed := list[idx].(type) {
	case map[string]any:
		return setPath(typed, segs[1:], full, v)
	case []any:
		return setPathList(typed, segs[1:], full, v)
	default:
		fresh := make(map[string]any)
		list[idx] = fresh
		return setPath(fresh, segs[1:], full, v)
	}
}

// Flatten returns the sorted set of dot-notation paths present in m with
// non-empty values, including intermediate map and list paths. Reserved
// control keys (leading underscore at the top level) are skipped.
//
// "Non-empty" here means not nil, "", empty map, or empty list. Zero and
// false are present values: a skill that produced count=0 has produced
// count. (The pipeline condition operators use a stricter emptiness test;
// see the exec package.)
func Flatten(m map[string]any) []string {
	var keys []string
	for k, v := range m {
		if strings.HasPrefix(k, "_") {
			continue
		}
		flattenInto(&keys, k, v)
	}
	sort.Strings(keys)
	return keys
}

func flattenInto(keys *[]string, prefix string, v any) {
	if !Present(v) {
		return
	}
	*keys = append(*keys, prefix)
	switch typed := v.(type) {
	case map[string]any:
		for k, child := range typed {
			flattenInto(keys, prefix+"."+k, child)
		}
	case []any:
		for i, child := range typed {
			flattenInto(keys, prefix+"."+strconv.Itoa(i), child)
		}
	}
}

// Present reports whether v counts as a non-empty value for planner key
// computation: nil, empty strings, empty maps and empty lists are absent,
// everything else (including 0 and false) is present.
func Present(v any) bool {
	switch typed := v.(type) {
	case nil:
		return false
	case string:
		return typed != ""
	case map[string]any:
		return len(typed) > 0
	case []any:
		return len(typed) > 0
	case []string:
		return len(typed) > 0
	}
	return true
}

// DeepMerge merges src into dst recursively. Nested maps merge key by key;
// any other value (lists included) overwrites the destination wholesale.
// This is the REST-callback merge rule: list-valued fields are last-write-
// wins, never concatenated.
func DeepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				DeepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
}
