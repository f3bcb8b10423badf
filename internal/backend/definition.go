package backend

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Normalize round-trips def through JSON so nested values have the generic
// shapes (map[string]any, []any, float64) that schema validation and the
// accessors below expect.
func Normalize(def Definition) (Definition, error) {
	if def == nil {
		return Definition{}, nil
	}
	b, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	var out Definition
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	return out, nil
}

// AsMap reports v as an object if it is one.
func AsMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// AsSlice reports v as an array if it is one.
func AsSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

// Maps returns the object elements of the array at m[key]. Non-object
// elements are skipped.
func Maps(m map[string]any, key string) []map[string]any {
	s, _ := AsSlice(m[key])
	out := make([]map[string]any, 0, len(s))
	for _, v := range s {
		if mv, ok := AsMap(v); ok {
			out = append(out, mv)
		}
	}
	return out
}

// Str returns m[key] when it is a string.
func Str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// Present reports whether m[key] holds a non-empty value.
func Present(m map[string]any, key string) bool {
	v, ok := m[key]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// Missing lists the keys of m that are absent or empty.
func Missing(m map[string]any, keys ...string) []string {
	var out []string
	for _, k := range keys {
		if !Present(m, k) {
			out = append(out, k)
		}
	}
	return out
}

// Count returns the number of elements of an array or object value.
func Count(v any) int {
	switch t := v.(type) {
	case []any:
		return len(t)
	case map[string]any:
		return len(t)
	}
	return 0
}
