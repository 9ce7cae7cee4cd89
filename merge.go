package conflux

import (
	"reflect"
	"strings"
)

// deepMerge merges src over dst and returns dst. Tables merge key by key
// recursively; every other value, arrays included, replaces the old one.
// Array edits go through the _add and _remove directives instead, resolved
// after all layers merged.
func deepMerge(dst, src map[string]any) map[string]any {
	for k, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				dst[k] = deepMerge(dm, sm)

				continue
			}
		}
		dst[k] = sv
	}

	return dst
}

const (
	addSuffix    = "_add"
	removeSuffix = "_remove"
)

// applyArrayDirectives rewrites key_add and key_remove entries into edits
// of the key array: the base array keeps its elements, gains the _add
// elements, and drops any element equal to one in _remove. The directive
// keys themselves are removed. Nested tables and arrays are processed
// recursively.
func applyArrayDirectives(m map[string]any) map[string]any {
	bases := make(map[string]struct{})
	for k := range m {
		if base, ok := directiveBase(k); ok {
			bases[base] = struct{}{}
		}
	}

	for base := range bases {
		arr, _ := m[base].([]any)
		merged := make([]any, 0, len(arr))
		merged = append(merged, arr...)

		if add, ok := m[base+addSuffix].([]any); ok {
			merged = append(merged, add...)
		}
		if remove, ok := m[base+removeSuffix].([]any); ok {
			kept := merged[:0]
			for _, item := range merged {
				if !containsValue(remove, item) {
					kept = append(kept, item)
				}
			}
			merged = kept
		}

		m[base] = merged
		delete(m, base+addSuffix)
		delete(m, base+removeSuffix)
	}

	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			m[k] = applyArrayDirectives(t)
		case []any:
			m[k] = applyArrayDirectivesSlice(t)
		}
	}

	return m
}

func applyArrayDirectivesSlice(arr []any) []any {
	for i, v := range arr {
		switch t := v.(type) {
		case map[string]any:
			arr[i] = applyArrayDirectives(t)
		case []any:
			arr[i] = applyArrayDirectivesSlice(t)
		}
	}

	return arr
}

func directiveBase(key string) (string, bool) {
	if base, ok := strings.CutSuffix(key, addSuffix); ok && base != "" {
		return base, true
	}
	if base, ok := strings.CutSuffix(key, removeSuffix); ok && base != "" {
		return base, true
	}

	return "", false
}

func containsValue(list []any, item any) bool {
	for _, v := range list {
		if reflect.DeepEqual(v, item) {
			return true
		}
	}

	return false
}

// cloneTable deep-copies a table so merging never reaches back into layer
// data or into a previously built view.
func cloneTable(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneTable(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}

		return out
	default:
		return t
	}
}
