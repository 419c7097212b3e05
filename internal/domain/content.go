package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CloneContent deep-copies a JSON-like map (nested maps, slices, scalars).
// A nil input yields an empty, writable map.
func CloneContent(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneContent(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		// Scalars (string, bool, numbers, nil) are value types already.
		return val
	}
}

// MarshalContent renders content as compact JSON without HTML escaping.
// encoding/json sorts map keys, so the rendering is deterministic for equal
// content. Used for token estimation and trajectory serialization.
func MarshalContent(m map[string]any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return fmt.Sprintf("%v", m)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}

// Truncate cuts s to at most max runes, appending "..." when it was longer.
// Cutting happens on rune boundaries so multi-byte text stays well formed.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
