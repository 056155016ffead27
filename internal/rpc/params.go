package rpc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// decodeParams unmarshals raw into out, accepting either snake_case or
// camelCase keys (spec.md §6's "lenient on input" rule). It decodes
// into a generic map first, renames every camelCase key to its
// snake_case form, then re-marshals and unmarshals into out — out must
// be a pointer to a struct with snake_case json tags.
func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		// Not an object (e.g. an array or scalar): fall back to a direct
		// decode so callers with non-object params still work.
		return json.Unmarshal(raw, out)
	}

	normalized := make(map[string]any, len(generic))
	for k, v := range generic {
		normalized[toSnakeCase(k)] = v
	}

	data, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("rpc: re-marshal params: %w", err)
	}
	return json.Unmarshal(data, out)
}

// toSnakeCase converts a camelCase key to snake_case. Keys already in
// snake_case (or with no uppercase letters) pass through unchanged.
func toSnakeCase(key string) string {
	var b strings.Builder
	for i, r := range key {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
