package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Sanitize strips empty values from a decoded JSON document. Map keys whose
// value is "" or nil are removed, as are maps and slices that are empty once
// their own contents have been sanitized. Slices are compacted. Scalars other
// than "" are kept as-is, including 0 and false.
//
// The top-level value itself is never removed: an object that sanitizes to
// nothing comes back as an empty map.
func Sanitize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if clean, keep := sanitizeValue(val); keep {
				out[k] = clean
			}
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, val := range t {
			if clean, keep := sanitizeValue(val); keep {
				out = append(out, clean)
			}
		}
		return out
	default:
		return v
	}
}

func sanitizeValue(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case string:
		return t, t != ""
	case map[string]any:
		clean := Sanitize(t).(map[string]any)
		return clean, len(clean) > 0
	case []any:
		clean := Sanitize(t).([]any)
		return clean, len(clean) > 0
	default:
		return v, true
	}
}

// sanitizeJSON encodes v as JSON with empty values stripped. Arbitrary Go
// values are first normalised through encoding/json so struct tags apply.
func sanitizeJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}

	out, err := json.Marshal(Sanitize(doc))
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return out, nil
}
