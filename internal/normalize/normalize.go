// Package normalize converts unpredictable upstream agent payloads into the
// single string contract the rest of the gateway depends on.
//
// The upstream agent has shipped at least three incompatible envelopes: a
// legacy webhook returning a wrapped array, the current API returning a flat
// object, and a raw string for trivial replies. Nobody outside this package
// inspects response shapes.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
)

// field names checked on object envelopes, in priority order.
var replyFields = []string{"output", "result", "message"}

// maxReparseDepth bounds recursion into string-encoded payloads.
const maxReparseDepth = 1

// Normalize turns a raw agent response body into a display string. It never
// fails: unrecognized shapes fall back to a textual serialization of the
// input so the user always sees something.
func Normalize(raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return ""
	}

	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		// Not structured data at all: a bare reply string.
		return text
	}
	if out, ok := fromValue(parsed, 0); ok {
		return out
	}
	return serialize(parsed)
}

// FromValue normalizes an already-decoded JSON value, for callers that
// unmarshal the transport envelope themselves.
func FromValue(v any) string {
	if out, ok := fromValue(v, 0); ok {
		return out
	}
	return serialize(v)
}

func fromValue(v any, depth int) (string, bool) {
	switch val := v.(type) {
	case string:
		if depth >= maxReparseDepth {
			return val, true
		}
		// A string payload may itself be a JSON-encoded envelope.
		var inner any
		if err := json.Unmarshal([]byte(val), &inner); err != nil {
			return val, true
		}
		if out, ok := fromValue(inner, depth+1); ok {
			return out, true
		}
		return val, true
	case []any:
		if len(val) == 0 {
			return "", false
		}
		first, ok := val[0].(map[string]any)
		if !ok {
			return "", false
		}
		if out, ok := first["output"]; ok {
			return fieldText(out), true
		}
		return "", false
	case map[string]any:
		for _, field := range replyFields {
			if out, ok := val[field]; ok {
				return fieldText(out), true
			}
		}
		return "", false
	default:
		return "", false
	}
}

// fieldText renders an envelope field value as display text. Reply fields
// are normally strings, but nothing guarantees that.
func fieldText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return serialize(v)
}

func serialize(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
