package frame

import "encoding/json"

// NewDecodedPayload builds a DecodedPayload from a raw JSON value produced by
// an upstream network-server decoder. Per §9 ("Legacy payload shapes"), some
// upstream decoders double-encode the payload as a JSON string containing
// JSON; this transparently unwraps one level of that before storing.
func NewDecodedPayload(raw []byte) (*DecodedPayload, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	if s, ok := v.(string); ok {
		var inner any
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			v = inner
		}
		// If it doesn't parse as JSON, it's just a string payload; fall
		// through and wrap it below.
	}

	obj, ok := v.(map[string]any)
	if !ok {
		obj = map[string]any{"value": v}
	}
	return &DecodedPayload{Object: obj}, nil
}

// UnwrapLegacyString re-applies the same unwrap at query time: if v is
// itself a JSON-encoded string (a shape that could have been persisted by an
// older engine version that didn't unwrap at ingest), parse it back into a
// JSON value. The query executor performs the same unwrap inline when
// flattening decoded_payload.object rather than calling this helper.
func UnwrapLegacyString(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	var inner any
	if err := json.Unmarshal([]byte(s), &inner); err != nil {
		return v
	}
	return inner
}
