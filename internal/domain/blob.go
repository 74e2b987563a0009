package domain

import (
	"bytes"
	"encoding/json"
)

// ValidateObject checks that a caller-supplied blob (job inputs, event
// payloads) is either empty or a JSON object.
func ValidateObject(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] != '{' {
		return NewError(CodeInputInvalid, "expected a JSON object")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return Errorf(CodeInputInvalid, "malformed JSON object: %v", err)
	}
	return nil
}

// NormalizeObject returns raw, or an empty object when raw is empty or null.
func NormalizeObject(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}
