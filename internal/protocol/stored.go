package protocol

import (
	"encoding/json"
	"strings"
)

// DecodeStored rebuilds a RawMessage from a persisted session-store row.
// Decoding is best effort: a corrupt content or attachments payload yields
// an empty field, never an error.
func DecodeStored(id int64, role string, contentJSON string, attachmentsJSON string, createdAtUnixMs int64) RawMessage {
	m := RawMessage{
		ID:              id,
		Role:            strings.TrimSpace(role),
		CreatedAtUnixMs: createdAtUnixMs,
	}

	if raw := strings.TrimSpace(contentJSON); raw != "" {
		var c RawContent
		_ = json.Unmarshal([]byte(raw), &c)
		m.Content = c
	}

	if raw := strings.TrimSpace(attachmentsJSON); raw != "" {
		var atts []Attachment
		if err := json.Unmarshal([]byte(raw), &atts); err == nil && len(atts) > 0 {
			m.Attachments = atts
		}
	}

	return m
}
