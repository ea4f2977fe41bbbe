package protocol

// This package models the raw protocol events emitted by the agent runtime,
// as persisted by the session store before UI-oriented reconstruction.
//
// Runtimes and providers are sloppy about the exact shapes they emit, so
// decoding is deliberately tolerant: unknown block tags are dropped, missing
// fields coerce to zero values, and a malformed message decodes to an empty
// content shape instead of failing.

import (
	"encoding/json"
	"strings"
)

// Canonical block tags. Stored events may carry namespaced variants
// (e.g. "agent.runtime.v1.ToolUseBlock"), so tag matching is substring
// tolerant. NormalizeBlockTag is the single place that policy lives.
const (
	TagToolUse    = "ToolUseBlock"
	TagToolResult = "ToolResultBlock"
	TagText       = "TextBlock"
	TagThinking   = "ThinkingBlock"
	TagSystem     = "SystemMessage"
)

// SubtypeInit marks transport handshake artifacts that are never shown.
const SubtypeInit = "init"

type RawMessage struct {
	ID              int64        `json:"id"`
	Role            string       `json:"role"`
	Content         RawContent   `json:"content"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	CreatedAtUnixMs int64        `json:"created_at_unix_ms"`
}

type Attachment struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
}

// RawContent is the tagged content shape of a stored protocol event.
// It carries either a single text string or an ordered block list.
type RawContent struct {
	Type            string  `json:"_type,omitempty"`
	Subtype         string  `json:"subtype,omitempty"`
	ParentToolUseID string  `json:"parent_tool_use_id,omitempty"`
	Text            string  `json:"text,omitempty"`
	Blocks          []Block `json:"content,omitempty"`
}

// IsSystemInit reports whether this content is a system-initialization
// handshake artifact.
func (c RawContent) IsSystemInit() bool {
	return NormalizeBlockTag(c.Type) == TagSystem && strings.TrimSpace(c.Subtype) == SubtypeInit
}

// Block is one typed fragment of content inside a message.
type Block interface {
	blockTag() string
}

type ToolUseBlock struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

func (ToolUseBlock) blockTag() string { return TagToolUse }

type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

func (ToolResultBlock) blockTag() string { return TagToolResult }

type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) blockTag() string { return TagText }

type ThinkingBlock struct {
	Thinking  string `json:"thinking"`
	Signature string `json:"signature"`
}

func (ThinkingBlock) blockTag() string { return TagThinking }

// NormalizeBlockTag maps a raw `_type` discriminator to a canonical tag.
// The match is substring tolerant so namespaced variants resolve to the same
// tag. Unrecognized discriminators map to "".
func NormalizeBlockTag(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, tag := range []string{TagToolUse, TagToolResult, TagThinking, TagText, TagSystem} {
		if strings.Contains(raw, tag) {
			return tag
		}
	}
	return ""
}

func (c *RawContent) UnmarshalJSON(b []byte) error {
	if c == nil {
		return nil
	}
	*c = RawContent{}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "null" {
		return nil
	}

	// Some runtimes persist a bare string as the whole content.
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err == nil {
			c.Text = s
		}
		return nil
	}

	var aux struct {
		Type            string          `json:"_type"`
		Subtype         string          `json:"subtype"`
		ParentToolUseID string          `json:"parent_tool_use_id"`
		Text            string          `json:"text"`
		Content         json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		// Malformed content degrades to empty; the reconstruction layer skips it.
		return nil
	}

	c.Type = aux.Type
	c.Subtype = aux.Subtype
	c.ParentToolUseID = aux.ParentToolUseID
	c.Text = aux.Text
	c.Blocks = decodeBlocks(aux.Content)
	return nil
}

func (c RawContent) MarshalJSON() ([]byte, error) {
	obj := map[string]any{}
	if strings.TrimSpace(c.Type) != "" {
		obj["_type"] = c.Type
	}
	if strings.TrimSpace(c.Subtype) != "" {
		obj["subtype"] = c.Subtype
	}
	if strings.TrimSpace(c.ParentToolUseID) != "" {
		obj["parent_tool_use_id"] = c.ParentToolUseID
	}
	if c.Text != "" {
		obj["text"] = c.Text
	}
	if len(c.Blocks) > 0 {
		blocks := make([]any, 0, len(c.Blocks))
		for _, blk := range c.Blocks {
			blocks = append(blocks, encodeBlock(blk))
		}
		obj["content"] = blocks
	}
	return json.Marshal(obj)
}

func decodeBlocks(raw json.RawMessage) []Block {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}

	// A bare string in the content slot is a single text fragment.
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || strings.TrimSpace(s) == "" {
			return nil
		}
		return []Block{TextBlock{Text: s}}
	}

	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}

	out := make([]Block, 0, len(items))
	for _, item := range items {
		blk, ok := decodeBlock(item)
		if !ok {
			continue
		}
		out = append(out, blk)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func decodeBlock(item map[string]any) (Block, bool) {
	if len(item) == 0 {
		return nil, false
	}
	// Providers disagree on the discriminator key.
	tag := NormalizeBlockTag(readStringField(item, "_type", "type"))
	switch tag {
	case TagToolUse:
		return ToolUseBlock{
			ID:    readStringField(item, "id"),
			Name:  readStringField(item, "name"),
			Input: readObjectField(item, "input"),
		}, true
	case TagToolResult:
		return ToolResultBlock{
			ToolUseID: readStringField(item, "tool_use_id"),
			Content:   coerceResultContent(item["content"]),
			IsError:   readBoolField(item, "is_error"),
		}, true
	case TagThinking:
		return ThinkingBlock{
			Thinking:  readStringField(item, "thinking"),
			Signature: readStringField(item, "signature"),
		}, true
	case TagText:
		return TextBlock{Text: readStringField(item, "text")}, true
	default:
		return nil, false
	}
}

func encodeBlock(blk Block) map[string]any {
	switch v := blk.(type) {
	case ToolUseBlock:
		input := v.Input
		if input == nil {
			input = map[string]any{}
		}
		return map[string]any{"_type": TagToolUse, "id": v.ID, "name": v.Name, "input": input}
	case ToolResultBlock:
		return map[string]any{"_type": TagToolResult, "tool_use_id": v.ToolUseID, "content": v.Content, "is_error": v.IsError}
	case ThinkingBlock:
		return map[string]any{"_type": TagThinking, "thinking": v.Thinking, "signature": v.Signature}
	case TextBlock:
		return map[string]any{"_type": TagText, "text": v.Text}
	default:
		return map[string]any{}
	}
}

// coerceResultContent flattens a tool-result content value to a string.
// Providers emit either a plain string or a list of text fragments.
func coerceResultContent(v any) string {
	switch vv := v.(type) {
	case nil:
		return ""
	case string:
		return vv
	case []any:
		parts := make([]string, 0, len(vv))
		for _, item := range vv {
			obj, ok := item.(map[string]any)
			if !ok {
				if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
					parts = append(parts, s)
				}
				continue
			}
			if text := readStringField(obj, "text"); strings.TrimSpace(text) != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func readStringField(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := obj[key]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func readObjectField(obj map[string]any, keys ...string) map[string]any {
	for _, key := range keys {
		v, ok := obj[key]
		if !ok {
			continue
		}
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

func readBoolField(obj map[string]any, keys ...string) bool {
	for _, key := range keys {
		v, ok := obj[key]
		if !ok {
			continue
		}
		switch vv := v.(type) {
		case bool:
			return vv
		case float64:
			return vv != 0
		case string:
			norm := strings.TrimSpace(strings.ToLower(vv))
			if norm == "true" || norm == "1" {
				return true
			}
		}
	}
	return false
}
