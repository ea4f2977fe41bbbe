package protocol

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestNormalizeBlockTag(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ToolUseBlock", TagToolUse},
		{"agent.runtime.v1.ToolUseBlock", TagToolUse},
		{"  runtime.ToolResultBlock  ", TagToolResult},
		{"proto.ThinkingBlock", TagThinking},
		{"TextBlock", TagText},
		{"runtime.v1.SystemMessage", TagSystem},
		{"ImageBlock", ""},
		{"", ""},
		{"text_block", ""},
	}
	for _, tc := range cases {
		if got := NormalizeBlockTag(tc.in); got != tc.want {
			t.Errorf("NormalizeBlockTag(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRawContentUnmarshalBlocks(t *testing.T) {
	raw := `{
		"_type": "agent.runtime.v1.AssistantMessage",
		"content": [
			{"_type": "agent.runtime.v1.ToolUseBlock", "id": "t1", "name": "search", "input": {"q": "x"}},
			{"type": "ToolResultBlock", "tool_use_id": "t1", "content": "found", "is_error": true},
			{"_type": "ThinkingBlock", "thinking": "hmm", "signature": "sig"},
			{"_type": "TextBlock", "text": "done"},
			{"_type": "ImageBlock", "data": "ignored"}
		]
	}`

	var c RawContent
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(c.Blocks) != 4 {
		t.Fatalf("expected 4 blocks (unknown tag dropped), got %d", len(c.Blocks))
	}

	tu, ok := c.Blocks[0].(ToolUseBlock)
	if !ok || tu.ID != "t1" || tu.Name != "search" {
		t.Fatalf("unexpected block 0: %+v", c.Blocks[0])
	}
	if !reflect.DeepEqual(tu.Input, map[string]any{"q": "x"}) {
		t.Fatalf("unexpected input: %+v", tu.Input)
	}
	tr, ok := c.Blocks[1].(ToolResultBlock)
	if !ok || tr.ToolUseID != "t1" || tr.Content != "found" || !tr.IsError {
		t.Fatalf("unexpected block 1: %+v", c.Blocks[1])
	}
	th, ok := c.Blocks[2].(ThinkingBlock)
	if !ok || th.Thinking != "hmm" || th.Signature != "sig" {
		t.Fatalf("unexpected block 2: %+v", c.Blocks[2])
	}
	tb, ok := c.Blocks[3].(TextBlock)
	if !ok || tb.Text != "done" {
		t.Fatalf("unexpected block 3: %+v", c.Blocks[3])
	}
}

func TestRawContentUnmarshalBareString(t *testing.T) {
	var c RawContent
	if err := json.Unmarshal([]byte(`"plain text"`), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.Text != "plain text" || len(c.Blocks) != 0 {
		t.Fatalf("unexpected content: %+v", c)
	}
}

func TestRawContentUnmarshalBareStringContentSlot(t *testing.T) {
	var c RawContent
	if err := json.Unmarshal([]byte(`{"content": "inline"}`), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(c.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %+v", c.Blocks)
	}
	if tb, ok := c.Blocks[0].(TextBlock); !ok || tb.Text != "inline" {
		t.Fatalf("unexpected block: %+v", c.Blocks[0])
	}
}

func TestRawContentUnmarshalMalformedDegrades(t *testing.T) {
	cases := []string{
		`null`,
		`12345`,
		`[1, 2, 3]`,
		`{"content": {"not": "a list"}}`,
		`{"content": [42, null]}`,
	}
	for _, raw := range cases {
		var c RawContent
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			t.Errorf("unmarshal(%s) returned error: %v", raw, err)
			continue
		}
		if c.Text != "" || len(c.Blocks) != 0 {
			t.Errorf("unmarshal(%s) did not degrade to empty: %+v", raw, c)
		}
	}
}

func TestRawContentRoundTrip(t *testing.T) {
	in := RawContent{
		Type: "AssistantMessage",
		Blocks: []Block{
			ToolUseBlock{ID: "t1", Name: "exec", Input: map[string]any{"cmd": "ls"}},
			ToolResultBlock{ToolUseID: "t1", Content: "ok", IsError: false},
			TextBlock{Text: "finished"},
		},
	}

	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out RawContent
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\nin:  %#v\nout: %#v", in, out)
	}
}

func TestCoerceResultContentList(t *testing.T) {
	raw := `{
		"content": [
			{"_type": "ToolResultBlock", "tool_use_id": "t1", "content": [
				{"text": "line one"},
				{"text": "  "},
				"line two",
				{"no_text": true}
			]}
		]
	}`

	var c RawContent
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	tr, ok := c.Blocks[0].(ToolResultBlock)
	if !ok {
		t.Fatalf("unexpected block: %+v", c.Blocks[0])
	}
	if tr.Content != "line one\nline two" {
		t.Fatalf("coerced content = %q", tr.Content)
	}
}

func TestIsSystemInit(t *testing.T) {
	cases := []struct {
		content RawContent
		want    bool
	}{
		{RawContent{Type: "runtime.v1.SystemMessage", Subtype: "init"}, true},
		{RawContent{Type: "SystemMessage", Subtype: "init"}, true},
		{RawContent{Type: "SystemMessage", Subtype: "status"}, false},
		{RawContent{Type: "AssistantMessage", Subtype: "init"}, false},
		{RawContent{}, false},
	}
	for i, tc := range cases {
		if got := tc.content.IsSystemInit(); got != tc.want {
			t.Errorf("case %d: IsSystemInit() = %v, want %v", i, got, tc.want)
		}
	}
}

func TestDecodeStored(t *testing.T) {
	m := DecodeStored(7, " user ", `{"text": "hello"}`, `[{"name": "a.png", "mime_type": "image/png"}]`, 123)
	if m.ID != 7 || m.Role != "user" || m.CreatedAtUnixMs != 123 {
		t.Fatalf("unexpected message: %+v", m)
	}
	if m.Content.Text != "hello" {
		t.Fatalf("unexpected content: %+v", m.Content)
	}
	if len(m.Attachments) != 1 || m.Attachments[0].Name != "a.png" {
		t.Fatalf("unexpected attachments: %+v", m.Attachments)
	}
}

func TestDecodeStoredCorruptPayloads(t *testing.T) {
	m := DecodeStored(1, "assistant", `{bad json`, `also bad`, 0)
	if m.Content.Text != "" || len(m.Content.Blocks) != 0 {
		t.Fatalf("corrupt content must degrade to empty: %+v", m.Content)
	}
	if m.Attachments != nil {
		t.Fatalf("corrupt attachments must degrade to nil: %+v", m.Attachments)
	}
}
