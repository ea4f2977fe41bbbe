package transcript

import (
	"encoding/json"

	"github.com/floegence/agent-console/internal/protocol"
)

// StatusCompleted is the only status reconstructed turns carry. Live/streaming
// states belong to the session-polling layer, not to reconstruction.
const StatusCompleted = "completed"

// UIMessage is one rendered conversation turn.
//
// A user turn carries plain text content. An assistant turn aggregates every
// tool/thinking/text block emitted between two user turns, so its content is
// an ordered block list. On the wire `content` is a string for user turns and
// an array for assistant turns (aligned with the dashboard chat types).
type UIMessage struct {
	ID              string                `json:"id"`
	Role            string                `json:"role"`
	Text            string                `json:"-"`
	Blocks          []UIBlock             `json:"-"`
	Status          string                `json:"status"`
	TimestampUnixMs int64                 `json:"timestamp"`
	Attachments     []protocol.Attachment `json:"attachments,omitempty"`
}

func (m UIMessage) MarshalJSON() ([]byte, error) {
	type alias UIMessage
	var content any = m.Text
	if m.Blocks != nil {
		content = m.Blocks
	}
	return json.Marshal(struct {
		alias
		Content any `json:"content"`
	}{alias: alias(m), Content: content})
}

// UIBlock is one typed fragment inside an assistant turn.
type UIBlock interface {
	uiBlock()
}

type ToolUseBlock struct {
	Type  string         `json:"type"` // tool_use
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`

	// SubagentTranscript holds the flattened output of a nested agent
	// invocation spawned by this tool call, in arrival order. Omitted when
	// the call spawned no nested output.
	SubagentTranscript []string `json:"subagent_transcript,omitempty"`
}

func (ToolUseBlock) uiBlock() {}

type ToolResultBlock struct {
	Type      string `json:"type"` // tool_result
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

func (ToolResultBlock) uiBlock() {}

type ThinkingBlock struct {
	Type      string `json:"type"` // thinking
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
}

func (ThinkingBlock) uiBlock() {}

type TextBlock struct {
	Type string `json:"type"` // text
	Text string `json:"text"`
}

func (TextBlock) uiBlock() {}

// Result is the ordered UI transcript of one session.
type Result struct {
	Messages []UIMessage `json:"messages"`
}
