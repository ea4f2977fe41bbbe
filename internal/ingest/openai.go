package ingest

import (
	"encoding/json"
	"strings"

	"github.com/openai/openai-go"

	"github.com/floegence/agent-console/internal/protocol"
)

// FromOpenAIAssistantMessage flattens an OpenAI chat completion assistant
// message into a stored content block list. Tool calls become tool-use
// blocks; unparseable call arguments degrade to an empty input object.
func FromOpenAIAssistantMessage(msg openai.ChatCompletionMessage) protocol.RawContent {
	blocks := make([]protocol.Block, 0, 1+len(msg.ToolCalls))

	if text := strings.TrimSpace(msg.Content); text != "" {
		blocks = append(blocks, protocol.TextBlock{Text: msg.Content})
	}

	for _, call := range msg.ToolCalls {
		input := map[string]any{}
		if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
			_ = json.Unmarshal([]byte(raw), &input)
		}
		blocks = append(blocks, protocol.ToolUseBlock{
			ID:    strings.TrimSpace(call.ID),
			Name:  strings.TrimSpace(call.Function.Name),
			Input: input,
		})
	}

	return protocol.RawContent{Blocks: blocks}
}
