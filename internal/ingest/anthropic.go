package ingest

// Adapters mapping provider SDK message shapes into the stored protocol
// content shape, so runtime emitters and the dashboard share one persisted
// format. Pure type plumbing: nothing here talks to a provider.

import (
	"encoding/json"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/floegence/agent-console/internal/protocol"
)

// FromAnthropicMessage flattens a completed Anthropic message into a stored
// content block list. Unknown block variants are dropped.
func FromAnthropicMessage(msg anthropic.Message) protocol.RawContent {
	blocks := make([]protocol.Block, 0, len(msg.Content))
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if strings.TrimSpace(variant.Text) == "" {
				continue
			}
			blocks = append(blocks, protocol.TextBlock{Text: variant.Text})
		case anthropic.ThinkingBlock:
			if strings.TrimSpace(variant.Thinking) == "" {
				continue
			}
			blocks = append(blocks, protocol.ThinkingBlock{
				Thinking:  variant.Thinking,
				Signature: strings.TrimSpace(variant.Signature),
			})
		case anthropic.ToolUseBlock:
			input := map[string]any{}
			if len(variant.Input) > 0 {
				_ = json.Unmarshal(variant.Input, &input)
			}
			blocks = append(blocks, protocol.ToolUseBlock{
				ID:    strings.TrimSpace(variant.ID),
				Name:  strings.TrimSpace(variant.Name),
				Input: input,
			})
		}
	}
	return protocol.RawContent{Blocks: blocks}
}

// ToolResult wraps a tool execution outcome as a stored content shape. The
// runtime feeds these back under whichever role the provider dictates; the
// transcript layer classifies them by block tag, not role.
func ToolResult(toolUseID string, content string, isError bool) protocol.RawContent {
	return protocol.RawContent{
		Blocks: []protocol.Block{
			protocol.ToolResultBlock{
				ToolUseID: strings.TrimSpace(toolUseID),
				Content:   content,
				IsError:   isError,
			},
		},
	}
}

// UserText wraps plain user input as a stored content shape.
func UserText(text string) protocol.RawContent {
	return protocol.RawContent{Text: text}
}
