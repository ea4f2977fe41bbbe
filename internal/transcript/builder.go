package transcript

// Transcript reconstruction: a single forward pass over the flat, ordered raw
// protocol event list, producing the UI-ready conversation.
//
// The central invariant is turn aggregation: one assistant UIMessage collects
// all tool/thinking/text activity between two genuine user turns, regardless
// of how many raw messages the runtime split it across. Nested sub-agent
// output is lifted out of the main timeline and re-attached to the tool call
// that spawned it.
//
// Build never fails. A malformed record degrades to empty fields or is
// skipped; correctness of the rest of the transcript must not depend on any
// one record being well-formed.

import (
	"strconv"
	"strings"

	"github.com/floegence/agent-console/internal/protocol"
)

// Build reconstructs the UI transcript from the full raw message list of one
// session. The input must be pre-sorted ascending by creation order; Build
// does not re-sort.
//
// realUserMessageIDs identifies which stored user-role messages came from
// genuine end-user input (derived from agent run records). When the set is
// empty or nil, classification data is unavailable and every user-role text
// message is shown.
//
// Build is pure: no I/O, no retained state, safe for concurrent use on
// disjoint inputs.
func Build(raw []protocol.RawMessage, realUserMessageIDs map[int64]struct{}) Result {
	out := make([]UIMessage, 0, len(raw))

	// Index into out of the assistant turn currently accumulating blocks,
	// or -1 between turns.
	current := -1

	// Cleaned text fragments of nested sub-agent messages, keyed by the
	// spawning tool-use id. Applied as a post-pass.
	subagent := map[string][]string{}

	canClassify := len(realUserMessageIDs) > 0

	ensureAssistant := func(m protocol.RawMessage) int {
		if current >= 0 {
			return current
		}
		out = append(out, UIMessage{
			ID:              strconv.FormatInt(m.ID, 10),
			Role:            "assistant",
			Blocks:          []UIBlock{},
			Status:          StatusCompleted,
			TimestampUnixMs: m.CreatedAtUnixMs,
		})
		current = len(out) - 1
		return current
	}

	for _, m := range raw {
		// System-initialization handshake artifacts are never shown.
		if m.Content.IsSystemInit() {
			continue
		}

		// Messages belonging to a nested sub-agent invocation are not part
		// of the main timeline. Their text feeds the side accumulator and
		// they never create or mutate the current assistant turn.
		if pid := strings.TrimSpace(m.Content.ParentToolUseID); pid != "" {
			if text := extractText(m.Content); text != "" {
				subagent[pid] = append(subagent[pid], text)
			}
			continue
		}

		role := strings.TrimSpace(m.Role)
		consumed := false

		if role == "assistant" {
			for _, blk := range m.Content.Blocks {
				tu, ok := blk.(protocol.ToolUseBlock)
				if !ok {
					continue
				}
				idx := ensureAssistant(m)
				out[idx].Blocks = append(out[idx].Blocks, ToolUseBlock{
					Type:  "tool_use",
					ID:    strings.TrimSpace(tu.ID),
					Name:  strings.TrimSpace(tu.Name),
					Input: safeInput(tu.Input),
				})
			}
		}

		// Tool results merge into the accumulating assistant turn no matter
		// which role carried them: providers emit results under either role.
		// A user-role message holding results is fully consumed here and
		// never produces a separate user turn.
		for _, blk := range m.Content.Blocks {
			tr, ok := blk.(protocol.ToolResultBlock)
			if !ok {
				continue
			}
			idx := ensureAssistant(m)
			out[idx].Blocks = append(out[idx].Blocks, ToolResultBlock{
				Type:      "tool_result",
				ToolUseID: strings.TrimSpace(tr.ToolUseID),
				Content:   scrub(tr.Content),
				IsError:   tr.IsError,
			})
			if role == "user" {
				consumed = true
			}
		}

		if role == "assistant" {
			for _, blk := range m.Content.Blocks {
				th, ok := blk.(protocol.ThinkingBlock)
				if !ok {
					continue
				}
				thinking := scrub(th.Thinking)
				if strings.TrimSpace(thinking) == "" {
					continue
				}
				idx := ensureAssistant(m)
				out[idx].Blocks = append(out[idx].Blocks, ThinkingBlock{
					Type:      "thinking",
					Thinking:  thinking,
					Signature: strings.TrimSpace(th.Signature),
				})
			}
		}

		if consumed {
			continue
		}

		text := extractText(m.Content)
		if text == "" {
			continue
		}

		switch role {
		case "user":
			// Without classification data, show everything. With it, ids
			// outside the set are internal runtime prompts (tool-loop
			// continuations) and are dropped without touching the
			// accumulating assistant turn.
			if canClassify {
				if _, ok := realUserMessageIDs[m.ID]; !ok {
					continue
				}
			}
			current = -1
			out = append(out, UIMessage{
				ID:              strconv.FormatInt(m.ID, 10),
				Role:            "user",
				Text:            text,
				Status:          StatusCompleted,
				TimestampUnixMs: m.CreatedAtUnixMs,
				Attachments:     m.Attachments,
			})
		case "assistant":
			idx := ensureAssistant(m)
			out[idx].Blocks = append(out[idx].Blocks, TextBlock{Type: "text", Text: text})
		}
	}

	// Post-pass: attach accumulated sub-agent output to the spawning tool
	// call. Blocks with no nested output keep the field omitted.
	for i := range out {
		if out[i].Role != "assistant" {
			continue
		}
		for j, blk := range out[i].Blocks {
			tu, ok := blk.(ToolUseBlock)
			if !ok {
				continue
			}
			lines := subagent[tu.ID]
			if len(lines) == 0 {
				continue
			}
			tu.SubagentTranscript = lines
			out[i].Blocks[j] = tu
		}
	}

	return Result{Messages: out}
}

// extractText pulls the visible text out of a content shape: the single text
// string when present, otherwise the non-blank text blocks joined with a
// blank line. The result is scrubbed and trimmed; "" means no content.
func extractText(c protocol.RawContent) string {
	if t := strings.TrimSpace(scrub(c.Text)); t != "" {
		return t
	}
	var parts []string
	for _, blk := range c.Blocks {
		tb, ok := blk.(protocol.TextBlock)
		if !ok {
			continue
		}
		t := strings.TrimSpace(scrub(tb.Text))
		if t == "" {
			continue
		}
		parts = append(parts, t)
	}
	return strings.Join(parts, "\n\n")
}

// scrub removes Unicode replacement characters before text reaches the UI.
// They show up when the runtime re-encodes partial UTF-8 output.
func scrub(s string) string {
	if !strings.ContainsRune(s, '�') {
		return s
	}
	return strings.ReplaceAll(s, "�", "")
}

func safeInput(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return in
}
