package transcript

import (
	"reflect"
	"strconv"
	"testing"

	"github.com/floegence/agent-console/internal/protocol"
)

func userText(id int64, text string) protocol.RawMessage {
	return protocol.RawMessage{
		ID:              id,
		Role:            "user",
		Content:         protocol.RawContent{Text: text},
		CreatedAtUnixMs: id * 1000,
	}
}

func assistantBlocks(id int64, blocks ...protocol.Block) protocol.RawMessage {
	return protocol.RawMessage{
		ID:              id,
		Role:            "assistant",
		Content:         protocol.RawContent{Blocks: blocks},
		CreatedAtUnixMs: id * 1000,
	}
}

func realIDs(ids ...int64) map[int64]struct{} {
	out := map[int64]struct{}{}
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func TestBuildGroupsAssistantActivityBetweenUserTurns(t *testing.T) {
	raw := []protocol.RawMessage{
		userText(1, "hi"),
		assistantBlocks(2, protocol.ToolUseBlock{ID: "t1", Name: "search", Input: map[string]any{"q": "x"}}),
		{
			ID:   3,
			Role: "user",
			Content: protocol.RawContent{Blocks: []protocol.Block{
				protocol.ToolResultBlock{ToolUseID: "t1", Content: "found"},
			}},
			CreatedAtUnixMs: 3000,
		},
		{ID: 4, Role: "assistant", Content: protocol.RawContent{Text: "done"}, CreatedAtUnixMs: 4000},
	}

	res := Build(raw, realIDs(1))

	if len(res.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(res.Messages))
	}

	user := res.Messages[0]
	if user.Role != "user" || user.Text != "hi" || user.ID != "1" {
		t.Fatalf("unexpected user turn: %+v", user)
	}
	if user.Status != StatusCompleted {
		t.Fatalf("unexpected user status %q", user.Status)
	}

	asst := res.Messages[1]
	if asst.Role != "assistant" || asst.ID != "2" {
		t.Fatalf("unexpected assistant turn: %+v", asst)
	}
	if len(asst.Blocks) != 3 {
		t.Fatalf("expected 3 assistant blocks, got %d: %+v", len(asst.Blocks), asst.Blocks)
	}

	tu, ok := asst.Blocks[0].(ToolUseBlock)
	if !ok || tu.ID != "t1" || tu.Name != "search" {
		t.Fatalf("unexpected first block: %+v", asst.Blocks[0])
	}
	if got := tu.Input["q"]; got != "x" {
		t.Fatalf("unexpected tool input: %+v", tu.Input)
	}
	tr, ok := asst.Blocks[1].(ToolResultBlock)
	if !ok || tr.ToolUseID != "t1" || tr.Content != "found" || tr.IsError {
		t.Fatalf("unexpected second block: %+v", asst.Blocks[1])
	}
	tb, ok := asst.Blocks[2].(TextBlock)
	if !ok || tb.Text != "done" {
		t.Fatalf("unexpected third block: %+v", asst.Blocks[2])
	}
}

func TestBuildToolResultUnderUserRoleProducesNoUserTurn(t *testing.T) {
	raw := []protocol.RawMessage{
		userText(1, "go"),
		assistantBlocks(2, protocol.ToolUseBlock{ID: "t1", Name: "read"}),
		{
			ID:   3,
			Role: "user",
			Content: protocol.RawContent{
				Text: "should never surface",
				Blocks: []protocol.Block{
					protocol.ToolResultBlock{ToolUseID: "t1", Content: "data", IsError: true},
				},
			},
			CreatedAtUnixMs: 3000,
		},
	}

	res := Build(raw, nil)

	if len(res.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(res.Messages))
	}
	asst := res.Messages[1]
	if len(asst.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %+v", asst.Blocks)
	}
	tr, ok := asst.Blocks[1].(ToolResultBlock)
	if !ok || tr.ToolUseID != "t1" || !tr.IsError {
		t.Fatalf("unexpected result block: %+v", asst.Blocks[1])
	}
	for _, m := range res.Messages {
		if m.Role == "user" && m.Text == "should never surface" {
			t.Fatalf("tool-result carrier surfaced as a user turn")
		}
	}
}

func TestBuildSystemInitDiscarded(t *testing.T) {
	raw := []protocol.RawMessage{
		{
			ID:              1,
			Role:            "assistant",
			Content:         protocol.RawContent{Type: "runtime.v1.SystemMessage", Subtype: "init", Text: "handshake"},
			CreatedAtUnixMs: 1000,
		},
		userText(2, "hello"),
	}

	res := Build(raw, nil)
	if len(res.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(res.Messages))
	}
	if res.Messages[0].Text != "hello" {
		t.Fatalf("unexpected message: %+v", res.Messages[0])
	}
}

func TestBuildSubagentTranscriptAttached(t *testing.T) {
	raw := []protocol.RawMessage{
		userText(1, "dispatch"),
		assistantBlocks(2,
			protocol.ToolUseBlock{ID: "task_1", Name: "task"},
			protocol.ToolUseBlock{ID: "task_2", Name: "task"},
		),
		{
			ID:              3,
			Role:            "assistant",
			Content:         protocol.RawContent{ParentToolUseID: "task_1", Text: "step one"},
			CreatedAtUnixMs: 3000,
		},
		{
			ID:   4,
			Role: "assistant",
			Content: protocol.RawContent{ParentToolUseID: "task_1", Blocks: []protocol.Block{
				protocol.TextBlock{Text: "step two"},
				protocol.TextBlock{Text: "step three"},
			}},
			CreatedAtUnixMs: 4000,
		},
		{
			ID:              5,
			Role:            "user",
			Content:         protocol.RawContent{ParentToolUseID: "task_1", Text: "nested prompt"},
			CreatedAtUnixMs: 5000,
		},
	}

	res := Build(raw, realIDs(1))

	if len(res.Messages) != 2 {
		t.Fatalf("nested messages must not be top-level turns, got %d messages", len(res.Messages))
	}

	asst := res.Messages[1]
	tu1, ok := asst.Blocks[0].(ToolUseBlock)
	if !ok {
		t.Fatalf("unexpected block: %+v", asst.Blocks[0])
	}
	want := []string{"step one", "step two\n\nstep three", "nested prompt"}
	if !reflect.DeepEqual(tu1.SubagentTranscript, want) {
		t.Fatalf("subagent transcript = %#v, want %#v", tu1.SubagentTranscript, want)
	}

	tu2, ok := asst.Blocks[1].(ToolUseBlock)
	if !ok {
		t.Fatalf("unexpected block: %+v", asst.Blocks[1])
	}
	if tu2.SubagentTranscript != nil {
		t.Fatalf("tool without nested output must omit subagent transcript, got %#v", tu2.SubagentTranscript)
	}
}

func TestBuildUserClassificationFallback(t *testing.T) {
	raw := []protocol.RawMessage{
		userText(1, "real input"),
		userText(2, "internal continuation prompt"),
	}

	// Without classification data every user-role text message is shown.
	res := Build(raw, nil)
	if len(res.Messages) != 2 {
		t.Fatalf("fallback must show all user text, got %d messages", len(res.Messages))
	}

	// With a non-empty set, only members are shown.
	res = Build(raw, realIDs(1))
	if len(res.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(res.Messages))
	}
	if res.Messages[0].ID != "1" {
		t.Fatalf("unexpected surviving message: %+v", res.Messages[0])
	}
}

func TestBuildInternalUserPromptDoesNotCloseAssistantTurn(t *testing.T) {
	raw := []protocol.RawMessage{
		userText(1, "start"),
		assistantBlocks(2, protocol.ToolUseBlock{ID: "t1", Name: "exec"}),
		userText(3, "continue the loop"),
		{ID: 4, Role: "assistant", Content: protocol.RawContent{Text: "final answer"}, CreatedAtUnixMs: 4000},
	}

	res := Build(raw, realIDs(1))

	if len(res.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(res.Messages))
	}
	asst := res.Messages[1]
	if len(asst.Blocks) != 2 {
		t.Fatalf("dropped internal prompt must not split the assistant turn: %+v", asst.Blocks)
	}
	if tb, ok := asst.Blocks[1].(TextBlock); !ok || tb.Text != "final answer" {
		t.Fatalf("unexpected final block: %+v", asst.Blocks[1])
	}
}

func TestBuildRealUserMessageClosesAssistantTurn(t *testing.T) {
	raw := []protocol.RawMessage{
		userText(1, "first"),
		{ID: 2, Role: "assistant", Content: protocol.RawContent{Text: "answer one"}, CreatedAtUnixMs: 2000},
		userText(3, "second"),
		{ID: 4, Role: "assistant", Content: protocol.RawContent{Text: "answer two"}, CreatedAtUnixMs: 4000},
	}

	res := Build(raw, realIDs(1, 3))

	if len(res.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(res.Messages))
	}
	wantRoles := []string{"user", "assistant", "user", "assistant"}
	for i, m := range res.Messages {
		if m.Role != wantRoles[i] {
			t.Fatalf("message %d role = %q, want %q", i, m.Role, wantRoles[i])
		}
	}
	second := res.Messages[3]
	if len(second.Blocks) != 1 {
		t.Fatalf("second assistant turn must be fresh, got %+v", second.Blocks)
	}
}

func TestBuildScrubsReplacementChars(t *testing.T) {
	raw := []protocol.RawMessage{
		{ID: 1, Role: "user", Content: protocol.RawContent{Text: "he�llo"}, CreatedAtUnixMs: 1000},
		assistantBlocks(2,
			protocol.ThinkingBlock{Thinking: "plan�ning", Signature: "sig"},
			protocol.ToolResultBlock{ToolUseID: "t1", Content: "out�put"},
			protocol.TextBlock{Text: "do�ne"},
		),
	}

	res := Build(raw, nil)

	if res.Messages[0].Text != "hello" {
		t.Fatalf("user text not scrubbed: %q", res.Messages[0].Text)
	}
	asst := res.Messages[1]
	if tr := asst.Blocks[0].(ToolResultBlock); tr.Content != "output" {
		t.Fatalf("tool result not scrubbed: %q", tr.Content)
	}
	if th := asst.Blocks[1].(ThinkingBlock); th.Thinking != "planning" {
		t.Fatalf("thinking not scrubbed: %q", th.Thinking)
	}
	if tb := asst.Blocks[2].(TextBlock); tb.Text != "done" {
		t.Fatalf("text not scrubbed: %q", tb.Text)
	}
}

func TestBuildSkipsBlankAndMalformedContent(t *testing.T) {
	raw := []protocol.RawMessage{
		{ID: 1, Role: "user", Content: protocol.RawContent{Text: "   "}, CreatedAtUnixMs: 1000},
		{ID: 2, Role: "assistant", Content: protocol.RawContent{}, CreatedAtUnixMs: 2000},
		assistantBlocks(3, protocol.ThinkingBlock{Thinking: "  \n "}),
		userText(4, "visible"),
	}

	res := Build(raw, nil)
	if len(res.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d: %+v", len(res.Messages), res.Messages)
	}
	if res.Messages[0].Text != "visible" {
		t.Fatalf("unexpected message: %+v", res.Messages[0])
	}
}

func TestBuildAssistantTextWithoutPriorBlocksStartsTurn(t *testing.T) {
	raw := []protocol.RawMessage{
		{ID: 1, Role: "assistant", Content: protocol.RawContent{Text: "greeting"}, CreatedAtUnixMs: 1000},
		assistantBlocks(2, protocol.ToolUseBlock{ID: "t1", Name: "probe"}),
	}

	res := Build(raw, nil)
	if len(res.Messages) != 1 {
		t.Fatalf("expected a single aggregated assistant turn, got %d", len(res.Messages))
	}
	asst := res.Messages[0]
	if asst.ID != "1" {
		t.Fatalf("turn must anchor at first contributing message, got id %q", asst.ID)
	}
	if len(asst.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %+v", asst.Blocks)
	}
}

func TestBuildToolUseInputDefaultsToEmptyObject(t *testing.T) {
	raw := []protocol.RawMessage{
		assistantBlocks(1, protocol.ToolUseBlock{ID: "t1", Name: "noop"}),
	}

	res := Build(raw, nil)
	tu := res.Messages[0].Blocks[0].(ToolUseBlock)
	if tu.Input == nil || len(tu.Input) != 0 {
		t.Fatalf("expected empty input object, got %#v", tu.Input)
	}
}

func TestBuildIdempotent(t *testing.T) {
	raw := []protocol.RawMessage{
		userText(1, "hi"),
		assistantBlocks(2,
			protocol.ToolUseBlock{ID: "t1", Name: "search", Input: map[string]any{"q": "x"}},
			protocol.ThinkingBlock{Thinking: "hmm"},
		),
		{
			ID:              3,
			Role:            "assistant",
			Content:         protocol.RawContent{ParentToolUseID: "t1", Text: "nested"},
			CreatedAtUnixMs: 3000,
		},
		{ID: 4, Role: "assistant", Content: protocol.RawContent{Text: "done"}, CreatedAtUnixMs: 4000},
	}
	ids := realIDs(1)

	first := Build(raw, ids)
	second := Build(raw, ids)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("builder is not idempotent:\nfirst:  %#v\nsecond: %#v", first, second)
	}
}

func TestBuildOrderingPreserved(t *testing.T) {
	raw := []protocol.RawMessage{
		userText(1, "a"),
		{ID: 2, Role: "assistant", Content: protocol.RawContent{Text: "b"}, CreatedAtUnixMs: 2000},
		userText(3, "c"),
		assistantBlocks(4, protocol.ToolUseBlock{ID: "t1", Name: "x"}),
		{ID: 5, Role: "assistant", Content: protocol.RawContent{Text: "d"}, CreatedAtUnixMs: 5000},
	}

	res := Build(raw, nil)

	prev := int64(-1)
	for _, m := range res.Messages {
		anchor, err := strconv.ParseInt(m.ID, 10, 64)
		if err != nil {
			t.Fatalf("non-numeric anchor id %q", m.ID)
		}
		if anchor < prev {
			t.Fatalf("anchor ids must be non-decreasing, got %d after %d", anchor, prev)
		}
		prev = anchor
	}
}

func TestBuildMultipleTextBlocksJoined(t *testing.T) {
	raw := []protocol.RawMessage{
		{
			ID:   1,
			Role: "user",
			Content: protocol.RawContent{Blocks: []protocol.Block{
				protocol.TextBlock{Text: "first"},
				protocol.TextBlock{Text: "   "},
				protocol.TextBlock{Text: "second"},
			}},
			CreatedAtUnixMs: 1000,
		},
	}

	res := Build(raw, nil)
	if got := res.Messages[0].Text; got != "first\n\nsecond" {
		t.Fatalf("joined text = %q", got)
	}
}
