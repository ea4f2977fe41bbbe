// transcript-check rebuilds a UI transcript from a recorded raw message log
// and verifies it against a YAML expectation spec. It is used to validate
// reconstruction behavior against captured production sessions without a
// running backend.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/floegence/agent-console/internal/protocol"
	"github.com/floegence/agent-console/internal/transcript"
)

type messageLog struct {
	Messages           []protocol.RawMessage `json:"messages"`
	RealUserMessageIDs []int64               `json:"real_user_message_ids,omitempty"`
}

type checkSpec struct {
	Expect struct {
		UserTurns      *int     `yaml:"user_turns"`
		AssistantTurns *int     `yaml:"assistant_turns"`
		MinBlocks      int      `yaml:"min_blocks"`
		SubagentTools  []string `yaml:"subagent_tools"`
	} `yaml:"expect"`
}

type checkReport struct {
	Status         string   `json:"status"`
	Reasons        []string `json:"reasons,omitempty"`
	UserTurns      int      `json:"user_turns"`
	AssistantTurns int      `json:"assistant_turns"`
	Blocks         int      `json:"blocks"`
}

func main() {
	messageLogPath := flag.String("message-log", "", "raw message log path (JSON)")
	specPath := flag.String("spec", "", "expectation spec path (YAML)")
	flag.Parse()

	if strings.TrimSpace(*messageLogPath) == "" {
		fatalf("--message-log is required")
	}
	if strings.TrimSpace(*specPath) == "" {
		fatalf("--spec is required")
	}

	report, err := runCheck(strings.TrimSpace(*messageLogPath), strings.TrimSpace(*specPath))
	if err != nil {
		fatalf("check failed: %v", err)
	}

	b, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(b))

	if report.Status != "pass" {
		os.Exit(2)
	}
}

func runCheck(messageLogPath string, specPath string) (*checkReport, error) {
	logBytes, err := os.ReadFile(messageLogPath)
	if err != nil {
		return nil, err
	}
	var mlog messageLog
	if err := json.Unmarshal(logBytes, &mlog); err != nil {
		return nil, fmt.Errorf("parse message log: %w", err)
	}

	specBytes, err := os.ReadFile(specPath)
	if err != nil {
		return nil, err
	}
	var spec checkSpec
	if err := yaml.Unmarshal(specBytes, &spec); err != nil {
		return nil, fmt.Errorf("parse spec: %w", err)
	}

	realIDs := map[int64]struct{}{}
	for _, id := range mlog.RealUserMessageIDs {
		realIDs[id] = struct{}{}
	}

	res := transcript.Build(mlog.Messages, realIDs)
	report := summarize(res)

	var reasons []string
	if spec.Expect.UserTurns != nil && report.UserTurns != *spec.Expect.UserTurns {
		reasons = append(reasons, fmt.Sprintf("user_turns: got %d, want %d", report.UserTurns, *spec.Expect.UserTurns))
	}
	if spec.Expect.AssistantTurns != nil && report.AssistantTurns != *spec.Expect.AssistantTurns {
		reasons = append(reasons, fmt.Sprintf("assistant_turns: got %d, want %d", report.AssistantTurns, *spec.Expect.AssistantTurns))
	}
	if report.Blocks < spec.Expect.MinBlocks {
		reasons = append(reasons, fmt.Sprintf("blocks: got %d, want at least %d", report.Blocks, spec.Expect.MinBlocks))
	}
	for _, toolID := range spec.Expect.SubagentTools {
		if !hasSubagentTranscript(res, toolID) {
			reasons = append(reasons, fmt.Sprintf("tool %q has no subagent transcript", toolID))
		}
	}

	report.Reasons = reasons
	if len(reasons) == 0 {
		report.Status = "pass"
	} else {
		report.Status = "fail"
	}
	return report, nil
}

func summarize(res transcript.Result) *checkReport {
	out := &checkReport{}
	for _, m := range res.Messages {
		switch m.Role {
		case "user":
			out.UserTurns++
		case "assistant":
			out.AssistantTurns++
			out.Blocks += len(m.Blocks)
		}
	}
	return out
}

func hasSubagentTranscript(res transcript.Result, toolID string) bool {
	for _, m := range res.Messages {
		for _, blk := range m.Blocks {
			tu, ok := blk.(transcript.ToolUseBlock)
			if !ok {
				continue
			}
			if tu.ID == toolID && len(tu.SubagentTranscript) > 0 {
				return true
			}
		}
	}
	return false
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
