package agent

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/popmelt/bridge/internal/common/logger"
)

// codexToolItems are the item types announced via item/started that count
// as tool use.
var codexToolItems = map[string]bool{
	"command_execution": true,
	"file_change":       true,
	"file_read":         true,
	"web_search":        true,
	"mcp_tool_call":     true,
}

// CodexProvider drives the Codex CLI in exec mode with line-delimited JSON
// events on stdout.
type CodexProvider struct {
	binary string
	args   []string
	logger *logger.Logger
}

// NewCodexProvider builds the adapter. binary defaults to "codex" when
// empty.
func NewCodexProvider(binary string, extraArgs []string, log *logger.Logger) *CodexProvider {
	if binary == "" {
		binary = "codex"
	}
	return &CodexProvider{
		binary: binary,
		args:   extraArgs,
		logger: log.WithFields(zap.String("provider", "codex")),
	}
}

func (p *CodexProvider) Name() string   { return "codex" }
func (p *CodexProvider) Binary() string { return p.binary }

// Run spawns the CLI and blocks until it exits.
func (p *CodexProvider) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	argv := []string{p.binary, "exec", "--json", "--skip-git-repo-check"}
	if req.SessionID != "" {
		argv = append(argv, "resume", req.SessionID)
	}
	if req.Model != "" {
		argv = append(argv, "--model", req.Model)
	}
	if req.ReadOnly {
		// Codex has no per-tool allowlist; the read-only sandbox covers
		// the phases that must not mutate source.
		argv = append(argv, "--sandbox", "read-only")
	}
	argv = append(argv, p.args...)
	argv = append(argv, req.Prompt)

	return runCLI(ctx, p.logger, req, argv, &codexStream{})
}

// codexStream accumulates terminal state across the CLI's event stream.
type codexStream struct {
	threadID  string
	text      strings.Builder
	finalText string
	failure   string
}

type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Delta    string `json:"delta"`
	Text     string `json:"text"`

	Item struct {
		Type string `json:"type"`
		Text string `json:"text"`
		Path string `json:"path"`
	} `json:"item"`

	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (s *codexStream) HandleLine(line []byte, emit func(StreamEvent)) {
	var ev codexEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}

	switch {
	case ev.Type == "thread.started":
		if s.threadID == "" {
			s.threadID = ev.ThreadID
		}

	case ev.Type == "item/agentMessage/delta":
		text := ev.Delta
		if text == "" {
			text = ev.Text
		}
		s.text.WriteString(text)
		emit(StreamEvent{Kind: EventDelta, Text: text})

	case strings.HasPrefix(ev.Type, "item/reasoning"):
		text := ev.Delta
		if text == "" {
			text = ev.Text
		}
		if text != "" {
			emit(StreamEvent{Kind: EventThinking, Text: text})
		}

	case ev.Type == "item/started", ev.Type == "item.started":
		if codexToolItems[ev.Item.Type] {
			emit(StreamEvent{Kind: EventToolUse, Tool: ev.Item.Type, File: ev.Item.Path})
		}

	case ev.Type == "item/completed", ev.Type == "item.completed":
		if ev.Item.Type == "agent_message" && ev.Item.Text != "" {
			s.finalText = ev.Item.Text
		}

	case ev.Type == "turn.failed":
		s.failure = ev.Error.Message
		if s.failure == "" {
			s.failure = "agent turn failed"
		}
	}
}

func (s *codexStream) Finish() (string, string, string) {
	text := s.text.String()
	if s.finalText != "" && s.finalText != text {
		if text == "" {
			text = s.finalText
		} else if !strings.Contains(text, s.finalText) {
			text += s.finalText
		}
	}
	return s.threadID, text, s.failure
}
