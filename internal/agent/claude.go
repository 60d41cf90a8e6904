package agent

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/popmelt/bridge/internal/common/logger"
)

// readOnlyClaudeTools is the tool allowlist for phases that must not touch
// source files (planning, review, materialization).
var readOnlyClaudeTools = []string{"Read", "Grep", "Glob", "LS"}

// ClaudeProvider drives the Claude Code CLI in print mode with a
// line-delimited JSON stream on stdout.
type ClaudeProvider struct {
	binary string
	args   []string // extra args from the provider registry overrides
	logger *logger.Logger
}

// NewClaudeProvider builds the adapter. binary defaults to "claude" when
// empty.
func NewClaudeProvider(binary string, extraArgs []string, log *logger.Logger) *ClaudeProvider {
	if binary == "" {
		binary = "claude"
	}
	return &ClaudeProvider{
		binary: binary,
		args:   extraArgs,
		logger: log.WithFields(zap.String("provider", "claude")),
	}
}

func (p *ClaudeProvider) Name() string   { return "claude" }
func (p *ClaudeProvider) Binary() string { return p.binary }

// Run spawns the CLI and blocks until it exits.
func (p *ClaudeProvider) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	argv := []string{p.binary, "-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	if req.SessionID != "" {
		argv = append(argv, "--resume", req.SessionID)
	}
	if req.Model != "" {
		argv = append(argv, "--model", req.Model)
	}
	tools := req.AllowedTools
	if req.ReadOnly && tools == nil {
		tools = readOnlyClaudeTools
	}
	if tools != nil {
		argv = append(argv, "--allowedTools", strings.Join(tools, ","))
	}
	argv = append(argv, p.args...)

	return runCLI(ctx, p.logger, req, argv, &claudeStream{})
}

// claudeStream accumulates terminal state across the CLI's stream-json
// messages.
type claudeStream struct {
	sessionID string
	text      strings.Builder
	finalText string
	failure   string
}

type claudeMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`

	// type == "assistant"
	Message struct {
		Content []claudeContentBlock `json:"content"`
	} `json:"message"`

	// type == "content_block_delta"
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`

	// type == "result"
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

type claudeContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (s *claudeStream) HandleLine(line []byte, emit func(StreamEvent)) {
	var msg claudeMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return
	}
	if msg.SessionID != "" && s.sessionID == "" {
		s.sessionID = msg.SessionID
	}

	switch msg.Type {
	case "content_block_delta":
		switch msg.Delta.Type {
		case "text_delta":
			s.text.WriteString(msg.Delta.Text)
			emit(StreamEvent{Kind: EventDelta, Text: msg.Delta.Text})
		case "thinking_delta":
			emit(StreamEvent{Kind: EventThinking, Text: msg.Delta.Thinking})
		}

	case "assistant":
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				s.text.WriteString(block.Text)
				emit(StreamEvent{Kind: EventDelta, Text: block.Text})
			case "tool_use":
				emit(StreamEvent{
					Kind: EventToolUse,
					Tool: block.Name,
					File: toolInputFile(block.Input),
				})
			}
		}

	case "result":
		s.finalText = msg.Result
		if msg.IsError {
			s.failure = msg.Result
			if s.failure == "" {
				s.failure = "agent reported an error"
			}
		}
	}
}

func (s *claudeStream) Finish() (string, string, string) {
	text := s.text.String()
	// The result message repeats the full response in print mode; only
	// append it when it adds content beyond the streamed deltas.
	if s.finalText != "" && s.finalText != text {
		if text == "" {
			text = s.finalText
		} else if !strings.Contains(text, s.finalText) {
			text += s.finalText
		}
	}
	return s.sessionID, text, s.failure
}

// toolInputFile pulls the path argument out of a tool_use input when the
// tool addresses a file.
func toolInputFile(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var args struct {
		FilePath     string `json:"file_path"`
		Path         string `json:"path"`
		NotebookPath string `json:"notebook_path"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	switch {
	case args.FilePath != "":
		return args.FilePath
	case args.NotebookPath != "":
		return args.NotebookPath
	default:
		return args.Path
	}
}
