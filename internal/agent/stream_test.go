package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popmelt/bridge/internal/common/logger"
)

func collect(handler lineHandler, lines ...string) []StreamEvent {
	var events []StreamEvent
	for _, line := range lines {
		handler.HandleLine([]byte(line), func(ev StreamEvent) {
			events = append(events, ev)
		})
	}
	return events
}

func TestClaudeStreamDeltasAndResult(t *testing.T) {
	s := &claudeStream{}
	events := collect(s,
		`{"type":"system","subtype":"init","session_id":"sess-123"}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello "}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"world"}}`,
		`{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hmm"}}`,
		`not json at all`,
		`{"type":"result","result":"Hello world","is_error":false}`,
	)

	require.Len(t, events, 3)
	assert.Equal(t, EventDelta, events[0].Kind)
	assert.Equal(t, "Hello ", events[0].Text)
	assert.Equal(t, EventThinking, events[2].Kind)

	sessionID, text, failure := s.Finish()
	assert.Equal(t, "sess-123", sessionID)
	assert.Equal(t, "Hello world", text, "result text not double counted")
	assert.Empty(t, failure)
}

func TestClaudeStreamAssistantBlocks(t *testing.T) {
	s := &claudeStream{}
	events := collect(s,
		`{"type":"assistant","session_id":"sess-9","message":{"content":[
			{"type":"text","text":"Updating the button."},
			{"type":"tool_use","name":"Edit","input":{"file_path":"src/Button.tsx"}}
		]}}`,
	)

	require.Len(t, events, 2)
	assert.Equal(t, EventDelta, events[0].Kind)
	assert.Equal(t, EventToolUse, events[1].Kind)
	assert.Equal(t, "Edit", events[1].Tool)
	assert.Equal(t, "src/Button.tsx", events[1].File)
}

func TestClaudeStreamErrorResult(t *testing.T) {
	s := &claudeStream{}
	collect(s, `{"type":"result","result":"rate limited","is_error":true}`)

	_, _, failure := s.Finish()
	assert.Equal(t, "rate limited", failure)
}

func TestCodexStreamEvents(t *testing.T) {
	s := &codexStream{}
	events := collect(s,
		`{"type":"thread.started","thread_id":"th-42"}`,
		`{"type":"item/agentMessage/delta","delta":"Working"}`,
		`{"type":"item/reasoning/delta","delta":"considering layout"}`,
		`{"type":"item/started","item":{"type":"command_execution"}}`,
		`{"type":"item/started","item":{"type":"file_change","path":"src/app.css"}}`,
		`{"type":"item/started","item":{"type":"agent_message"}}`,
		`{"type":"item/completed","item":{"type":"agent_message","text":"Working on it. Done."}}`,
	)

	require.Len(t, events, 4)
	assert.Equal(t, EventDelta, events[0].Kind)
	assert.Equal(t, EventThinking, events[1].Kind)
	assert.Equal(t, EventToolUse, events[2].Kind)
	assert.Equal(t, "command_execution", events[2].Tool)
	assert.Equal(t, "src/app.css", events[3].File)

	sessionID, text, failure := s.Finish()
	assert.Equal(t, "th-42", sessionID)
	assert.Equal(t, "WorkingWorking on it. Done.", text)
	assert.Empty(t, failure)
}

func TestCodexStreamTurnFailed(t *testing.T) {
	s := &codexStream{}
	collect(s, `{"type":"turn.failed","error":{"message":"model overloaded"}}`)

	_, _, failure := s.Finish()
	assert.Equal(t, "model overloaded", failure)
}

func TestCodexFinalTextPreferredWhenNoDeltas(t *testing.T) {
	s := &codexStream{}
	collect(s, `{"type":"item/completed","item":{"type":"agent_message","text":"All set."}}`)

	_, text, _ := s.Finish()
	assert.Equal(t, "All set.", text)
}

func TestToolInputFile(t *testing.T) {
	assert.Equal(t, "a.go", toolInputFile([]byte(`{"file_path":"a.go"}`)))
	assert.Equal(t, "b.md", toolInputFile([]byte(`{"path":"b.md"}`)))
	assert.Empty(t, toolInputFile(nil))
	assert.Empty(t, toolInputFile([]byte(`{"command":"ls"}`)))
}

func TestProviderDefaults(t *testing.T) {
	claude := NewClaudeProvider("", nil, logger.Default())
	assert.Equal(t, "claude", claude.Name())
	assert.Equal(t, "claude", claude.Binary())

	codex := NewCodexProvider("/opt/bin/codex", nil, logger.Default())
	assert.Equal(t, "codex", codex.Name())
	assert.Equal(t, "/opt/bin/codex", codex.Binary())
}
