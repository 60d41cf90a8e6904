// Package agent supervises external AI coding agent subprocesses. Each
// provider adapter spawns its CLI, translates the CLI's line-delimited JSON
// stream into uniform events, and reports the final text plus exit status.
package agent

import (
	"context"
	"os"
	"time"
)

// Uniform stream event kinds.
const (
	EventDelta    = "delta"
	EventThinking = "thinking"
	EventToolUse  = "tool_use"
)

// CancelledMessage is the fixed error for operator-cancelled runs.
const CancelledMessage = "Cancelled by user"

// StreamEvent is one uniform event translated from a CLI's native stream.
type StreamEvent struct {
	Kind string // delta, thinking, tool_use
	Text string // delta/thinking payload
	Tool string // tool_use: tool name
	File string // tool_use: file the tool touched, when known
}

// RunRequest describes one agent invocation.
type RunRequest struct {
	Prompt    string
	Dir       string // working directory (project root)
	SessionID string // resume a prior agent session when non-empty
	Model     string

	// AllowedTools overrides the CLI's tool set when non-nil. ReadOnly
	// additionally forbids source mutation (planner/reviewer phases).
	AllowedTools []string
	ReadOnly     bool

	// Timeout bounds the run's wall clock; zero means no limit.
	Timeout time.Duration

	// OnEvent receives each translated stream event. May be nil.
	OnEvent func(StreamEvent)

	// OnProcess is invoked once with the spawned process so the caller can
	// target it for cancellation. May be nil.
	OnProcess func(*os.Process)
}

// RunResult is the terminal outcome of an agent invocation.
type RunResult struct {
	SessionID string
	Text      string // concatenated deltas plus any final consolidated text
	Success   bool
	Cancelled bool
	Error     string
}

// Provider spawns and streams one kind of agent CLI.
type Provider interface {
	Name() string

	// Binary returns the CLI executable name looked up on PATH.
	Binary() string

	// Run spawns the CLI and blocks until it exits. The returned error is
	// reserved for setup failures (could not spawn); run failures are
	// reported in RunResult.
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}
