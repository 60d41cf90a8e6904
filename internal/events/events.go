// Package events defines the SSE event vocabulary shared by the hub, the
// queue, and the job processor.
package events

import "github.com/popmelt/bridge/internal/parser"

// Event names as they appear on the wire.
const (
	Connected           = "connected"
	JobStarted          = "job_started"
	Delta               = "delta"
	Thinking            = "thinking"
	ToolUse             = "tool_use"
	Done                = "done"
	Error               = "error"
	Question            = "question"
	PlanReady           = "plan_ready"
	PlanReview          = "plan_review"
	TaskResolved        = "task_resolved"
	NovelPatterns       = "novel_patterns"
	MaterializeStarted  = "materialize_started"
	MaterializeDone     = "materialize_done"
	QueueDrained        = "queue_drained"
	CapabilitiesChanged = "capabilities_changed"
)

// JobStartedPayload announces a job leaving the queue.
type JobStartedPayload struct {
	JobID    string `json:"jobId"`
	Position int    `json:"position"`
	ThreadID string `json:"threadId,omitempty"`
}

// DeltaPayload carries one chunk of streamed agent text. The same shape
// serves thinking events.
type DeltaPayload struct {
	JobID string `json:"jobId"`
	Text  string `json:"text"`
}

// ToolUsePayload reports the agent invoking a tool.
type ToolUsePayload struct {
	JobID string `json:"jobId"`
	Tool  string `json:"tool"`
	File  string `json:"file,omitempty"`
}

// DonePayload is the terminal success event for a job.
type DonePayload struct {
	JobID        string              `json:"jobId"`
	Success      bool                `json:"success"`
	Resolutions  []parser.Resolution `json:"resolutions,omitempty"`
	ResponseText string              `json:"responseText"`
	ThreadID     string              `json:"threadId,omitempty"`
}

// ErrorPayload is the terminal failure event for a job.
type ErrorPayload struct {
	JobID     string `json:"jobId"`
	Message   string `json:"message"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// QuestionPayload surfaces an agent question awaiting a human reply.
type QuestionPayload struct {
	JobID         string   `json:"jobId"`
	ThreadID      string   `json:"threadId"`
	Question      string   `json:"question"`
	AnnotationIDs []string `json:"annotationIds,omitempty"`
}

// PlanReadyPayload announces a parsed plan awaiting approval.
type PlanReadyPayload struct {
	JobID    string            `json:"jobId"`
	PlanID   string            `json:"planId"`
	Tasks    []parser.PlanTask `json:"tasks"`
	ThreadID string            `json:"threadId,omitempty"`
}

// PlanReviewPayload carries the reviewer's verdict.
type PlanReviewPayload struct {
	PlanID  string   `json:"planId"`
	Verdict string   `json:"verdict"`
	Summary string   `json:"summary"`
	Issues  []string `json:"issues,omitempty"`
}

// TaskResolvedPayload streams incrementally parsed resolutions during an
// executor run.
type TaskResolvedPayload struct {
	JobID       string              `json:"jobId"`
	PlanID      string              `json:"planId"`
	Resolutions []parser.Resolution `json:"resolutions"`
	ThreadID    string              `json:"threadId,omitempty"`
}

// NovelPatternsPayload reports patterns the agent flagged as new.
type NovelPatternsPayload struct {
	JobID    string                `json:"jobId"`
	Patterns []parser.NovelPattern `json:"patterns"`
	ThreadID string                `json:"threadId,omitempty"`
}

// MaterializeDonePayload closes a materialization pass. DecisionIDs lists
// the decisions consumed, recorded whether or not the pass succeeded.
type MaterializeDonePayload struct {
	DecisionIDs []string `json:"decisionIds"`
	Success     bool     `json:"success"`
	Error       string   `json:"error,omitempty"`
}
