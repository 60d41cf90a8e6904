// Package job defines the unit of work submitted by browser clients and
// the bounded FIFO queue that schedules agent runs.
package job

import (
	"time"

	"github.com/google/uuid"

	"github.com/popmelt/bridge/internal/feedback"
	"github.com/popmelt/bridge/internal/parser"
)

// Job phases within a plan group. An empty phase is a plain feedback job.
const (
	PhasePlanner     = "planner"
	PhaseExecutor    = "executor"
	PhaseReviewer    = "reviewer"
	PhaseMaterialize = "materialize"
)

// Job statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusError   = "error"
)

// Job is one queued unit of agent work. Handlers construct it, the queue
// schedules it, the processor runs it.
type Job struct {
	ID        string
	Status    string
	CreatedAt time.Time

	// Position is the queue position hint assigned at enqueue time; it is
	// echoed on the job_started event so clients can correlate it with the
	// submission response.
	Position int

	SourceID string // SSE scoping; empty means global
	Provider string
	Model    string

	ThreadID      string
	AnnotationIDs []string

	// Feedback submission inputs.
	ScreenshotPath string // scratch path
	Feedback       *feedback.Payload
	Reply          string
	ReplyImages    []string            // scratch paths
	PastedImages   map[string][]string // scratch paths keyed by annotation id
	PageURL        string

	// Plan orchestration.
	PlanID   string
	Phase    string
	Goal     string
	Tasks    []parser.PlanTask
	Manifest string

	// PromptOverride bypasses prompt construction entirely (materializer).
	PromptOverride string

	// AllowedTools overrides the provider's default tool set when non-nil.
	AllowedTools []string

	// DecisionIDs names the decisions a materialize job consumes.
	DecisionIDs []string
}

// New creates a queued job with a fresh id.
func New() *Job {
	return &Job{
		ID:        uuid.NewString(),
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
}

// ReadOnly reports whether this job's phase forbids source mutation.
func (j *Job) ReadOnly() bool {
	switch j.Phase {
	case PhasePlanner, PhaseReviewer, PhaseMaterialize:
		return true
	}
	return false
}

// ResumesSession reports whether the job may resume a prior agent session.
// Reviewers always start fresh so the verdict rests on the review prompt
// alone.
func (j *Job) ResumesSession() bool {
	return j.Phase != PhaseReviewer && j.Phase != PhaseMaterialize
}

// Streaming reports whether incremental resolution parsing applies.
func (j *Job) Streaming() bool {
	return j.Phase == PhaseExecutor
}
