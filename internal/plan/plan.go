// Package plan tracks multi-step job groups through the planner, executor,
// and reviewer phases.
package plan

import (
	"time"

	"github.com/popmelt/bridge/internal/feedback"
	"github.com/popmelt/bridge/internal/parser"
)

// Group statuses, in the order they normally progress.
const (
	StatusPlanning         = "planning"
	StatusAwaitingApproval = "awaiting_approval"
	StatusExecuting        = "executing"
	StatusReviewing        = "reviewing"
	StatusDone             = "done"
	StatusError            = "error"
)

// Group is one planned batch of work: a planner job that proposed tasks, an
// approved subset under execution, and a reviewer verdict.
type Group struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	PageURL  string             `json:"pageUrl,omitempty"`
	Viewport *feedback.Viewport `json:"viewport,omitempty"`
	ThreadID string             `json:"threadId,omitempty"`

	PlannerJobID   string   `json:"plannerJobId,omitempty"`
	ExecutorJobIDs []string `json:"executorJobIds,omitempty"`
	ReviewerJobID  string   `json:"reviewerJobId,omitempty"`

	// Tasks is the full parsed plan; ActiveTasks the approved subset.
	Tasks       []parser.PlanTask `json:"tasks,omitempty"`
	ActiveTasks []parser.PlanTask `json:"activeTasks,omitempty"`

	// ResolvedTaskIDs are plan annotations that reached a terminal status.
	ResolvedTaskIDs []string `json:"resolvedTaskIds,omitempty"`

	ReviewVerdict string `json:"reviewVerdict,omitempty"`
	Error         string `json:"error,omitempty"`

	// runningExecutors tracks executor jobs that have not finished yet.
	runningExecutors map[string]bool
}

func (g *Group) touch() {
	g.UpdatedAt = time.Now().UTC()
}

func (g *Group) hasResolved(id string) bool {
	for _, r := range g.ResolvedTaskIDs {
		if r == id {
			return true
		}
	}
	return false
}

func copyGroup(g *Group) *Group {
	if g == nil {
		return nil
	}
	out := *g
	out.ExecutorJobIDs = append([]string(nil), g.ExecutorJobIDs...)
	out.Tasks = append([]parser.PlanTask(nil), g.Tasks...)
	out.ActiveTasks = append([]parser.PlanTask(nil), g.ActiveTasks...)
	out.ResolvedTaskIDs = append([]string(nil), g.ResolvedTaskIDs...)
	out.runningExecutors = nil
	return &out
}
