package plan

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/popmelt/bridge/internal/common/errors"
	"github.com/popmelt/bridge/internal/common/logger"
	"github.com/popmelt/bridge/internal/feedback"
	"github.com/popmelt/bridge/internal/parser"
)

// Manager owns the in-memory job groups and enforces the state machine.
// All accessors return copies.
type Manager struct {
	logger *logger.Logger

	mu     sync.Mutex
	groups map[string]*Group
}

// NewManager creates an empty plan manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		logger: log.WithFields(zap.String("component", "plan-manager")),
		groups: make(map[string]*Group),
	}
}

// Create registers a new group in the planning state.
func (m *Manager) Create(goal, pageURL, threadID, plannerJobID string, viewport *feedback.Viewport) *Group {
	now := time.Now().UTC()
	g := &Group{
		ID:           uuid.NewString(),
		Goal:         goal,
		Status:       StatusPlanning,
		CreatedAt:    now,
		UpdatedAt:    now,
		PageURL:      pageURL,
		Viewport:     viewport,
		ThreadID:     threadID,
		PlannerJobID: plannerJobID,
	}

	m.mu.Lock()
	m.groups[g.ID] = g
	m.mu.Unlock()

	m.logger.Info("plan created", zap.String("plan_id", g.ID), zap.String("goal", goal))
	return copyGroup(g)
}

// Get returns a copy of the group or nil.
func (m *Manager) Get(id string) *Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyGroup(m.groups[id])
}

// FindByThread returns the group still planning on the given thread, or
// nil. A human reply on that thread answers the planner's question, so the
// follow-up job must rejoin the planner phase.
func (m *Manager) FindByThread(threadID string) *Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if g.ThreadID == threadID && g.Status == StatusPlanning {
			return copyGroup(g)
		}
	}
	return nil
}

// PlanParsed stores the planner's tasks and moves the group to
// awaiting_approval. An empty task list without a pending question is a
// planning failure.
func (m *Manager) PlanParsed(id string, tasks []parser.PlanTask, questionPending bool) *Group {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return nil
	}

	if len(tasks) == 0 {
		if questionPending {
			// Planner asked for clarification; stay in planning until the
			// human replies on the planner thread.
			g.touch()
			return copyGroup(g)
		}
		g.Status = StatusError
		g.Error = "planner produced no tasks"
		g.touch()
		m.logger.Warn("plan failed", zap.String("plan_id", id), zap.String("reason", g.Error))
		return copyGroup(g)
	}

	g.Tasks = append([]parser.PlanTask(nil), tasks...)
	g.Status = StatusAwaitingApproval
	g.touch()
	m.logger.Info("plan ready",
		zap.String("plan_id", id),
		zap.Int("tasks", len(tasks)))
	return copyGroup(g)
}

// Approve filters the plan to the approved task ids (nil approves all) and
// moves the group to executing. Remaining tasks are dropped.
func (m *Manager) Approve(id string, approvedTaskIDs []string) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, apperrors.NotFound("plan", id)
	}
	if g.Status != StatusAwaitingApproval {
		return nil, apperrors.Conflict(fmt.Sprintf("plan is %s, not awaiting approval", g.Status))
	}

	if len(approvedTaskIDs) == 0 {
		g.ActiveTasks = append([]parser.PlanTask(nil), g.Tasks...)
	} else {
		approved := make(map[string]bool, len(approvedTaskIDs))
		for _, tid := range approvedTaskIDs {
			approved[tid] = true
		}
		g.ActiveTasks = nil
		for _, t := range g.Tasks {
			if approved[t.ID] {
				g.ActiveTasks = append(g.ActiveTasks, t)
			}
		}
	}
	if len(g.ActiveTasks) == 0 {
		return nil, apperrors.InvalidRequest("no approved tasks match the plan")
	}

	g.Status = StatusExecuting
	g.touch()
	m.logger.Info("plan approved",
		zap.String("plan_id", id),
		zap.Int("active_tasks", len(g.ActiveTasks)))
	return copyGroup(g), nil
}

// AddExecutorJob attaches an executor-phase job to the group.
func (m *Manager) AddExecutorJob(id, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[id]; ok {
		g.ExecutorJobIDs = append(g.ExecutorJobIDs, jobID)
		if g.runningExecutors == nil {
			g.runningExecutors = make(map[string]bool)
		}
		g.runningExecutors[jobID] = true
		g.touch()
	}
}

// SetReviewerJob attaches the reviewer-phase job and moves to reviewing.
func (m *Manager) SetReviewerJob(id, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[id]; ok {
		g.ReviewerJobID = jobID
		g.Status = StatusReviewing
		g.touch()
	}
}

// RecordResolutions marks plan annotations that reached a terminal status.
func (m *Manager) RecordResolutions(id string, resolutions []parser.Resolution) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return
	}
	for _, r := range resolutions {
		if r.Status != parser.StatusResolved && r.Status != parser.StatusNeedsReview {
			continue
		}
		if r.AnnotationID != "" && !g.hasResolved(r.AnnotationID) {
			g.ResolvedTaskIDs = append(g.ResolvedTaskIDs, r.AnnotationID)
		}
	}
	g.touch()
}

// ExecutorFinished records one executor job completing. When every executor
// job has finished and at least one task reached a terminal status, the
// group moves to reviewing.
func (m *Manager) ExecutorFinished(id, jobID string) *Group {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return nil
	}
	delete(g.runningExecutors, jobID)
	if g.Status == StatusExecuting && len(g.runningExecutors) == 0 && len(g.ResolvedTaskIDs) > 0 {
		g.Status = StatusReviewing
		g.touch()
		m.logger.Info("plan execution complete", zap.String("plan_id", id))
	}
	return copyGroup(g)
}

// ReviewCompleted applies the reviewer verdict: pass closes the group;
// fail returns it to executing for another round or manual follow-up.
func (m *Manager) ReviewCompleted(id, verdict string) *Group {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return nil
	}
	g.ReviewVerdict = verdict
	if verdict == parser.VerdictPass {
		g.Status = StatusDone
	} else {
		g.Status = StatusExecuting
	}
	g.touch()
	m.logger.Info("plan review completed",
		zap.String("plan_id", id),
		zap.String("verdict", verdict),
		zap.String("status", g.Status))
	return copyGroup(g)
}

// Fail pins the group to the error state.
func (m *Manager) Fail(id, msg string) *Group {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return nil
	}
	g.Status = StatusError
	g.Error = msg
	g.touch()
	m.logger.Warn("plan errored", zap.String("plan_id", id), zap.String("error", msg))
	return copyGroup(g)
}
