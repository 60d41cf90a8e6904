package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/popmelt/bridge/internal/common/errors"
	"github.com/popmelt/bridge/internal/feedback"
	"github.com/popmelt/bridge/internal/job"
	"github.com/popmelt/bridge/internal/parser"
	"github.com/popmelt/bridge/internal/plan"
	"github.com/popmelt/bridge/internal/thread"
)

// handlePlanCreate starts the planner phase for a high-level goal.
func (s *Server) handlePlanCreate(c *gin.Context) {
	sub, appErr := feedback.ParseSubmission(c.Request, feedback.ParseOptions{
		RequireScreenshot: true,
	})
	if appErr != nil {
		respondError(c, appErr)
		return
	}
	if sub.Goal == "" {
		respondError(c, apperrors.InvalidRequest("goal is required"))
		return
	}

	j := job.New()
	j.Phase = job.PhasePlanner
	j.SourceID = sub.SourceID
	j.Provider = s.providerOrDefault(sub.Provider)
	j.Model = s.modelOrDefault(sub.Model)
	j.Goal = sub.Goal
	j.PageURL = sub.PageURL
	j.Feedback = sub.Feedback
	j.Manifest = sub.Manifest

	if err := s.saveSubmissionFiles(j, sub); err != nil {
		respondError(c, err)
		return
	}

	var elementIDs []string
	if sub.Feedback != nil {
		elementIDs = sub.Feedback.ElementIdentifiers()
	}
	t := s.threads.CreateThread(uuid.NewString(), elementIDs)
	j.ThreadID = t.ID
	s.threads.AppendMessage(t.ID, thread.Message{
		Role:           thread.RoleHuman,
		Summary:        sub.Goal,
		ScreenshotPath: j.ScreenshotPath,
		Feedback:       sub.Feedback,
	})

	group := s.plans.Create(sub.Goal, sub.PageURL, t.ID, j.ID, sub.Viewport)
	j.PlanID = group.ID

	position, ok := s.enqueue(c, j)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"planId":   group.ID,
		"jobId":    j.ID,
		"position": position,
		"threadId": t.ID,
	})
}

// handlePlanApprove filters the proposed tasks to the approved subset and
// moves the group to executing.
func (s *Server) handlePlanApprove(c *gin.Context) {
	var body struct {
		PlanID          string   `json:"planId"`
		ApprovedTaskIDs []string `json:"approvedTaskIds"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, apperrors.InvalidRequestf("invalid JSON body: %v", err))
		return
	}
	if body.PlanID == "" {
		respondError(c, apperrors.InvalidRequest("planId is required"))
		return
	}

	group, err := s.plans.Approve(body.PlanID, body.ApprovedTaskIDs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"planId": group.ID,
		"tasks":  group.ActiveTasks,
		"status": group.Status,
	})
}

// handlePlanExecute launches an executor job over the approved tasks with a
// fresh screenshot of the page.
func (s *Server) handlePlanExecute(c *gin.Context) {
	sub, appErr := feedback.ParseSubmission(c.Request, feedback.ParseOptions{
		RequireScreenshot: true,
	})
	if appErr != nil {
		respondError(c, appErr)
		return
	}

	group, err := s.requireGroup(sub.PlanID, plan.StatusExecuting)
	if err != nil {
		respondError(c, err)
		return
	}

	tasks := group.ActiveTasks
	if sub.TasksRaw != "" {
		var parsed []parser.PlanTask
		if err := json.Unmarshal([]byte(sub.TasksRaw), &parsed); err != nil {
			respondError(c, apperrors.InvalidRequestf("invalid tasks JSON: %v", err))
			return
		}
		tasks = parsed
	}
	if len(tasks) == 0 {
		respondError(c, apperrors.InvalidRequest("plan has no tasks to execute"))
		return
	}

	j := job.New()
	j.Phase = job.PhaseExecutor
	j.SourceID = sub.SourceID
	j.Provider = s.providerOrDefault(sub.Provider)
	j.Model = s.modelOrDefault(sub.Model)
	j.PlanID = group.ID
	j.ThreadID = group.ThreadID
	j.Tasks = tasks

	if err := s.saveSubmissionFiles(j, sub); err != nil {
		respondError(c, err)
		return
	}

	s.plans.AddExecutorJob(group.ID, j.ID)
	position, ok := s.enqueue(c, j)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobId":    j.ID,
		"planId":   group.ID,
		"position": position,
	})
}

// handlePlanReview launches the reviewer job. The reviewer sees only the
// review prompt and the post-execution screenshot.
func (s *Server) handlePlanReview(c *gin.Context) {
	sub, appErr := feedback.ParseSubmission(c.Request, feedback.ParseOptions{
		RequireScreenshot: true,
	})
	if appErr != nil {
		respondError(c, appErr)
		return
	}

	group, err := s.requireGroup(sub.PlanID, plan.StatusReviewing, plan.StatusExecuting)
	if err != nil {
		respondError(c, err)
		return
	}

	j := job.New()
	j.Phase = job.PhaseReviewer
	j.SourceID = sub.SourceID
	j.Provider = s.providerOrDefault(sub.Provider)
	j.Model = s.modelOrDefault(sub.Model)
	j.PlanID = group.ID
	j.Tasks = group.ActiveTasks

	if err := s.saveSubmissionFiles(j, sub); err != nil {
		respondError(c, err)
		return
	}

	s.plans.SetReviewerJob(group.ID, j.ID)
	position, ok := s.enqueue(c, j)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobId":    j.ID,
		"planId":   group.ID,
		"position": position,
	})
}

func (s *Server) handlePlanGet(c *gin.Context) {
	group := s.plans.Get(c.Param("id"))
	if group == nil {
		respondError(c, apperrors.NotFound("plan", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, group)
}

// requireGroup loads the plan and checks it is in one of the given states.
func (s *Server) requireGroup(planID string, states ...string) (*plan.Group, error) {
	if planID == "" {
		return nil, apperrors.InvalidRequest("planId is required")
	}
	group := s.plans.Get(planID)
	if group == nil {
		return nil, apperrors.NotFound("plan", planID)
	}
	for _, state := range states {
		if group.Status == state {
			return group, nil
		}
	}
	return nil, apperrors.Conflict("plan is " + group.Status)
}
