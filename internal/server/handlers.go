package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/popmelt/bridge/internal/common/errors"
	"github.com/popmelt/bridge/internal/events"
	"github.com/popmelt/bridge/internal/feedback"
	"github.com/popmelt/bridge/internal/job"
	"github.com/popmelt/bridge/internal/thread"
)

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	active := s.queue.ActiveJobIDs()
	var activeJob string
	if len(active) > 0 {
		activeJob = active[0]
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"projectId":  s.proj.ID(),
		"activeJob":  activeJob,
		"activeJobs": active,
		"queueDepth": s.queue.Depth(),
		"recentJobs": s.hub.RecentJobs(),
	})
}

func (s *Server) handleCapabilities(c *gin.Context) {
	caps, changed := s.registry.Refresh()
	if changed {
		s.hub.Broadcast(events.CapabilitiesChanged, "", "", gin.H{"providers": caps})
	}
	c.JSON(http.StatusOK, gin.H{"providers": caps})
}

// handleSend accepts the main feedback submission: screenshot + feedback
// JSON + optional pasted images. The response carries the job id and queue
// position; results stream over SSE.
func (s *Server) handleSend(c *gin.Context) {
	sub, appErr := feedback.ParseSubmission(c.Request, feedback.ParseOptions{
		RequireScreenshot: true,
		RequireFeedback:   true,
	})
	if appErr != nil {
		respondError(c, appErr)
		return
	}

	j := job.New()
	j.SourceID = sub.SourceID
	j.Provider = s.providerOrDefault(sub.Provider)
	j.Model = s.modelOrDefault(sub.Model)
	j.Feedback = sub.Feedback
	j.PageURL = sub.Feedback.URL
	j.AnnotationIDs = sub.Feedback.AnnotationIDs()

	if err := s.saveSubmissionFiles(j, sub); err != nil {
		respondError(c, err)
		return
	}

	threadID := s.resolveThread(sub.ThreadID, sub.Feedback.ElementIdentifiers())
	j.ThreadID = threadID
	s.threads.AppendMessage(threadID, thread.Message{
		Role:           thread.RoleHuman,
		ScreenshotPath: j.ScreenshotPath,
		AnnotationIDs:  j.AnnotationIDs,
		Summary:        sub.Feedback.Summary(),
		Feedback:       sub.Feedback,
	})

	position, ok := s.enqueue(c, j)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobId":    j.ID,
		"position": position,
		"threadId": threadID,
	})
}

// handleReply continues a thread. The body is either multipart (reply with
// pasted images) or plain JSON.
func (s *Server) handleReply(c *gin.Context) {
	var (
		sub    *feedback.Submission
		appErr *apperrors.AppError
	)

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		sub, appErr = feedback.ParseSubmission(c.Request, feedback.ParseOptions{})
		if appErr != nil {
			respondError(c, appErr)
			return
		}
	} else {
		var body struct {
			ThreadID string `json:"threadId"`
			Reply    string `json:"reply"`
			Color    string `json:"color"`
			Provider string `json:"provider"`
			Model    string `json:"model"`
			SourceID string `json:"sourceId"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			respondError(c, apperrors.InvalidRequestf("invalid JSON body: %v", err))
			return
		}
		sub = &feedback.Submission{
			ThreadID: body.ThreadID,
			Reply:    body.Reply,
			Color:    body.Color,
			Provider: body.Provider,
			Model:    body.Model,
			SourceID: body.SourceID,
		}
	}

	if sub.ThreadID == "" {
		respondError(c, apperrors.InvalidRequest("threadId is required"))
		return
	}
	if sub.Reply == "" {
		respondError(c, apperrors.InvalidRequest("reply is required"))
		return
	}
	if t := s.threads.GetThread(sub.ThreadID); t == nil {
		respondError(c, apperrors.NotFound("thread", sub.ThreadID))
		return
	}

	j := job.New()
	j.SourceID = sub.SourceID
	j.Provider = s.providerOrDefault(sub.Provider)
	j.Model = s.modelOrDefault(sub.Model)
	j.ThreadID = sub.ThreadID
	j.Reply = sub.Reply
	j.Feedback = sub.Feedback

	// A reply on a thread whose plan group is still planning answers the
	// planner's question; the follow-up runs as another planner pass.
	if g := s.plans.FindByThread(sub.ThreadID); g != nil {
		j.Phase = job.PhasePlanner
		j.PlanID = g.ID
		j.Goal = g.Goal
	}

	if err := s.saveSubmissionFiles(j, sub); err != nil {
		respondError(c, err)
		return
	}

	s.threads.AppendMessage(sub.ThreadID, thread.Message{
		Role:           thread.RoleHuman,
		Reply:          sub.Reply,
		ScreenshotPath: j.ScreenshotPath,
	})

	position, ok := s.enqueue(c, j)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"jobId":    j.ID,
		"position": position,
		"threadId": sub.ThreadID,
	})
}

// handleCancel cancels one job, or every active job when no id is given.
func (s *Server) handleCancel(c *gin.Context) {
	jobID := c.Query("jobId")
	var cancelled bool
	if jobID != "" {
		cancelled = s.queue.Cancel(jobID)
	} else {
		cancelled = s.queue.CancelAll() > 0
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

func (s *Server) handleMaterialize(c *gin.Context) {
	started, reason := s.mat.Start()
	if started {
		c.JSON(http.StatusOK, gin.H{"started": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"skipped": true, "reason": reason})
}

// handleThreadGet returns the thread with screenshot paths stripped; those
// paths are server-local and meaningless to the browser.
func (s *Server) handleThreadGet(c *gin.Context) {
	t := s.threads.GetThread(c.Param("id"))
	if t == nil {
		respondError(c, apperrors.NotFound("thread", c.Param("id")))
		return
	}
	msgs := make([]thread.Message, len(t.Messages))
	for i, m := range t.Messages {
		m.ScreenshotPath = ""
		msgs[i] = m
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        t.ID,
		"createdAt": t.CreatedAt,
		"messages":  msgs,
	})
}

// enqueue submits the job, translating a full or shut-down queue into a
// client-visible conflict.
func (s *Server) enqueue(c *gin.Context, j *job.Job) (int, bool) {
	position := s.queue.Enqueue(j)
	if position < 0 {
		respondError(c, apperrors.Conflict("job queue is full"))
		return 0, false
	}
	return position, true
}

// resolveThread picks the thread for a submission: an explicit id wins,
// then element-identifier continuation, then a fresh thread.
func (s *Server) resolveThread(explicitID string, elementIDs []string) string {
	if explicitID != "" {
		if t := s.threads.GetThread(explicitID); t != nil {
			s.threads.AddElementIdentifiers(explicitID, elementIDs)
			return explicitID
		}
	}
	if t := s.threads.FindContinuation(elementIDs); t != nil {
		s.threads.AddElementIdentifiers(t.ID, elementIDs)
		s.logger.Debug("continuing thread",
			zap.String("thread_id", t.ID),
			zap.Int("elements", len(elementIDs)))
		return t.ID
	}
	t := s.threads.CreateThread(uuid.NewString(), elementIDs)
	return t.ID
}

// saveSubmissionFiles moves the submission's binary parts into scratch
// storage and records their paths on the job.
func (s *Server) saveSubmissionFiles(j *job.Job, sub *feedback.Submission) error {
	if len(sub.Screenshot) > 0 {
		path, err := s.scratch.SaveScreenshot(j.ID, sub.Screenshot)
		if err != nil {
			return apperrors.InternalError("failed to store screenshot", err)
		}
		j.ScreenshotPath = path
	}

	for annID, images := range sub.AnnotationImages {
		for i, data := range images {
			path, err := s.scratch.SavePastedImage(j.ID, annID, i, data)
			if err != nil {
				return apperrors.InternalError("failed to store pasted image", err)
			}
			if j.PastedImages == nil {
				j.PastedImages = make(map[string][]string)
			}
			j.PastedImages[annID] = append(j.PastedImages[annID], path)
		}
	}

	for i, data := range sub.ReplyImages {
		path, err := s.scratch.SaveReplyImage(j.ID, i, data)
		if err != nil {
			return apperrors.InternalError("failed to store reply image", err)
		}
		j.ReplyImages = append(j.ReplyImages, path)
	}
	return nil
}

func (s *Server) providerOrDefault(provider string) string {
	if provider == "" {
		return s.cfg.Agent.DefaultProvider
	}
	return provider
}

func (s *Server) modelOrDefault(model string) string {
	if model == "" {
		return s.cfg.Agent.DefaultModel
	}
	return model
}
