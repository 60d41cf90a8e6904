// Package server exposes the bridge's loopback HTTP API: feedback
// submission, plan orchestration, SSE streaming, and model CRUD.
package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/popmelt/bridge/internal/agent"
	"github.com/popmelt/bridge/internal/common/config"
	apperrors "github.com/popmelt/bridge/internal/common/errors"
	"github.com/popmelt/bridge/internal/common/httpmw"
	"github.com/popmelt/bridge/internal/common/logger"
	"github.com/popmelt/bridge/internal/events"
	"github.com/popmelt/bridge/internal/job"
	"github.com/popmelt/bridge/internal/model"
	"github.com/popmelt/bridge/internal/orchestrator"
	"github.com/popmelt/bridge/internal/plan"
	"github.com/popmelt/bridge/internal/project"
	"github.com/popmelt/bridge/internal/scratch"
	"github.com/popmelt/bridge/internal/sse"
	"github.com/popmelt/bridge/internal/thread"
)

// Server holds the HTTP surface and its collaborators.
type Server struct {
	logger   *logger.Logger
	cfg      *config.Config
	proj     *project.Project
	queue    *job.Queue
	hub      *sse.Hub
	registry *agent.Registry
	threads  *thread.Store
	plans    *plan.Manager
	models   *model.Store
	mat      *orchestrator.Materializer
	scratch  *scratch.Manager

	engine *gin.Engine
}

// New builds the router and wires queue events into the SSE hub.
func New(
	cfg *config.Config,
	proj *project.Project,
	queue *job.Queue,
	hub *sse.Hub,
	registry *agent.Registry,
	threads *thread.Store,
	plans *plan.Manager,
	models *model.Store,
	mat *orchestrator.Materializer,
	scratchMgr *scratch.Manager,
	log *logger.Logger,
) *Server {
	s := &Server{
		logger:   log.WithFields(zap.String("component", "http")),
		cfg:      cfg,
		proj:     proj,
		queue:    queue,
		hub:      hub,
		registry: registry,
		threads:  threads,
		plans:    plans,
		models:   models,
		mat:      mat,
		scratch:  scratchMgr,
	}

	// Every queue event reaches the hub; terminal events also feed the
	// recent-jobs ring for reconnect reconciliation.
	queue.Subscribe(func(event, jobID, sourceID string, payload any) {
		hub.Broadcast(event, jobID, sourceID, payload)
		switch event {
		case events.Done:
			hub.MarkCompleted(jobID, true, "")
		case events.Error:
			msg := ""
			if ep, ok := payload.(events.ErrorPayload); ok {
				msg = ep.Message
			}
			hub.MarkCompleted(jobID, false, msg)
		}
	})

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "bridge"))
	if cfg.Tracing.Enabled {
		engine.Use(httpmw.OtelTracing("bridge"))
	}
	engine.Use(s.corsMiddleware())

	s.engine = engine
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	e := s.engine

	e.GET("/healthz", s.handleHealthz)
	e.GET("/status", s.handleStatus)
	e.GET("/capabilities", s.handleCapabilities)
	e.GET("/events", s.hub.Serve)

	e.POST("/send", s.handleSend)
	e.POST("/reply", s.handleReply)
	e.POST("/cancel", s.handleCancel)

	e.POST("/plan", s.handlePlanCreate)
	e.POST("/plan/approve", s.handlePlanApprove)
	e.POST("/plan/execute", s.handlePlanExecute)
	e.POST("/plan/review", s.handlePlanReview)
	e.GET("/plan/:id", s.handlePlanGet)

	e.POST("/materialize", s.handleMaterialize)

	e.GET("/model", s.handleModelGet)
	e.GET("/model/*path", s.handleModelGet)
	e.PATCH("/model", s.handleModelPatch)
	e.PATCH("/model/*path", s.handleModelPatch)
	e.DELETE("/model/*path", s.handleModelDelete)

	e.GET("/thread/:id", s.handleThreadGet)
}

// corsMiddleware allows cross-origin calls only from loopback origins; the
// browser overlay runs inside the developer's own dev server.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && isLoopbackOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func isLoopbackOrigin(origin string) bool {
	rest, ok := strings.CutPrefix(origin, "http://")
	if !ok {
		rest, ok = strings.CutPrefix(origin, "https://")
		if !ok {
			return false
		}
	}
	host := rest
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		host = rest[:i]
	}
	switch host {
	case "localhost", "127.0.0.1", "[::1]":
		return true
	}
	return false
}

// respondError maps application errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	appErr := apperrors.AsAppError(err)
	c.JSON(appErr.HTTPStatus, gin.H{
		"error": appErr.Message,
		"code":  appErr.Code,
	})
}
