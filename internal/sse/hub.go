// Package sse fans job and queue events out to connected browser clients.
package sse

import (
	"io"
	"sync"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/popmelt/bridge/internal/common/logger"
	"github.com/popmelt/bridge/internal/events"
)

// clientBuffer sizes each client's event channel. A client that falls this
// far behind starts losing events rather than blocking the broadcaster.
const clientBuffer = 64

type packet struct {
	event string
	data  any
}

type client struct {
	id       string
	sourceID string
	ch       chan packet
}

// Hub routes events to SSE clients. Events carrying a source id reach only
// the clients registered with the same id; events without one are global.
// Clients that connected without a source id receive everything.
type Hub struct {
	logger *logger.Logger

	mu      sync.Mutex
	clients map[string]*client

	recent *recentRing

	done     chan struct{}
	doneOnce sync.Once
}

// NewHub creates a hub whose recent-jobs ring holds up to capacity entries
// for at most ttl.
func NewHub(capacity int, ttl time.Duration, log *logger.Logger) *Hub {
	return &Hub{
		logger:  log.WithFields(zap.String("component", "sse-hub")),
		clients: make(map[string]*client),
		recent:  newRecentRing(capacity, ttl),
		done:    make(chan struct{}),
	}
}

// Broadcast delivers an event. jobID is informational (event payloads carry
// it); sourceID scopes delivery when non-empty.
func (h *Hub) Broadcast(event, jobID, sourceID string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.clients {
		if sourceID != "" && c.sourceID != "" && c.sourceID != sourceID {
			continue
		}
		select {
		case c.ch <- packet{event: event, data: payload}:
		default:
			h.logger.Warn("dropping event for slow client",
				zap.String("client_id", c.id),
				zap.String("event", event),
				zap.String("job_id", jobID))
		}
	}
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll ends every attached client's stream. Used during shutdown so
// long-lived SSE connections do not hold the HTTP server open.
func (h *Hub) CloseAll() {
	h.doneOnce.Do(func() {
		close(h.done)
	})
}

// MarkCompleted records a job outcome in the recent-jobs ring so clients
// reconnecting after a reload can reconcile their in-flight view.
func (h *Hub) MarkCompleted(jobID string, success bool, message string) {
	h.recent.add(jobID, success, message)
}

// RecentJobs returns the unexpired recent-job outcomes, oldest first.
func (h *Hub) RecentJobs() []RecentJob {
	return h.recent.snapshot()
}

// Serve attaches the request as an SSE client and streams until the client
// disconnects. The sourceId query parameter scopes which events it sees.
func (h *Hub) Serve(c *gin.Context) {
	cl := &client{
		id:       uuid.NewString()[:8],
		sourceID: c.Query("sourceId"),
		ch:       make(chan packet, clientBuffer),
	}

	h.mu.Lock()
	h.clients[cl.id] = cl
	h.mu.Unlock()

	h.logger.Debug("sse client attached",
		zap.String("client_id", cl.id),
		zap.String("source_id", cl.sourceID))

	defer func() {
		h.mu.Lock()
		delete(h.clients, cl.id)
		h.mu.Unlock()
		h.logger.Debug("sse client detached", zap.String("client_id", cl.id))
	}()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// Immediate hello so the client knows the stream is live.
	cl.ch <- packet{event: events.Connected, data: gin.H{}}

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-h.done:
			return false
		case p := <-cl.ch:
			// A failed write ends this client's stream only.
			if err := sse.Encode(w, sse.Event{Event: p.event, Data: p.data}); err != nil {
				return false
			}
			return true
		}
	})
}
