package sse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popmelt/bridge/internal/common/logger"
)

func attachClient(h *Hub, id, sourceID string) *client {
	cl := &client{id: id, sourceID: sourceID, ch: make(chan packet, clientBuffer)}
	h.mu.Lock()
	h.clients[cl.id] = cl
	h.mu.Unlock()
	return cl
}

func drain(cl *client) []packet {
	var out []packet
	for {
		select {
		case p := <-cl.ch:
			out = append(out, p)
		default:
			return out
		}
	}
}

func TestBroadcastSourceScoping(t *testing.T) {
	h := NewHub(20, time.Minute, logger.Default())

	tabA := attachClient(h, "c1", "tab-a")
	tabB := attachClient(h, "c2", "tab-b")
	legacy := attachClient(h, "c3", "")

	// Scoped event: only the matching tab and the legacy client see it.
	h.Broadcast("delta", "job-1", "tab-a", map[string]any{"text": "hi"})
	assert.Len(t, drain(tabA), 1)
	assert.Empty(t, drain(tabB))
	assert.Len(t, drain(legacy), 1)

	// Global event: everyone sees it.
	h.Broadcast("queue_drained", "", "", map[string]any{})
	assert.Len(t, drain(tabA), 1)
	assert.Len(t, drain(tabB), 1)
	assert.Len(t, drain(legacy), 1)
}

func TestBroadcastDropsForSlowClientOnly(t *testing.T) {
	h := NewHub(20, time.Minute, logger.Default())

	slow := attachClient(h, "slow", "")
	fast := attachClient(h, "fast", "")

	for i := 0; i < clientBuffer; i++ {
		slow.ch <- packet{event: "filler"}
	}

	h.Broadcast("delta", "job-1", "", map[string]any{})
	assert.Len(t, slow.ch, clientBuffer, "full buffer: event dropped")
	assert.Len(t, drain(fast), 1, "other clients unaffected")
}

func TestRecentRingCapacity(t *testing.T) {
	r := newRecentRing(3, time.Minute)

	r.add("j1", true, "")
	r.add("j2", false, "exploded")
	r.add("j3", true, "")
	r.add("j4", true, "")

	got := r.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "j2", got[0].JobID, "oldest surviving entry")
	assert.Equal(t, "error", got[0].Status)
	assert.Equal(t, "exploded", got[0].Message)
	assert.Equal(t, "j4", got[2].JobID)
}

func TestRecentRingTTL(t *testing.T) {
	r := newRecentRing(20, 5*time.Minute)
	now := time.Now()
	r.now = func() time.Time { return now }

	r.add("old", true, "")

	r.now = func() time.Time { return now.Add(6 * time.Minute) }
	r.add("new", true, "")

	got := r.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].JobID)
}

func TestRecentRingDedupesJobID(t *testing.T) {
	r := newRecentRing(20, time.Minute)
	r.add("j1", false, "cancelled")
	r.add("j1", true, "")

	got := r.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "done", got[0].Status, "latest outcome wins")
}

func TestHubMarkCompleted(t *testing.T) {
	h := NewHub(20, time.Minute, logger.Default())
	h.MarkCompleted("j1", false, "Cancelled by user")

	got := h.RecentJobs()
	require.Len(t, got, 1)
	assert.Equal(t, "error", got[0].Status)
}
