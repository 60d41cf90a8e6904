package sse

import (
	"sync"
	"time"
)

// RecentJob is one completed job outcome kept for reconnect reconciliation.
type RecentJob struct {
	JobID       string    `json:"jobId"`
	Status      string    `json:"status"` // done | error
	Message     string    `json:"message,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// recentRing is a bounded, TTL-pruned list of recent job outcomes keyed by
// job id. A job completing twice (cancel racing normal exit) keeps the
// latest entry.
type recentRing struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  []RecentJob
	now      func() time.Time
}

func newRecentRing(capacity int, ttl time.Duration) *recentRing {
	if capacity <= 0 {
		capacity = 20
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &recentRing{capacity: capacity, ttl: ttl, now: time.Now}
}

func (r *recentRing) add(jobID string, success bool, message string) {
	status := "done"
	if !success {
		status = "error"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()

	for i := range r.entries {
		if r.entries[i].JobID == jobID {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}

	r.entries = append(r.entries, RecentJob{
		JobID:       jobID,
		Status:      status,
		Message:     message,
		CompletedAt: r.now().UTC(),
	})
	if len(r.entries) > r.capacity {
		r.entries = r.entries[len(r.entries)-r.capacity:]
	}
}

func (r *recentRing) snapshot() []RecentJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked()
	return append([]RecentJob(nil), r.entries...)
}

func (r *recentRing) pruneLocked() {
	cutoff := r.now().Add(-r.ttl)
	keep := r.entries[:0]
	for _, e := range r.entries {
		if e.CompletedAt.After(cutoff) {
			keep = append(keep, e)
		}
	}
	r.entries = keep
}
