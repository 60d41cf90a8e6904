package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popmelt/bridge/internal/common/logger"
	"github.com/popmelt/bridge/internal/events"
)

// recorder captures emitted queue events in order.
type recorder struct {
	mu     sync.Mutex
	events []recorded
}

type recorded struct {
	event   string
	jobID   string
	payload any
}

func (r *recorder) listen(event, jobID, sourceID string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{event: event, jobID: jobID, payload: payload})
}

func (r *recorder) named(event string) []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recorded
	for _, e := range r.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestQueueRunsJobsFIFO(t *testing.T) {
	q := NewQueue(1, 0, logger.Default())
	rec := &recorder{}
	q.Subscribe(rec.listen)

	var mu sync.Mutex
	var order []string
	q.SetProcessor(func(ctx context.Context, j *Job) {
		mu.Lock()
		order = append(order, j.ID)
		mu.Unlock()
	})

	a, b, c := New(), New(), New()
	assert.Equal(t, 0, q.Enqueue(a))
	q.Enqueue(b)
	q.Enqueue(c)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, order)
	mu.Unlock()

	waitFor(t, func() bool { return len(rec.named(events.QueueDrained)) >= 1 })
	started := rec.named(events.JobStarted)
	require.Len(t, started, 3)
	assert.Equal(t, a.ID, started[0].jobID)
}

func TestQueueBoundsConcurrency(t *testing.T) {
	q := NewQueue(2, 0, logger.Default())

	var mu sync.Mutex
	running, peak := 0, 0
	release := make(chan struct{})

	q.SetProcessor(func(ctx context.Context, j *Job) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		q.Enqueue(New())
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return running == 2
	})
	assert.Equal(t, 3, q.Depth())
	assert.Len(t, q.ActiveJobIDs(), 2)

	close(release)
	waitFor(t, func() bool { return q.Depth() == 0 && len(q.ActiveJobIDs()) == 0 })

	mu.Lock()
	assert.Equal(t, 2, peak, "never more than maxConcurrent at once")
	mu.Unlock()
}

func TestJobStartedCarriesPosition(t *testing.T) {
	q := NewQueue(1, 0, logger.Default())
	rec := &recorder{}
	q.Subscribe(rec.listen)

	release := make(chan struct{})
	q.SetProcessor(func(ctx context.Context, j *Job) { <-release })

	a, b := New(), New()
	require.Equal(t, 0, q.Enqueue(a))
	require.Equal(t, 1, q.Enqueue(b))
	close(release)

	waitFor(t, func() bool { return len(rec.named(events.JobStarted)) == 2 })
	started := rec.named(events.JobStarted)
	assert.Equal(t, 0, started[0].payload.(events.JobStartedPayload).Position)
	assert.Equal(t, 1, started[1].payload.(events.JobStartedPayload).Position)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := NewQueue(1, 1, logger.Default())
	block := make(chan struct{})
	q.SetProcessor(func(ctx context.Context, j *Job) { <-block })

	q.Enqueue(New())
	waitFor(t, func() bool { return len(q.ActiveJobIDs()) == 1 })

	assert.Equal(t, 1, q.Enqueue(New()), "one waiter fits")
	assert.Equal(t, -1, q.Enqueue(New()), "second waiter rejected")
	assert.Equal(t, 1, q.Depth())
	close(block)
}

func TestCancelQueuedJob(t *testing.T) {
	q := NewQueue(1, 0, logger.Default())
	rec := &recorder{}
	q.Subscribe(rec.listen)

	block := make(chan struct{})
	q.SetProcessor(func(ctx context.Context, j *Job) { <-block })

	running := New()
	waiting := New()
	q.Enqueue(running)
	q.Enqueue(waiting)

	waitFor(t, func() bool { return len(q.ActiveJobIDs()) == 1 })

	require.True(t, q.Cancel(waiting.ID))
	assert.Equal(t, StatusError, waiting.Status)
	assert.Equal(t, 0, q.Depth())

	errs := rec.named(events.Error)
	require.Len(t, errs, 1)
	payload := errs[0].payload.(events.ErrorPayload)
	assert.Equal(t, waiting.ID, payload.JobID)
	assert.True(t, payload.Cancelled)
	assert.Equal(t, "Cancelled by user", payload.Message)

	assert.False(t, q.Cancel("unknown"))
	close(block)
}

func TestProcessorPanicDoesNotPoisonQueue(t *testing.T) {
	q := NewQueue(1, 0, logger.Default())
	rec := &recorder{}
	q.Subscribe(rec.listen)

	var mu sync.Mutex
	var processed []string
	q.SetProcessor(func(ctx context.Context, j *Job) {
		mu.Lock()
		processed = append(processed, j.ID)
		mu.Unlock()
		if len(processed) == 1 {
			panic("boom")
		}
	})

	bad, good := New(), New()
	q.Enqueue(bad)
	q.Enqueue(good)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == 2
	})

	assert.Equal(t, StatusError, bad.Status)
	assert.Equal(t, StatusDone, good.Status)

	errs := rec.named(events.Error)
	require.Len(t, errs, 1)
	assert.Equal(t, bad.ID, errs[0].jobID)
	assert.Contains(t, errs[0].payload.(events.ErrorPayload).Message, "boom")
}

func TestQueueDrainedFiresOncePerQuiescence(t *testing.T) {
	q := NewQueue(2, 0, logger.Default())
	rec := &recorder{}
	q.Subscribe(rec.listen)

	gate := make(chan struct{})
	q.SetProcessor(func(ctx context.Context, j *Job) { <-gate })

	q.Enqueue(New())
	q.Enqueue(New())
	waitFor(t, func() bool { return len(q.ActiveJobIDs()) == 2 })
	close(gate)

	waitFor(t, func() bool { return len(rec.named(events.QueueDrained)) >= 1 })

	// The two completions race, but quiescence is reached once.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.named(events.QueueDrained), 1)
}

func TestSubscribeDisposer(t *testing.T) {
	q := NewQueue(1, 0, logger.Default())
	rec := &recorder{}
	dispose := q.Subscribe(rec.listen)
	dispose()

	q.SetProcessor(func(ctx context.Context, j *Job) {})
	q.Enqueue(New())
	waitFor(t, func() bool { return q.Depth() == 0 && len(q.ActiveJobIDs()) == 0 })

	assert.Empty(t, rec.named(events.JobStarted))
}

func TestDestroyDropsQueued(t *testing.T) {
	q := NewQueue(1, 0, logger.Default())
	block := make(chan struct{})
	q.SetProcessor(func(ctx context.Context, j *Job) { <-block })

	q.Enqueue(New())
	waiting := New()
	q.Enqueue(waiting)
	waitFor(t, func() bool { return len(q.ActiveJobIDs()) == 1 })

	q.Destroy()
	assert.Equal(t, 0, q.Depth())
	assert.Equal(t, StatusError, waiting.Status)
	assert.Equal(t, -1, q.Enqueue(New()), "destroyed queue accepts nothing")
	close(block)
}
