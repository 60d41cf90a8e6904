package job

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/popmelt/bridge/internal/common/logger"
	"github.com/popmelt/bridge/internal/events"
)

// Listener receives every queue-level event. sourceID scopes delivery for
// hub routing; it is empty for global events.
type Listener func(event, jobID, sourceID string, payload any)

// Processor runs one job to completion. It owns the job's terminal events
// (done or error); the queue only steps in when it panics.
type Processor func(ctx context.Context, j *Job)

type activeEntry struct {
	job       *Job
	cancel    context.CancelFunc
	proc      *os.Process
	cancelled bool
}

// Queue is a bounded-concurrency FIFO. At most maxConcurrent processors
// run at once; the rest wait in submission order, capped at maxSize when
// that is positive.
type Queue struct {
	logger        *logger.Logger
	maxConcurrent int
	maxSize       int

	mu        sync.Mutex
	queued    []*Job
	active    map[string]*activeEntry
	processor Processor
	destroyed bool
	busy      bool // work has been seen since the last queue_drained

	listeners  map[int]Listener
	nextListen int
}

// NewQueue creates a queue that runs up to maxConcurrent jobs at once and
// holds up to maxSize waiting jobs (0 = unbounded).
func NewQueue(maxConcurrent, maxSize int, log *logger.Logger) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		logger:        log.WithFields(zap.String("component", "job-queue")),
		maxConcurrent: maxConcurrent,
		maxSize:       maxSize,
		active:        make(map[string]*activeEntry),
		listeners:     make(map[int]Listener),
	}
}

// SetProcessor registers the processor and kicks scheduling. Must be called
// before jobs can run.
func (q *Queue) SetProcessor(p Processor) {
	q.mu.Lock()
	q.processor = p
	q.mu.Unlock()
	q.schedule()
}

// Subscribe registers a listener and returns its disposer.
func (q *Queue) Subscribe(l Listener) func() {
	q.mu.Lock()
	id := q.nextListen
	q.nextListen++
	q.listeners[id] = l
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.listeners, id)
		q.mu.Unlock()
	}
}

// Enqueue pushes the job and attempts to schedule it. The returned position
// hint counts the jobs ahead of it (0 means it can start immediately); -1
// means the job was rejected (queue destroyed or full).
func (q *Queue) Enqueue(j *Job) int {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return -1
	}
	if q.maxSize > 0 && len(q.queued) >= q.maxSize {
		q.mu.Unlock()
		q.logger.Warn("queue full, rejecting job", zap.String("job_id", j.ID))
		return -1
	}
	position := len(q.active) + len(q.queued)
	j.Status = StatusQueued
	j.Position = position
	q.busy = true
	q.queued = append(q.queued, j)
	q.mu.Unlock()

	q.logger.Info("job enqueued",
		zap.String("job_id", j.ID),
		zap.String("phase", j.Phase),
		zap.Int("position", position))

	q.schedule()
	return position
}

// Cancel terminates the job. An active job's subprocess gets SIGTERM and
// finishes through the processor's normal error path; a queued job is
// removed and errored immediately. Returns false for unknown ids.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()

	if entry, ok := q.active[jobID]; ok {
		entry.cancelled = true
		proc := entry.proc
		cancel := entry.cancel
		q.mu.Unlock()

		if proc != nil {
			_ = proc.Signal(syscall.SIGTERM)
		} else if cancel != nil {
			cancel()
		}
		q.logger.Info("active job cancelled", zap.String("job_id", jobID))
		return true
	}

	for i, j := range q.queued {
		if j.ID != jobID {
			continue
		}
		q.queued = append(q.queued[:i], q.queued[i+1:]...)
		j.Status = StatusError
		q.mu.Unlock()

		q.emit(events.Error, j.ID, j.SourceID, events.ErrorPayload{
			JobID:     j.ID,
			Message:   "Cancelled by user",
			Cancelled: true,
		})
		q.logger.Info("queued job cancelled", zap.String("job_id", jobID))
		q.maybeDrained()
		return true
	}

	q.mu.Unlock()
	return false
}

// CancelAll cancels every active job.
func (q *Queue) CancelAll() int {
	q.mu.Lock()
	ids := make([]string, 0, len(q.active))
	for id := range q.active {
		ids = append(ids, id)
	}
	q.mu.Unlock()

	for _, id := range ids {
		q.Cancel(id)
	}
	return len(ids)
}

// Destroy cancels all active jobs and drops everything still queued.
func (q *Queue) Destroy() {
	q.mu.Lock()
	q.destroyed = true
	dropped := q.queued
	q.queued = nil
	q.mu.Unlock()

	for _, j := range dropped {
		j.Status = StatusError
	}
	q.CancelAll()
}

// SetActiveProcess hands the queue the live subprocess for cancellation.
// If the job was cancelled before the process spawned, it is signalled now.
func (q *Queue) SetActiveProcess(jobID string, proc *os.Process) {
	q.mu.Lock()
	entry, ok := q.active[jobID]
	var pending bool
	if ok {
		entry.proc = proc
		pending = entry.cancelled
	}
	q.mu.Unlock()

	if pending && proc != nil {
		_ = proc.Signal(syscall.SIGTERM)
	}
}

// WasCancelled reports whether an operator cancelled the job.
func (q *Queue) WasCancelled(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.active[jobID]
	return ok && entry.cancelled
}

// ActiveJobIDs returns the ids of running jobs.
func (q *Queue) ActiveJobIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.active))
	for id := range q.active {
		ids = append(ids, id)
	}
	return ids
}

// Depth returns the number of jobs still waiting.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// Emit broadcasts an event through the queue's listeners. The processor
// shares the listener chain so all job events follow one path to the hub.
func (q *Queue) Emit(event, jobID, sourceID string, payload any) {
	q.emit(event, jobID, sourceID, payload)
}

func (q *Queue) emit(event, jobID, sourceID string, payload any) {
	q.mu.Lock()
	ls := make([]Listener, 0, len(q.listeners))
	for _, l := range q.listeners {
		ls = append(ls, l)
	}
	q.mu.Unlock()

	for _, l := range ls {
		l(event, jobID, sourceID, payload)
	}
}

// schedule moves waiting jobs into the active set while capacity allows.
func (q *Queue) schedule() {
	for {
		q.mu.Lock()
		if q.destroyed || q.processor == nil || len(q.queued) == 0 || len(q.active) >= q.maxConcurrent {
			q.mu.Unlock()
			return
		}

		j := q.queued[0]
		q.queued = q.queued[1:]
		j.Status = StatusRunning

		ctx, cancel := context.WithCancel(context.Background())
		q.active[j.ID] = &activeEntry{job: j, cancel: cancel}
		processor := q.processor
		q.mu.Unlock()

		q.emit(events.JobStarted, j.ID, j.SourceID, events.JobStartedPayload{
			JobID:    j.ID,
			Position: j.Position,
			ThreadID: j.ThreadID,
		})
		q.logger.Info("job started",
			zap.String("job_id", j.ID),
			zap.String("phase", j.Phase))

		go q.run(ctx, cancel, processor, j)
	}
}

func (q *Queue) run(ctx context.Context, cancel context.CancelFunc, processor Processor, j *Job) {
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			j.Status = StatusError
			q.logger.Error("processor panicked",
				zap.String("job_id", j.ID),
				zap.Any("panic", r))
			q.emit(events.Error, j.ID, j.SourceID, events.ErrorPayload{
				JobID:   j.ID,
				Message: fmt.Sprintf("internal error: %v", r),
			})
		}

		q.mu.Lock()
		delete(q.active, j.ID)
		q.mu.Unlock()

		q.maybeDrained()
		q.schedule()
	}()

	processor(ctx, j)
	if j.Status == StatusRunning {
		j.Status = StatusDone
	}
}

// maybeDrained emits queue_drained exactly once per quiescence transition:
// racing completions both observe the empty queue, but only the one that
// clears the busy flag announces it.
func (q *Queue) maybeDrained() {
	q.mu.Lock()
	drained := q.busy && !q.destroyed && len(q.active) == 0 && len(q.queued) == 0
	if drained {
		q.busy = false
	}
	q.mu.Unlock()

	if drained {
		q.emit(events.QueueDrained, "", "", map[string]any{})
	}
}
