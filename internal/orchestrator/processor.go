// Package orchestrator runs queued jobs end to end: prompt construction,
// agent supervision, structured-output parsing, plan transitions, and
// persistence.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/popmelt/bridge/internal/agent"
	"github.com/popmelt/bridge/internal/common/logger"
	"github.com/popmelt/bridge/internal/decision"
	"github.com/popmelt/bridge/internal/events"
	"github.com/popmelt/bridge/internal/job"
	"github.com/popmelt/bridge/internal/parser"
	"github.com/popmelt/bridge/internal/plan"
	"github.com/popmelt/bridge/internal/project"
	"github.com/popmelt/bridge/internal/thread"
)

// Processor executes one job at a time per invocation; the queue bounds how
// many invocations run concurrently.
type Processor struct {
	logger    *logger.Logger
	proj      *project.Project
	queue     *job.Queue
	registry  *agent.Registry
	threads   *thread.Store
	decisions *decision.Store
	plans     *plan.Manager
	mat       *Materializer

	runTimeout   time.Duration
	historyLimit int
}

// NewProcessor wires the job pipeline. mat may be nil when materialization
// is disabled.
func NewProcessor(
	proj *project.Project,
	queue *job.Queue,
	registry *agent.Registry,
	threads *thread.Store,
	decisions *decision.Store,
	plans *plan.Manager,
	mat *Materializer,
	runTimeout time.Duration,
	historyLimit int,
	log *logger.Logger,
) *Processor {
	return &Processor{
		logger:       log.WithFields(zap.String("component", "processor")),
		proj:         proj,
		queue:        queue,
		registry:     registry,
		threads:      threads,
		decisions:    decisions,
		plans:        plans,
		mat:          mat,
		runTimeout:   runTimeout,
		historyLimit: historyLimit,
	}
}

// Process runs the job to its terminal event. Registered as the queue's
// processor.
func (p *Processor) Process(ctx context.Context, j *job.Job) {
	log := p.logger.WithJobID(j.ID)

	provider, ok := p.registry.Get(j.Provider)
	if !ok {
		p.fail(j, fmt.Sprintf("unknown provider %q", j.Provider), false)
		return
	}

	var sessionID string
	if j.ThreadID != "" && j.ResumesSession() {
		if t := p.threads.GetThread(j.ThreadID); t != nil {
			sessionID = t.LastSessionID()
		}
	}

	prompt := j.PromptOverride
	if prompt == "" {
		prompt = buildPrompt(j, p.threads.History(j.ThreadID, p.historyLimit))
	}

	var (
		toolsUsed []string
		toolSeen  = make(map[string]bool)
		fileEdits []string
		fileSeen  = make(map[string]bool)
		stream    *parser.Stream
	)
	if j.Streaming() {
		stream = parser.NewStream()
	}

	onEvent := func(ev agent.StreamEvent) {
		switch ev.Kind {
		case agent.EventDelta:
			p.queue.Emit(events.Delta, j.ID, j.SourceID,
				events.DeltaPayload{JobID: j.ID, Text: ev.Text})
			if stream != nil {
				stream.Append(ev.Text)
				p.flushStream(j, stream)
			}
		case agent.EventThinking:
			p.queue.Emit(events.Thinking, j.ID, j.SourceID,
				events.DeltaPayload{JobID: j.ID, Text: ev.Text})
		case agent.EventToolUse:
			if ev.Tool != "" && !toolSeen[ev.Tool] {
				toolSeen[ev.Tool] = true
				toolsUsed = append(toolsUsed, ev.Tool)
			}
			if ev.File != "" && !fileSeen[ev.File] {
				fileSeen[ev.File] = true
				fileEdits = append(fileEdits, ev.File)
			}
			p.queue.Emit(events.ToolUse, j.ID, j.SourceID,
				events.ToolUsePayload{JobID: j.ID, Tool: ev.Tool, File: ev.File})
		}
	}

	started := time.Now().UTC()
	res, err := provider.Run(ctx, agent.RunRequest{
		Prompt:       prompt,
		Dir:          p.proj.Root,
		SessionID:    sessionID,
		Model:        j.Model,
		AllowedTools: j.AllowedTools,
		ReadOnly:     j.ReadOnly(),
		Timeout:      p.runTimeout,
		OnEvent:      onEvent,
		OnProcess: func(proc *os.Process) {
			p.queue.SetActiveProcess(j.ID, proc)
		},
	})
	if err != nil {
		p.fail(j, err.Error(), false)
		return
	}
	if !res.Success {
		cancelled := res.Cancelled || p.queue.WasCancelled(j.ID)
		msg := res.Error
		if cancelled {
			msg = agent.CancelledMessage
		}
		p.fail(j, msg, cancelled)
		return
	}

	log.Info("agent run succeeded",
		zap.String("provider", provider.Name()),
		zap.Duration("elapsed", time.Since(started)))

	if j.Phase == job.PhaseMaterialize {
		p.finishMaterialize(j, res)
		return
	}

	// Executor deltas may not cover the CLI's final consolidated text.
	if stream != nil {
		if buf := stream.Buffer(); len(res.Text) > len(buf) {
			stream.Append(res.Text[len(buf):])
			p.flushStream(j, stream)
		}
	}

	text := res.Text
	originalIDs := j.AnnotationIDs
	if j.Phase == job.PhaseExecutor {
		originalIDs = taskAnnotationIDs(j.Tasks)
	}
	resolutions := parser.RemapAnnotationIDs(parser.ParseResolutions(text), originalIDs)
	question := parser.ParseQuestion(text)
	novel := parser.ParseNovelPatterns(text)
	stripped := parser.StripBlocks(text)

	if j.ThreadID != "" {
		p.threads.AppendMessage(j.ThreadID, thread.Message{
			Role:        thread.RoleAssistant,
			Response:    stripped,
			Resolutions: resolutions,
			Question:    question,
			ToolsUsed:   toolsUsed,
			SessionID:   res.SessionID,
		})
	}

	switch j.Phase {
	case job.PhasePlanner:
		tasks := parser.ParsePlan(text)
		g := p.plans.PlanParsed(j.PlanID, tasks, question != "")
		if g != nil && g.Status == plan.StatusAwaitingApproval {
			p.queue.Emit(events.PlanReady, j.ID, j.SourceID, events.PlanReadyPayload{
				JobID:    j.ID,
				PlanID:   j.PlanID,
				Tasks:    g.Tasks,
				ThreadID: j.ThreadID,
			})
		}

	case job.PhaseExecutor:
		p.plans.RecordResolutions(j.PlanID, resolutions)
		p.plans.ExecutorFinished(j.PlanID, j.ID)

	case job.PhaseReviewer:
		if rev := parser.ParseReview(text); rev != nil {
			p.plans.ReviewCompleted(j.PlanID, rev.Verdict)
			p.queue.Emit(events.PlanReview, j.ID, j.SourceID, events.PlanReviewPayload{
				PlanID:  j.PlanID,
				Verdict: rev.Verdict,
				Summary: rev.Summary,
				Issues:  rev.Issues,
			})
		} else {
			p.plans.Fail(j.PlanID, "reviewer produced no verdict")
		}
	}

	if question != "" {
		p.queue.Emit(events.Question, j.ID, j.SourceID, events.QuestionPayload{
			JobID:         j.ID,
			ThreadID:      j.ThreadID,
			Question:      question,
			AnnotationIDs: j.AnnotationIDs,
		})
	}
	if len(novel) > 0 {
		p.queue.Emit(events.NovelPatterns, j.ID, j.SourceID, events.NovelPatternsPayload{
			JobID:    j.ID,
			Patterns: novel,
			ThreadID: j.ThreadID,
		})
	}

	j.Status = job.StatusDone
	p.queue.Emit(events.Done, j.ID, j.SourceID, events.DonePayload{
		JobID:        j.ID,
		Success:      true,
		Resolutions:  resolutions,
		ResponseText: stripped,
		ThreadID:     j.ThreadID,
	})

	// Persistence is best-effort and never blocks the job path.
	rec := &decision.Record{
		JobID:        j.ID,
		CreatedAt:    j.CreatedAt,
		CompletedAt:  time.Now().UTC(),
		URL:          j.PageURL,
		Feedback:     j.Feedback,
		Provider:     j.Provider,
		Model:        j.Model,
		SessionID:    res.SessionID,
		ThreadID:     j.ThreadID,
		PlanID:       j.PlanID,
		Phase:        j.Phase,
		ResponseText: stripped,
		Resolutions:  resolutions,
		Question:     question,
		FileEdits:    fileEdits,
		ToolsUsed:    toolsUsed,
	}
	if j.Feedback != nil {
		if j.Feedback.URL != "" {
			rec.URL = j.Feedback.URL
		}
		vp := j.Feedback.Viewport
		rec.Viewport = &vp
	}
	go p.decisions.Persist(rec, j.ScreenshotPath, j.PastedImages)
}

// flushStream emits any resolutions newly visible in the executor's
// incremental buffer.
func (p *Processor) flushStream(j *job.Job, stream *parser.Stream) {
	added := stream.ParseNew()
	if len(added) == 0 {
		return
	}
	p.plans.RecordResolutions(j.PlanID, added)
	p.queue.Emit(events.TaskResolved, j.ID, j.SourceID, events.TaskResolvedPayload{
		JobID:       j.ID,
		PlanID:      j.PlanID,
		Resolutions: added,
		ThreadID:    j.ThreadID,
	})
}

// fail emits the job's terminal error event. Assistant messages are not
// appended on failure; the thread keeps only successful turns.
func (p *Processor) fail(j *job.Job, msg string, cancelled bool) {
	j.Status = job.StatusError
	p.logger.WithJobID(j.ID).Warn("job failed",
		zap.String("error", msg),
		zap.Bool("cancelled", cancelled))

	if j.Phase == job.PhaseMaterialize {
		p.failMaterialize(j, msg)
		return
	}

	if j.PlanID != "" {
		p.plans.Fail(j.PlanID, msg)
	}
	p.queue.Emit(events.Error, j.ID, j.SourceID, events.ErrorPayload{
		JobID:     j.ID,
		Message:   msg,
		Cancelled: cancelled,
	})
}
