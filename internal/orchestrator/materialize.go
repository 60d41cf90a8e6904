package orchestrator

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/popmelt/bridge/internal/agent"
	"github.com/popmelt/bridge/internal/common/logger"
	"github.com/popmelt/bridge/internal/decision"
	"github.com/popmelt/bridge/internal/events"
	"github.com/popmelt/bridge/internal/job"
	"github.com/popmelt/bridge/internal/model"
	"github.com/popmelt/bridge/internal/parser"
)

// decisionSummary is one line of the materialization prompt.
type decisionSummary struct {
	ID      string
	Summary string
}

// Materializer consolidates pattern-scoped decisions into the design model
// by running a read-only agent pass over them. At most one pass runs at a
// time; processed decision ids are indexed even when the pass fails so a
// bad decision never causes a retry storm.
type Materializer struct {
	logger    *logger.Logger
	queue     *job.Queue
	decisions *decision.Store
	models    *model.Store
	index     *model.Index

	defaultProvider string
	inflight        atomic.Bool
}

// NewMaterializer wires the materialization path.
func NewMaterializer(
	queue *job.Queue,
	decisions *decision.Store,
	models *model.Store,
	index *model.Index,
	defaultProvider string,
	log *logger.Logger,
) *Materializer {
	return &Materializer{
		logger:          log.WithFields(zap.String("component", "materializer")),
		queue:           queue,
		decisions:       decisions,
		models:          models,
		index:           index,
		defaultProvider: defaultProvider,
	}
}

// Start begins a materialization pass if one is warranted. Returns whether
// a pass started and, if not, why it was skipped.
func (m *Materializer) Start() (bool, string) {
	if !m.inflight.CompareAndSwap(false, true) {
		return false, "materialization already in flight"
	}

	pending := m.pending()
	if len(pending) == 0 {
		m.inflight.Store(false)
		return false, "no unmaterialized pattern-scoped decisions"
	}

	current, _ := m.models.Get("")
	currentModel, _ := current.(map[string]any)

	j := job.New()
	j.Phase = job.PhaseMaterialize
	j.Provider = m.defaultProvider
	j.PromptOverride = buildMaterializePrompt(currentModel, pending)
	for _, d := range pending {
		j.DecisionIDs = append(j.DecisionIDs, d.ID)
	}

	m.logger.Info("materialization started",
		zap.String("job_id", j.ID),
		zap.Int("decisions", len(pending)))

	m.queue.Emit(events.MaterializeStarted, "", "", map[string]any{})
	if m.queue.Enqueue(j) < 0 {
		m.inflight.Store(false)
		return false, "job queue is full"
	}
	return true, ""
}

// pending lists pattern-scoped decisions not yet in the index.
func (m *Materializer) pending() []decisionSummary {
	var out []decisionSummary
	for _, rec := range m.decisions.List() {
		if !rec.PatternScoped() || m.index.Contains(rec.ID) {
			continue
		}
		summary := rec.ResponseText
		for _, res := range rec.Resolutions {
			if res.Summary != "" {
				summary = res.Summary
				break
			}
		}
		out = append(out, decisionSummary{ID: rec.ID, Summary: summary})
	}
	return out
}

// finishMaterialize handles a successful materialize job: parse the model
// block, replace model.json, index the consumed decisions, and announce.
func (p *Processor) finishMaterialize(j *job.Job, res *agent.RunResult) {
	m := p.mat
	defer m.inflight.Store(false)

	parsed, ok := parser.ParseModel(res.Text)
	payload := events.MaterializeDonePayload{DecisionIDs: j.DecisionIDs}
	if ok {
		m.models.Replace(parsed)
		payload.Success = true
		m.logger.Info("materialization done", zap.Int("decisions", len(j.DecisionIDs)))
	} else {
		payload.Error = "agent produced no parseable model block"
		m.logger.Warn("materialization produced no model", zap.String("job_id", j.ID))
	}

	// Ids are indexed regardless of parse outcome so a bad batch is never
	// reprocessed; the run outcome rides along.
	m.index.Append(j.DecisionIDs, payload.Error)

	j.Status = job.StatusDone
	p.queue.Emit(events.MaterializeDone, j.ID, "", payload)
	p.queue.Emit(events.Done, j.ID, "", events.DonePayload{
		JobID:        j.ID,
		Success:      true,
		ResponseText: parser.StripBlocks(res.Text),
	})
}

// failMaterialize closes a failed materialize job, still indexing the
// consumed decisions.
func (p *Processor) failMaterialize(j *job.Job, msg string) {
	m := p.mat
	defer m.inflight.Store(false)

	m.index.Append(j.DecisionIDs, msg)
	m.logger.Warn("materialization failed", zap.String("error", msg))

	p.queue.Emit(events.MaterializeDone, j.ID, "", events.MaterializeDonePayload{
		DecisionIDs: j.DecisionIDs,
		Success:     false,
		Error:       msg,
	})
	p.queue.Emit(events.Error, j.ID, "", events.ErrorPayload{
		JobID:   j.ID,
		Message: msg,
	})
}
