package model

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/popmelt/bridge/internal/common/logger"
)

// Index is the append-only set of decision ids already fed through
// materialization, plus the outcome of the last pass. Ids are recorded even
// when a pass fails so a bad decision never causes a retry storm.
type Index struct {
	path   string
	logger *logger.Logger

	mu           sync.Mutex
	ids          map[string]bool
	lastRunAt    time.Time
	lastRunError string
}

type indexShape struct {
	DecisionIDs  []string  `json:"decisionIds"`
	LastRunAt    time.Time `json:"lastRunAt"`
	LastRunError string    `json:"lastRunError,omitempty"`
}

// NewIndex loads the index; missing or malformed files start empty.
func NewIndex(path string, log *logger.Logger) *Index {
	idx := &Index{
		path:   path,
		logger: log.WithFields(zap.String("component", "materialize-index")),
		ids:    make(map[string]bool),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			idx.logger.Warn("materialize index unreadable, starting empty", zap.Error(err))
		}
		return idx
	}
	var shape indexShape
	if err := json.Unmarshal(data, &shape); err != nil {
		idx.logger.Warn("materialize index malformed, starting empty", zap.Error(err))
		return idx
	}
	for _, id := range shape.DecisionIDs {
		idx.ids[id] = true
	}
	idx.lastRunAt = shape.LastRunAt
	idx.lastRunError = shape.LastRunError
	return idx
}

// Contains reports whether the decision was already materialized.
func (idx *Index) Contains(id string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.ids[id]
}

// Append marks the decision ids as processed, records the run outcome, and
// persists. runErr is empty for a successful pass.
func (idx *Index) Append(ids []string, runErr string) {
	if len(ids) == 0 && runErr == "" {
		return
	}

	idx.mu.Lock()
	for _, id := range ids {
		idx.ids[id] = true
	}
	idx.lastRunAt = time.Now().UTC()
	idx.lastRunError = runErr
	snapshot := make([]string, 0, len(idx.ids))
	for id := range idx.ids {
		snapshot = append(snapshot, id)
	}
	shape := indexShape{
		DecisionIDs:  snapshot,
		LastRunAt:    idx.lastRunAt,
		LastRunError: idx.lastRunError,
	}
	idx.mu.Unlock()

	data, err := json.MarshalIndent(shape, "", "  ")
	if err != nil {
		idx.logger.Error("failed to marshal materialize index", zap.Error(err))
		return
	}
	if err := os.WriteFile(idx.path, data, 0644); err != nil {
		idx.logger.Warn("failed to write materialize index", zap.Error(err))
	}
}

// LastRun reports when the last materialization pass ran and its error, if
// any.
func (idx *Index) LastRun() (time.Time, string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.lastRunAt, idx.lastRunError
}
