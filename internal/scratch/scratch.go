// Package scratch manages the short-lived per-job file area under the OS
// temp directory. Durable copies are the decision store's job; everything
// here is subject to age-based eviction.
package scratch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/popmelt/bridge/internal/common/logger"
)

// DefaultDirName is the scratch directory created under the OS temp dir.
const DefaultDirName = "popmelt-bridge"

// Manager writes per-job scratch files and evicts stale ones on a timer.
type Manager struct {
	dir        string
	gcInterval time.Duration
	maxAge     time.Duration
	logger     *logger.Logger
}

// NewManager creates the scratch directory if needed. An empty dir selects
// <OS temp>/popmelt-bridge.
func NewManager(dir string, gcInterval, maxAge time.Duration, log *logger.Logger) (*Manager, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), DefaultDirName)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return &Manager{
		dir:        dir,
		gcInterval: gcInterval,
		maxAge:     maxAge,
		logger:     log.WithFields(zap.String("component", "scratch")),
	}, nil
}

// Dir returns the scratch directory path.
func (m *Manager) Dir() string {
	return m.dir
}

// SaveScreenshot writes the job's screenshot and returns its path.
func (m *Manager) SaveScreenshot(jobID string, data []byte) (string, error) {
	return m.save(fmt.Sprintf("s-%s.png", jobID), data)
}

// SavePastedImage writes a pasted image attached to an annotation.
func (m *Manager) SavePastedImage(jobID, annotationID string, index int, data []byte) (string, error) {
	return m.save(fmt.Sprintf("p-%s-%s-%d.png", jobID, annotationID, index), data)
}

// SaveReplyImage writes a pasted image attached to a thread reply.
func (m *Manager) SaveReplyImage(jobID string, index int, data []byte) (string, error) {
	return m.save(fmt.Sprintf("r-%s-%d.png", jobID, index), data)
}

func (m *Manager) save(name string, data []byte) (string, error) {
	path := filepath.Join(m.dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write scratch file %s: %w", name, err)
	}
	return path, nil
}

// Run evicts stale scratch files on the configured interval until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := m.Sweep()
			if evicted > 0 {
				m.logger.Info("evicted stale scratch files", zap.Int("count", evicted))
			}
		}
	}
}

// Sweep removes files older than the configured max age and returns the
// number evicted. Removal failures are logged and skipped.
func (m *Manager) Sweep() int {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		m.logger.Warn("failed to read scratch dir", zap.Error(err))
		return 0
	}

	cutoff := time.Now().Add(-m.maxAge)
	evicted := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, entry.Name())); err != nil {
			m.logger.Warn("failed to evict scratch file",
				zap.String("file", entry.Name()),
				zap.Error(err))
			continue
		}
		evicted++
	}
	return evicted
}
