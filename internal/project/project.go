// Package project resolves the project root and the durable .popmelt state
// layout shared with external tooling.
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// StateDirName is the per-project durable state directory.
const StateDirName = ".popmelt"

// Project describes the project directory the bridge serves.
type Project struct {
	Root string // absolute path
	id   string
}

// New resolves root to an absolute path and derives the project id.
func New(root string) (*Project, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}
	sum := sha256.Sum256([]byte(abs))
	return &Project{
		Root: abs,
		id:   hex.EncodeToString(sum[:])[:12],
	}, nil
}

// ID returns the deterministic project id (hash of the absolute root path).
// Two bridge instances serving the same directory derive the same id, which
// is how port arbitration recognizes its own prior instance.
func (p *Project) ID() string {
	return p.id
}

// StateDir returns <root>/.popmelt.
func (p *Project) StateDir() string {
	return filepath.Join(p.Root, StateDirName)
}

// ThreadsPath returns the threads.json path.
func (p *Project) ThreadsPath() string {
	return filepath.Join(p.StateDir(), "threads.json")
}

// DecisionsDir returns the decisions directory.
func (p *Project) DecisionsDir() string {
	return filepath.Join(p.StateDir(), "decisions")
}

// ScreenshotsDir returns the durable screenshots directory.
func (p *Project) ScreenshotsDir() string {
	return filepath.Join(p.StateDir(), "screenshots")
}

// MaterializedPath returns the materialization index path.
func (p *Project) MaterializedPath() string {
	return filepath.Join(p.StateDir(), "materialized.json")
}

// ModelPath returns the derived design model path.
func (p *Project) ModelPath() string {
	return filepath.Join(p.StateDir(), "model.json")
}

// EnsureDirs creates the durable state directories.
func (p *Project) EnsureDirs() error {
	for _, dir := range []string{p.StateDir(), p.DecisionsDir(), p.ScreenshotsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
