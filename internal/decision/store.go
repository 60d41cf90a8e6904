package decision

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/popmelt/bridge/internal/common/logger"
	"github.com/popmelt/bridge/internal/project"
)

// Store writes decision records and their durable screenshot copies.
// Everything here is best-effort: a persistence failure is logged and the
// job stays successful from the client's perspective.
type Store struct {
	proj        *project.Project
	diffTimeout time.Duration
	logger      *logger.Logger
}

// NewStore creates a decision store for the project.
func NewStore(proj *project.Project, diffTimeout time.Duration, log *logger.Logger) *Store {
	return &Store{
		proj:        proj,
		diffTimeout: diffTimeout,
		logger:      log.WithFields(zap.String("component", "decision-store")),
	}
}

// Persist copies the scratch screenshot and pasted images into durable
// storage, captures the working-tree diff, and writes the record. Returns
// the record path for logging; errors are already logged.
func (s *Store) Persist(rec *Record, scratchScreenshot string, pastedImages map[string][]string) string {
	if rec.ID == "" {
		rec.ID = rec.JobID
	}

	if scratchScreenshot != "" {
		dst := filepath.Join(s.proj.ScreenshotsDir(), fmt.Sprintf("s-%s.png", rec.JobID))
		if err := copyFile(scratchScreenshot, dst); err != nil {
			s.logger.Warn("failed to copy screenshot", zap.Error(err))
		} else {
			rec.ScreenshotPath = dst
		}
	}

	if len(pastedImages) > 0 {
		rec.PastedImagePaths = make(map[string][]string, len(pastedImages))
		for annID, paths := range pastedImages {
			for i, src := range paths {
				dst := filepath.Join(s.proj.ScreenshotsDir(),
					fmt.Sprintf("p-%s-%s-%d.png", rec.JobID, annID, i))
				if err := copyFile(src, dst); err != nil {
					s.logger.Warn("failed to copy pasted image",
						zap.String("annotation_id", annID),
						zap.Error(err))
					continue
				}
				rec.PastedImagePaths[annID] = append(rec.PastedImagePaths[annID], dst)
			}
		}
	}

	if diff := s.captureDiff(); diff != "" {
		rec.GitDiff = diff
	}

	path := s.recordPath(rec.JobID)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		s.logger.Error("failed to marshal decision", zap.String("job_id", rec.JobID), zap.Error(err))
		return ""
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		s.logger.Warn("failed to write decision", zap.String("job_id", rec.JobID), zap.Error(err))
		return ""
	}

	s.logger.Info("decision persisted", zap.String("job_id", rec.JobID), zap.String("path", path))
	return path
}

// Get loads one record by job id.
func (s *Store) Get(jobID string) (*Record, error) {
	data, err := os.ReadFile(s.recordPath(jobID))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// List loads every decision record, oldest first. Unreadable records are
// skipped with a warning.
func (s *Store) List() []*Record {
	entries, err := os.ReadDir(s.proj.DecisionsDir())
	if err != nil {
		return nil
	}

	var records []*Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "d-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.proj.DecisionsDir(), name))
		if err != nil {
			s.logger.Warn("failed to read decision", zap.String("file", name), zap.Error(err))
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("failed to parse decision", zap.String("file", name), zap.Error(err))
			continue
		}
		records = append(records, &rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CompletedAt.Before(records[j].CompletedAt)
	})
	return records
}

func (s *Store) recordPath(jobID string) string {
	return filepath.Join(s.proj.DecisionsDir(), fmt.Sprintf("d-%s.json", jobID))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
