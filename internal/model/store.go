// Package model holds the derived design model (model.json) and the index
// of decisions already consumed by materialization.
package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/popmelt/bridge/internal/common/errors"
	"github.com/popmelt/bridge/internal/common/logger"
)

// Store provides keyed access into model.json. The model is a plain JSON
// object; paths address nested keys ("tokens/color/primary").
type Store struct {
	path   string
	logger *logger.Logger

	mu    sync.Mutex
	model map[string]any
}

// NewStore loads model.json; a missing or malformed file starts empty.
func NewStore(path string, log *logger.Logger) *Store {
	s := &Store{
		path:   path,
		logger: log.WithFields(zap.String("component", "model-store")),
		model:  make(map[string]any),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("model file unreadable, starting empty", zap.Error(err))
		}
		return s
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		s.logger.Warn("model file malformed, starting empty", zap.Error(err))
		return s
	}
	s.model = m
	return s
}

// Get returns the value at path; an empty path returns the whole model.
func (s *Store) Get(path string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := splitPath(path)
	if len(keys) == 0 {
		return deepCopy(s.model), nil
	}

	var cur any = s.model
	for _, key := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, apperrors.NotFound("model key", path)
		}
		cur, ok = obj[key]
		if !ok {
			return nil, apperrors.NotFound("model key", path)
		}
	}
	return deepCopy(cur), nil
}

// Set writes value at path, creating intermediate objects. Returns "added"
// when the leaf did not exist, "updated" otherwise.
func (s *Store) Set(path string, value any) (string, error) {
	keys := splitPath(path)
	if len(keys) == 0 {
		obj, ok := value.(map[string]any)
		if !ok {
			return "", apperrors.InvalidRequest("model root must be a JSON object")
		}
		s.mu.Lock()
		s.model = obj
		s.mu.Unlock()
		s.persist()
		return "updated", nil
	}

	s.mu.Lock()
	cur := s.model
	for _, key := range keys[:len(keys)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[key] = next
		}
		cur = next
	}
	leaf := keys[len(keys)-1]
	_, existed := cur[leaf]
	cur[leaf] = value
	s.mu.Unlock()

	s.persist()
	if existed {
		return "updated", nil
	}
	return "added", nil
}

// Delete removes the key at path.
func (s *Store) Delete(path string) (string, error) {
	keys := splitPath(path)
	if len(keys) == 0 {
		s.mu.Lock()
		s.model = make(map[string]any)
		s.mu.Unlock()
		s.persist()
		return "removed", nil
	}

	s.mu.Lock()
	cur := s.model
	for _, key := range keys[:len(keys)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			s.mu.Unlock()
			return "", apperrors.NotFound("model key", path)
		}
		cur = next
	}
	leaf := keys[len(keys)-1]
	if _, ok := cur[leaf]; !ok {
		s.mu.Unlock()
		return "", apperrors.NotFound("model key", path)
	}
	delete(cur, leaf)
	s.mu.Unlock()

	s.persist()
	return "removed", nil
}

// Replace swaps in a whole new model, as produced by materialization.
func (s *Store) Replace(m map[string]any) {
	s.mu.Lock()
	s.model = m
	s.mu.Unlock()
	s.persist()
}

func (s *Store) persist() {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.model, "", "  ")
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("failed to marshal model", zap.Error(err))
		return
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		s.logger.Warn("failed to create model dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		s.logger.Warn("failed to write model", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Warn("failed to replace model", zap.Error(err))
	}
}

func splitPath(path string) []string {
	var keys []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			keys = append(keys, part)
		}
	}
	return keys
}

// deepCopy clones a JSON-shaped value so callers never alias store state.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
