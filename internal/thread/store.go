package thread

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/popmelt/bridge/internal/common/logger"
)

// fileVersion is the threads.json schema version.
const fileVersion = 1

// fileShape is the on-disk layout of threads.json.
type fileShape struct {
	Version int                `json:"version"`
	Threads map[string]*Thread `json:"threads"`
}

// Store holds every thread of one project. Reads serve from the in-memory
// snapshot; mutations persist through a single writer goroutine so
// concurrent appenders linearize and at most one file write is in flight.
type Store struct {
	path   string
	logger *logger.Logger

	mu      sync.Mutex
	threads map[string]*Thread
	order   []string // insertion order, for deterministic continuation matching

	persistCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewStore loads path (an unreadable or malformed file is treated as empty)
// and starts the writer goroutine.
func NewStore(path string, log *logger.Logger) *Store {
	s := &Store{
		path:      path,
		logger:    log.WithFields(zap.String("component", "thread-store")),
		threads:   make(map[string]*Thread),
		persistCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	s.load()
	go s.writeLoop()
	return s
}

// Close flushes pending writes and stops the writer.
func (s *Store) Close() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("threads file unreadable, starting empty", zap.Error(err))
		}
		return
	}

	var shape fileShape
	if err := json.Unmarshal(data, &shape); err != nil || shape.Threads == nil {
		s.logger.Warn("threads file malformed, starting empty", zap.Error(err))
		return
	}

	s.threads = shape.Threads

	// Rebuild a stable iteration order from creation time; map order is not.
	s.order = make([]string, 0, len(s.threads))
	for id := range s.threads {
		s.order = append(s.order, id)
	}
	sort.Slice(s.order, func(i, j int) bool {
		a, b := s.threads[s.order[i]], s.threads[s.order[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// GetThread returns a copy of the thread, or nil when unknown.
func (s *Store) GetThread(id string) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyThread(s.threads[id])
}

// FindContinuation returns a copy of the first thread (in insertion order)
// whose element set shares at least one member with elementIDs. An empty
// input never matches.
func (s *Store) FindContinuation(elementIDs []string) *Thread {
	if len(elementIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		t := s.threads[id]
		for _, el := range elementIDs {
			if t.HasElement(el) {
				return copyThread(t)
			}
		}
	}
	return nil
}

// CreateThread registers a new thread with the given element identifiers
// and returns a copy.
func (s *Store) CreateThread(id string, elementIDs []string) *Thread {
	now := time.Now().UTC()
	t := &Thread{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Elements:  dedupe(elementIDs),
		Messages:  []Message{},
	}

	s.mu.Lock()
	s.threads[id] = t
	s.order = append(s.order, id)
	out := copyThread(t)
	s.mu.Unlock()

	s.schedulePersist()
	return out
}

// AppendMessage appends a message to the thread. Unknown thread ids are a
// no-op.
func (s *Store) AppendMessage(threadID string, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	t, ok := s.threads[threadID]
	if ok {
		t.Messages = append(t.Messages, msg)
		t.UpdatedAt = time.Now().UTC()
	}
	s.mu.Unlock()

	if ok {
		s.schedulePersist()
	}
}

// AddElementIdentifiers unions ids into the thread's element set.
func (s *Store) AddElementIdentifiers(threadID string, ids []string) {
	s.mu.Lock()
	t, ok := s.threads[threadID]
	changed := false
	if ok {
		for _, id := range ids {
			if id == "" || t.HasElement(id) {
				continue
			}
			t.Elements = append(t.Elements, id)
			changed = true
		}
		if changed {
			t.UpdatedAt = time.Now().UTC()
		}
	}
	s.mu.Unlock()

	if changed {
		s.schedulePersist()
	}
}

// History returns a bounded message window for prompt construction. When
// the thread exceeds max messages, the first message (the originating
// context) is kept, followed by the last max-1 messages.
func (s *Store) History(threadID string, max int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	msgs := t.Messages
	if max <= 0 || len(msgs) <= max {
		return append([]Message(nil), msgs...)
	}

	window := make([]Message, 0, max)
	window = append(window, msgs[0])
	window = append(window, msgs[len(msgs)-(max-1):]...)
	return window
}

// Len returns the number of threads.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threads)
}

// schedulePersist requests a write; a pending request coalesces later ones.
func (s *Store) schedulePersist() {
	select {
	case s.persistCh <- struct{}{}:
	default:
	}
}

func (s *Store) writeLoop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.persistCh:
			s.persist()
		case <-s.stopCh:
			// Final flush of anything still pending.
			select {
			case <-s.persistCh:
				s.persist()
			default:
			}
			return
		}
	}
}

// persist snapshots the store and writes it atomically (tmp + rename).
func (s *Store) persist() {
	s.mu.Lock()
	shape := fileShape{Version: fileVersion, Threads: make(map[string]*Thread, len(s.threads))}
	for id, t := range s.threads {
		shape.Threads[id] = copyThread(t)
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(shape, "", "  ")
	if err != nil {
		s.logger.Error("failed to marshal threads", zap.Error(err))
		return
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		s.logger.Warn("failed to create threads dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		s.logger.Warn("failed to write threads file", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Warn("failed to replace threads file", zap.Error(err))
	}
}

func copyThread(t *Thread) *Thread {
	if t == nil {
		return nil
	}
	out := *t
	out.Elements = append([]string(nil), t.Elements...)
	out.Messages = append([]Message(nil), t.Messages...)
	return &out
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
