package thread

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popmelt/bridge/internal/common/logger"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "threads.json")
	s := NewStore(path, logger.Default())
	t.Cleanup(s.Close)
	return s, path
}

func TestCreateAndGetThread(t *testing.T) {
	s, _ := newTestStore(t)

	created := s.CreateThread("t1", []string{".btn", ".btn", ""})
	assert.Equal(t, []string{".btn"}, created.Elements, "elements deduped, blanks dropped")

	got := s.GetThread("t1")
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.ID)
	assert.Nil(t, s.GetThread("missing"))
}

func TestFindContinuationFirstMatch(t *testing.T) {
	s, _ := newTestStore(t)

	s.CreateThread("t1", []string{".header", ".nav"})
	s.CreateThread("t2", []string{".nav", ".footer"})

	// .nav is shared by both; insertion order makes t1 the deterministic hit.
	match := s.FindContinuation([]string{".nav"})
	require.NotNil(t, match)
	assert.Equal(t, "t1", match.ID)

	match = s.FindContinuation([]string{".footer"})
	require.NotNil(t, match)
	assert.Equal(t, "t2", match.ID)

	assert.Nil(t, s.FindContinuation([]string{".missing"}))
	assert.Nil(t, s.FindContinuation(nil), "empty input never matches")
}

func TestAppendMessageUnknownThreadIsNoop(t *testing.T) {
	s, _ := newTestStore(t)
	s.AppendMessage("nope", Message{Role: RoleHuman, Summary: "hi"})
	assert.Equal(t, 0, s.Len())
}

func TestAddElementIdentifiersUnion(t *testing.T) {
	s, _ := newTestStore(t)
	s.CreateThread("t1", []string{".a"})

	s.AddElementIdentifiers("t1", []string{".a", ".b", ""})
	got := s.GetThread("t1")
	assert.Equal(t, []string{".a", ".b"}, got.Elements)
}

func TestHistoryWindow(t *testing.T) {
	s, _ := newTestStore(t)
	s.CreateThread("t1", nil)

	for i := 0; i < 10; i++ {
		s.AppendMessage("t1", Message{Role: RoleHuman, Summary: string(rune('a' + i))})
	}

	// Under the limit: everything.
	assert.Len(t, s.History("t1", 12), 10)

	// Over the limit: first message plus the last max-1.
	window := s.History("t1", 6)
	require.Len(t, window, 6)
	assert.Equal(t, "a", window[0].Summary, "originating context kept")
	assert.Equal(t, "f", window[1].Summary)
	assert.Equal(t, "j", window[5].Summary)

	assert.Nil(t, s.History("missing", 6))
}

func TestLastSessionID(t *testing.T) {
	s, _ := newTestStore(t)
	s.CreateThread("t1", nil)
	s.AppendMessage("t1", Message{Role: RoleAssistant, SessionID: "sess-1"})
	s.AppendMessage("t1", Message{Role: RoleHuman, Reply: "more"})
	s.AppendMessage("t1", Message{Role: RoleAssistant, SessionID: "sess-2"})

	got := s.GetThread("t1")
	assert.Equal(t, "sess-2", got.LastSessionID())
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threads.json")

	s := NewStore(path, logger.Default())
	s.CreateThread("t1", []string{".hero"})
	s.AppendMessage("t1", Message{Role: RoleHuman, Summary: "make it pop"})
	s.Close() // flushes the pending write

	reloaded := NewStore(path, logger.Default())
	defer reloaded.Close()

	got := reloaded.GetThread("t1")
	require.NotNil(t, got)
	assert.Equal(t, []string{".hero"}, got.Elements)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "make it pop", got.Messages[0].Summary)

	// File shape is versioned.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var shape map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &shape))
	assert.JSONEq(t, "1", string(shape["version"]))
}

func TestMalformedFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threads.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	s := NewStore(path, logger.Default())
	defer s.Close()
	assert.Equal(t, 0, s.Len())
}
