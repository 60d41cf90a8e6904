package decision

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popmelt/bridge/internal/common/logger"
	"github.com/popmelt/bridge/internal/parser"
	"github.com/popmelt/bridge/internal/project"
)

func newTestStore(t *testing.T) (*Store, *project.Project) {
	t.Helper()
	proj, err := project.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, proj.EnsureDirs())
	return NewStore(proj, time.Second, logger.Default()), proj
}

func writeScratch(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestPersistCopiesAndWritesRecord(t *testing.T) {
	s, proj := newTestStore(t)

	screenshot := writeScratch(t, "s-job1.png", []byte("screenshot-bytes"))
	pasted := writeScratch(t, "p-job1-ann-1-0.png", []byte("pasted-bytes"))

	rec := &Record{
		JobID:        "job1",
		CreatedAt:    time.Now().UTC(),
		CompletedAt:  time.Now().UTC(),
		Provider:     "claude",
		ResponseText: "tightened the header",
	}
	path := s.Persist(rec, screenshot, map[string][]string{"ann-1": {pasted}})
	require.NotEmpty(t, path)

	// Durable copies landed under .popmelt/screenshots.
	copied, err := os.ReadFile(filepath.Join(proj.ScreenshotsDir(), "s-job1.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("screenshot-bytes"), copied)

	copied, err = os.ReadFile(filepath.Join(proj.ScreenshotsDir(), "p-job1-ann-1-0.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pasted-bytes"), copied)

	got, err := s.Get("job1")
	require.NoError(t, err)
	assert.Equal(t, "job1", got.ID, "record id defaults to the job id")
	assert.Equal(t, "tightened the header", got.ResponseText)
	assert.NotEmpty(t, got.ScreenshotPath)
	assert.Len(t, got.PastedImagePaths["ann-1"], 1)
}

func TestPersistSurvivesMissingScreenshot(t *testing.T) {
	s, _ := newTestStore(t)

	rec := &Record{JobID: "job2", CompletedAt: time.Now().UTC(), Provider: "codex"}
	path := s.Persist(rec, filepath.Join(t.TempDir(), "gone.png"), nil)
	require.NotEmpty(t, path, "copy failure is best-effort, record still written")
	assert.Empty(t, rec.ScreenshotPath)
}

func TestListSortedByCompletion(t *testing.T) {
	s, _ := newTestStore(t)

	base := time.Now().UTC()
	s.Persist(&Record{JobID: "late", CompletedAt: base.Add(time.Hour)}, "", nil)
	s.Persist(&Record{JobID: "early", CompletedAt: base}, "", nil)

	records := s.List()
	require.Len(t, records, 2)
	assert.Equal(t, "early", records[0].JobID)
	assert.Equal(t, "late", records[1].JobID)
}

func TestGetUnknown(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get("missing")
	require.Error(t, err)
}

func TestPatternScoped(t *testing.T) {
	rec := &Record{Resolutions: []parser.Resolution{
		{AnnotationID: "a", Status: parser.StatusResolved, Summary: "s",
			DeclaredScope: &parser.Scope{Breadth: parser.BreadthInstance, Target: parser.TargetElement}},
	}}
	assert.False(t, rec.PatternScoped())

	// finalScope wins over declaredScope.
	rec.Resolutions[0].FinalScope = &parser.Scope{Breadth: parser.BreadthPattern, Target: parser.TargetComponent}
	assert.True(t, rec.PatternScoped())

	rec = &Record{Resolutions: []parser.Resolution{
		{AnnotationID: "a", Status: parser.StatusResolved, Summary: "s",
			DeclaredScope: &parser.Scope{Breadth: parser.BreadthPattern, Target: parser.TargetToken}},
	}}
	assert.True(t, rec.PatternScoped())
}
