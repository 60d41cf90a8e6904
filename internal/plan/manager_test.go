package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popmelt/bridge/internal/common/logger"
	"github.com/popmelt/bridge/internal/parser"
)

func sampleTasks() []parser.PlanTask {
	return []parser.PlanTask{
		{ID: "t1", Instruction: "shrink header", Region: parser.Region{Width: 800, Height: 64}},
		{ID: "t2", Instruction: "recolor cta", Region: parser.Region{Width: 120, Height: 40}},
		{ID: "t3", Instruction: "align footer", Region: parser.Region{Width: 800, Height: 80}},
	}
}

func TestHappyPathToDone(t *testing.T) {
	m := NewManager(logger.Default())

	g := m.Create("polish landing page", "http://localhost:3000", "th-1", "job-plan", nil)
	assert.Equal(t, StatusPlanning, g.Status)

	g = m.PlanParsed(g.ID, sampleTasks(), false)
	require.NotNil(t, g)
	assert.Equal(t, StatusAwaitingApproval, g.Status)
	assert.Len(t, g.Tasks, 3)

	g, err := m.Approve(g.ID, []string{"t1", "t3"})
	require.NoError(t, err)
	assert.Equal(t, StatusExecuting, g.Status)
	require.Len(t, g.ActiveTasks, 2)
	assert.Equal(t, "t1", g.ActiveTasks[0].ID)
	assert.Equal(t, "t3", g.ActiveTasks[1].ID)

	m.AddExecutorJob(g.ID, "job-exec")
	m.RecordResolutions(g.ID, []parser.Resolution{
		{AnnotationID: "t1", Status: parser.StatusResolved, Summary: "done"},
	})
	g = m.ExecutorFinished(g.ID, "job-exec")
	assert.Equal(t, StatusReviewing, g.Status)

	m.SetReviewerJob(g.ID, "job-review")
	g = m.ReviewCompleted(g.ID, parser.VerdictPass)
	assert.Equal(t, StatusDone, g.Status)
}

func TestPlannerQuestionKeepsPlanning(t *testing.T) {
	m := NewManager(logger.Default())
	g := m.Create("goal", "", "th-1", "job-1", nil)

	g = m.PlanParsed(g.ID, nil, true)
	assert.Equal(t, StatusPlanning, g.Status)
}

func TestFindByThread(t *testing.T) {
	m := NewManager(logger.Default())
	g := m.Create("goal", "", "th-9", "job-1", nil)

	found := m.FindByThread("th-9")
	require.NotNil(t, found)
	assert.Equal(t, g.ID, found.ID)
	assert.Nil(t, m.FindByThread("th-other"))

	m.PlanParsed(g.ID, sampleTasks(), false)
	assert.Nil(t, m.FindByThread("th-9"), "only planning groups match")
}

func TestEmptyPlanWithoutQuestionErrors(t *testing.T) {
	m := NewManager(logger.Default())
	g := m.Create("goal", "", "th-1", "job-1", nil)

	g = m.PlanParsed(g.ID, nil, false)
	assert.Equal(t, StatusError, g.Status)
	assert.NotEmpty(t, g.Error)
}

func TestApproveRequiresAwaitingApproval(t *testing.T) {
	m := NewManager(logger.Default())
	g := m.Create("goal", "", "th-1", "job-1", nil)

	_, err := m.Approve(g.ID, nil)
	require.Error(t, err)

	_, err = m.Approve("missing", nil)
	require.Error(t, err)
}

func TestApproveAllWhenNoSubsetGiven(t *testing.T) {
	m := NewManager(logger.Default())
	g := m.Create("goal", "", "th-1", "job-1", nil)
	m.PlanParsed(g.ID, sampleTasks(), false)

	approved, err := m.Approve(g.ID, nil)
	require.NoError(t, err)
	assert.Len(t, approved.ActiveTasks, 3)
}

func TestApproveUnknownTaskIDs(t *testing.T) {
	m := NewManager(logger.Default())
	g := m.Create("goal", "", "th-1", "job-1", nil)
	m.PlanParsed(g.ID, sampleTasks(), false)

	_, err := m.Approve(g.ID, []string{"nope"})
	require.Error(t, err)
}

func TestExecutingWaitsForAllExecutors(t *testing.T) {
	m := NewManager(logger.Default())
	g := m.Create("goal", "", "th-1", "job-1", nil)
	m.PlanParsed(g.ID, sampleTasks(), false)
	_, err := m.Approve(g.ID, nil)
	require.NoError(t, err)

	m.AddExecutorJob(g.ID, "e1")
	m.AddExecutorJob(g.ID, "e2")
	m.RecordResolutions(g.ID, []parser.Resolution{
		{AnnotationID: "t1", Status: parser.StatusNeedsReview, Summary: "s"},
	})

	g = m.ExecutorFinished(g.ID, "e1")
	assert.Equal(t, StatusExecuting, g.Status, "one executor still running")

	g = m.ExecutorFinished(g.ID, "e2")
	assert.Equal(t, StatusReviewing, g.Status)
}

func TestNoTerminalResolutionsBlocksReview(t *testing.T) {
	m := NewManager(logger.Default())
	g := m.Create("goal", "", "th-1", "job-1", nil)
	m.PlanParsed(g.ID, sampleTasks(), false)
	_, err := m.Approve(g.ID, nil)
	require.NoError(t, err)

	m.AddExecutorJob(g.ID, "e1")
	g = m.ExecutorFinished(g.ID, "e1")
	assert.Equal(t, StatusExecuting, g.Status)
}

func TestReviewFailReturnsToExecuting(t *testing.T) {
	m := NewManager(logger.Default())
	g := m.Create("goal", "", "th-1", "job-1", nil)
	m.PlanParsed(g.ID, sampleTasks(), false)
	_, err := m.Approve(g.ID, nil)
	require.NoError(t, err)
	m.SetReviewerJob(g.ID, "r1")

	g = m.ReviewCompleted(g.ID, parser.VerdictFail)
	assert.Equal(t, StatusExecuting, g.Status)
	assert.Equal(t, parser.VerdictFail, g.ReviewVerdict)
}

func TestFailPinsGroup(t *testing.T) {
	m := NewManager(logger.Default())
	g := m.Create("goal", "", "th-1", "job-1", nil)

	g = m.Fail(g.ID, "agent exploded")
	assert.Equal(t, StatusError, g.Status)
	assert.Equal(t, "agent exploded", g.Error)
}

func TestGetReturnsCopy(t *testing.T) {
	m := NewManager(logger.Default())
	g := m.Create("goal", "", "th-1", "job-1", nil)
	m.PlanParsed(g.ID, sampleTasks(), false)

	copy1 := m.Get(g.ID)
	copy1.Tasks[0].Instruction = "mutated"

	copy2 := m.Get(g.ID)
	assert.Equal(t, "shrink header", copy2.Tasks[0].Instruction)
}
