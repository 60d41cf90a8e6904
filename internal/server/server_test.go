package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popmelt/bridge/internal/agent"
	"github.com/popmelt/bridge/internal/common/config"
	"github.com/popmelt/bridge/internal/common/logger"
	"github.com/popmelt/bridge/internal/decision"
	"github.com/popmelt/bridge/internal/job"
	"github.com/popmelt/bridge/internal/model"
	"github.com/popmelt/bridge/internal/orchestrator"
	"github.com/popmelt/bridge/internal/plan"
	"github.com/popmelt/bridge/internal/project"
	"github.com/popmelt/bridge/internal/scratch"
	"github.com/popmelt/bridge/internal/sse"
	"github.com/popmelt/bridge/internal/thread"
)

// newTestServer builds a full server over temp dirs. The queue has no
// processor registered, so submitted jobs stay queued and handlers can be
// exercised without spawning agents.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := logger.Default()

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Queue.MaxConcurrent = 2
	cfg.Agent.DefaultProvider = "claude"
	cfg.Events.RecentCapacity = 20
	cfg.Events.RecentTTL = 300
	cfg.History.Limit = 6

	proj, err := project.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, proj.EnsureDirs())

	scratchMgr, err := scratch.NewManager(t.TempDir(), time.Hour, time.Hour, log)
	require.NoError(t, err)

	threads := thread.NewStore(proj.ThreadsPath(), log)
	t.Cleanup(threads.Close)

	decisions := decision.NewStore(proj, time.Second, log)
	models := model.NewStore(proj.ModelPath(), log)
	matIndex := model.NewIndex(proj.MaterializedPath(), log)
	plans := plan.NewManager(log)
	registry := agent.NewRegistry("", log)
	queue := job.NewQueue(cfg.Queue.MaxConcurrent, cfg.Queue.MaxSize, log)
	hub := sse.NewHub(cfg.Events.RecentCapacity, cfg.Events.RecentTTLDuration(), log)
	mat := orchestrator.NewMaterializer(queue, decisions, models, matIndex,
		cfg.Agent.DefaultProvider, log)

	return New(cfg, proj, queue, hub, registry, threads, plans, models, mat, scratchMgr, log)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

const testFeedback = `{
	"url": "http://localhost:3000/",
	"viewport": {"w": 1280, "h": 800},
	"annotations": [{"id": "ann-1", "type": "note", "instruction": "bigger",
		"elements": [{"selector": ".hero"}]}]
}`

func sendRequest(t *testing.T, s *Server, fields map[string]string, files map[string][]byte, path string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for name, value := range fields {
		require.NoError(t, w.WriteField(name, value))
	}
	for name, data := range files {
		fw, err := w.CreateFormFile(name, name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusShape(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, s.proj.ID(), body["projectId"])
	assert.Equal(t, float64(0), body["queueDepth"])
}

func TestPreflightReturns204(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/send", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSRejectsNonLoopback(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSendCreatesJobAndThread(t *testing.T) {
	s := newTestServer(t)

	w := sendRequest(t, s,
		map[string]string{"feedback": testFeedback, "sourceId": "tab-1"},
		map[string][]byte{"screenshot": []byte("png")},
		"/send")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.NotEmpty(t, body["jobId"])
	assert.Equal(t, float64(0), body["position"])

	threadID := body["threadId"].(string)
	require.NotEmpty(t, threadID)

	th := s.threads.GetThread(threadID)
	require.NotNil(t, th)
	require.Len(t, th.Messages, 1)
	assert.Equal(t, thread.RoleHuman, th.Messages[0].Role)
	assert.Equal(t, []string{"ann-1"}, th.Messages[0].AnnotationIDs)
	assert.Equal(t, 1, s.queue.Depth())
}

func TestSendContinuesThreadByElement(t *testing.T) {
	s := newTestServer(t)

	w := sendRequest(t, s, map[string]string{"feedback": testFeedback},
		map[string][]byte{"screenshot": []byte("png")}, "/send")
	first := decode(t, w)

	w = sendRequest(t, s, map[string]string{"feedback": testFeedback},
		map[string][]byte{"screenshot": []byte("png")}, "/send")
	second := decode(t, w)

	assert.Equal(t, first["threadId"], second["threadId"],
		"same .hero selector lands on the same thread")
}

func TestSendRequiresScreenshot(t *testing.T) {
	s := newTestServer(t)
	w := sendRequest(t, s, map[string]string{"feedback": testFeedback}, nil, "/send")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReplyJSON(t *testing.T) {
	s := newTestServer(t)

	w := sendRequest(t, s, map[string]string{"feedback": testFeedback},
		map[string][]byte{"screenshot": []byte("png")}, "/send")
	threadID := decode(t, w)["threadId"].(string)

	w = doJSON(t, s, http.MethodPost, "/reply", map[string]string{
		"threadId": threadID,
		"reply":    "actually make it red",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, threadID, decode(t, w)["threadId"])

	th := s.threads.GetThread(threadID)
	require.Len(t, th.Messages, 2)
	assert.Equal(t, "actually make it red", th.Messages[1].Reply)
}

func TestReplyUnknownThread(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/reply", map[string]string{
		"threadId": "missing", "reply": "hi",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReplyRequiresReply(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/reply", map[string]string{"threadId": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelUnknownJob(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/cancel?jobId=nope", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["cancelled"])
}

func TestCancelQueuedJob(t *testing.T) {
	s := newTestServer(t)
	w := sendRequest(t, s, map[string]string{"feedback": testFeedback},
		map[string][]byte{"screenshot": []byte("png")}, "/send")
	jobID := decode(t, w)["jobId"].(string)

	w = doJSON(t, s, http.MethodPost, "/cancel?jobId="+jobID, nil)
	assert.Equal(t, true, decode(t, w)["cancelled"])
	assert.Equal(t, 0, s.queue.Depth())
}

func TestPlanLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := sendRequest(t, s,
		map[string]string{"goal": "refresh the pricing page"},
		map[string][]byte{"screenshot": []byte("png")},
		"/plan")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	planID := body["planId"].(string)
	require.NotEmpty(t, planID)
	assert.NotEmpty(t, body["threadId"])

	// Approval before the planner finishes is a conflict.
	w = doJSON(t, s, http.MethodPost, "/plan/approve", map[string]any{"planId": planID})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, s, http.MethodGet, "/plan/"+planID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, plan.StatusPlanning, decode(t, w)["status"])

	w = doJSON(t, s, http.MethodGet, "/plan/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func nextJob(t *testing.T, jobs <-chan *job.Job) *job.Job {
	t.Helper()
	select {
	case j := <-jobs:
		return j
	case <-time.After(2 * time.Second):
		t.Fatal("no job reached the processor in time")
		return nil
	}
}

func TestReplyOnPlanningThreadResumesPlanner(t *testing.T) {
	s := newTestServer(t)
	jobs := make(chan *job.Job, 4)
	s.queue.SetProcessor(func(ctx context.Context, j *job.Job) { jobs <- j })

	w := sendRequest(t, s,
		map[string]string{"goal": "polish the header"},
		map[string][]byte{"screenshot": []byte("png")},
		"/plan")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	planID := body["planId"].(string)
	threadID := body["threadId"].(string)

	planner := nextJob(t, jobs)
	require.Equal(t, job.PhasePlanner, planner.Phase)

	// The planner asked for clarification; the group stays in planning.
	s.plans.PlanParsed(planID, nil, true)

	w = doJSON(t, s, http.MethodPost, "/reply", map[string]string{
		"threadId": threadID,
		"reply":    "desktop only, keep the logo",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The follow-up rejoins the planner phase for the same group.
	followUp := nextJob(t, jobs)
	assert.Equal(t, job.PhasePlanner, followUp.Phase)
	assert.Equal(t, planID, followUp.PlanID)
	assert.Equal(t, "polish the header", followUp.Goal)
	assert.Equal(t, "desktop only, keep the logo", followUp.Reply)
}

func TestPlanRequiresGoal(t *testing.T) {
	s := newTestServer(t)
	w := sendRequest(t, s, nil, map[string][]byte{"screenshot": []byte("png")}, "/plan")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestModelCRUD(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPatch, "/model/tokens/space", "8px")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "added", decode(t, w)["result"])

	w = doJSON(t, s, http.MethodGet, "/model/tokens/space", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `"8px"`, w.Body.String())

	w = doJSON(t, s, http.MethodGet, "/model", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "tokens")

	w = doJSON(t, s, http.MethodDelete, "/model/tokens/space", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "removed", decode(t, w)["result"])

	w = doJSON(t, s, http.MethodGet, "/model/tokens/space", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestThreadGetStripsScreenshotPaths(t *testing.T) {
	s := newTestServer(t)

	w := sendRequest(t, s, map[string]string{"feedback": testFeedback},
		map[string][]byte{"screenshot": []byte("png")}, "/send")
	threadID := decode(t, w)["threadId"].(string)

	// Stored message has the scratch path; the API response must not.
	require.NotEmpty(t, s.threads.GetThread(threadID).Messages[0].ScreenshotPath)

	w = doJSON(t, s, http.MethodGet, "/thread/"+threadID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "screenshotPath")
}

func TestMaterializeSkippedWithoutDecisions(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodPost, "/materialize", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, true, body["skipped"])
	assert.NotEmpty(t, body["reason"])
}

func TestCapabilitiesShape(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/capabilities", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	providers := body["providers"].(map[string]any)
	assert.Contains(t, providers, "claude")
	assert.Contains(t, providers, "codex")
}
