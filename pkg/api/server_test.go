package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-dev/squadron/pkg/activity"
	"github.com/squadron-dev/squadron/pkg/commands"
	"github.com/squadron-dev/squadron/pkg/config"
	"github.com/squadron-dev/squadron/pkg/events"
	"github.com/squadron-dev/squadron/pkg/github"
	"github.com/squadron-dev/squadron/pkg/masking"
	"github.com/squadron-dev/squadron/pkg/models"
	"github.com/squadron-dev/squadron/pkg/pipeline"
	"github.com/squadron-dev/squadron/pkg/registry"
	"github.com/squadron-dev/squadron/pkg/services"
)

const testSecret = "hook-secret"

type apiFixture struct {
	srv     *Server
	handler http.Handler
	reg     *registry.Registry
	router  *events.Router
	act     *activity.Log
	engine  *stubEngine
}

type stubEngine struct {
	defs      map[string]*pipeline.Definition
	cancelled []string
}

func (s *stubEngine) Definitions() map[string]*pipeline.Definition { return s.defs }

func (s *stubEngine) CancelPipeline(_ context.Context, runID string) error {
	s.cancelled = append(s.cancelled, runID)
	return nil
}

func newAPIFixture(t *testing.T, queueSize int) *apiFixture {
	t.Helper()
	reg, err := registry.Open(context.Background(), registry.DefaultConfig(filepath.Join(t.TempDir(), "squadron.db")))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	store := config.NewStore(&config.Config{
		Project: config.ProjectConfig{Name: "widgets", Owner: "acme", Repo: "widgets"},
	})
	router := events.NewRouter(events.Config{QueueSize: queueSize}, commands.NewParser(commands.Config{}))
	act := activity.NewLog(reg, masking.NewMasker())
	engine := &stubEngine{defs: map[string]*pipeline.Definition{}}

	srv := NewServer(Options{
		Store:         store,
		Router:        router,
		Reg:           reg,
		WebhookSecret: testSecret,
		Dashboard:     services.NewDashboard(reg, engine),
		Activity:      act,
	})
	return &apiFixture{srv: srv, handler: srv.Handler(), reg: reg, router: router, act: act, engine: engine}
}

func deliver(t *testing.T, h http.Handler, event string, payload map[string]any, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	if sign {
		req.Header.Set("X-Hub-Signature-256", github.SignBody(testSecret, body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func issuePayload(repo string) map[string]any {
	return map[string]any{
		"action":     "opened",
		"issue":      map[string]any{"number": float64(7)},
		"sender":     map[string]any{"login": "alice", "type": "User"},
		"repository": map[string]any{"full_name": repo},
	}
}

func TestWebhookAcceptsSignedDelivery(t *testing.T) {
	f := newAPIFixture(t, 4)
	w := deliver(t, f.handler, "issues", issuePayload("acme/widgets"), true)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newAPIFixture(t, 4)
	w := deliver(t, f.handler, "issues", issuePayload("acme/widgets"), false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "signature")
}

func TestWebhookRejectsForeignRepo(t *testing.T) {
	f := newAPIFixture(t, 4)
	w := deliver(t, f.handler, "issues", issuePayload("evil/elsewhere"), true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookAnswers503WhenQueueFull(t *testing.T) {
	f := newAPIFixture(t, 1)
	// Router not started, so the first delivery fills the queue.
	w := deliver(t, f.handler, "issues", issuePayload("acme/widgets"), true)
	require.Equal(t, http.StatusAccepted, w.Code)
	w = deliver(t, f.handler, "issues", issuePayload("acme/widgets"), true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, 4)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestDashboardAuth(t *testing.T) {
	t.Setenv("SQUADRON_DASHBOARD_API_KEY", "sekrit")
	f := newAPIFixture(t, 4)

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agents", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/agents", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Webhook and health stay open.
	w = deliver(t, f.handler, "issues", issuePayload("acme/widgets"), true)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestListRunsAndGetRun(t *testing.T) {
	f := newAPIFixture(t, 4)
	ctx := context.Background()
	pr := 5
	require.NoError(t, f.reg.CreatePipelineRun(ctx, &models.PipelineRun{
		RunID: "run-1", PipelineName: "feature", Scope: models.ScopeSinglePR,
		Status: models.RunStatusRunning, PRNumber: &pr,
	}))

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dashboard/pipelines/runs?status=running", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var page services.RunsPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)

	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dashboard/pipelines/runs?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dashboard/pipelines/runs/run-1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dashboard/pipelines/runs/run-missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelRunEndpoint(t *testing.T) {
	f := newAPIFixture(t, 4)
	ctx := context.Background()
	require.NoError(t, f.reg.CreatePipelineRun(ctx, &models.PipelineRun{
		RunID: "run-live", PipelineName: "feature", Scope: models.ScopeIssue,
		Status: models.RunStatusRunning,
	}))
	require.NoError(t, f.reg.CreatePipelineRun(ctx, &models.PipelineRun{
		RunID: "run-done", PipelineName: "feature", Scope: models.ScopeIssue,
		Status: models.RunStatusCompleted,
	}))

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/dashboard/pipelines/runs/run-live/cancel", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"run-live"}, f.engine.cancelled)

	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/dashboard/pipelines/runs/run-done/cancel", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDashboardUnavailableWithoutService(t *testing.T) {
	srv := NewServer(Options{WebhookSecret: testSecret})
	h := srv.Handler()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agents", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStreamReplaysHistory(t *testing.T) {
	f := newAPIFixture(t, 4)
	ctx := context.Background()
	f.act.System(ctx, models.ActivityRecovery, "startup recovery finished", nil)
	f.act.System(ctx, models.ActivityReconcile, "sweep finished", nil)

	reqCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/dashboard/pipelines/stream?since=0", nil).WithContext(reqCtx)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	body := w.Body.String()
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	assert.True(t, strings.Count(body, "data:") >= 2, body)
	assert.Contains(t, body, "system.recovery")
	assert.Contains(t, body, "system.reconcile")
}
