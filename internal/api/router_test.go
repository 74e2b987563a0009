package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Harshitk-cp/conductor/internal/api/middleware"
	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/Harshitk-cp/conductor/internal/storage"
	"github.com/Harshitk-cp/conductor/internal/store/memstore"
	"github.com/Harshitk-cp/conductor/internal/webhook"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSecret        = "router-test-secret"
	testOperatorToken = "router-test-operator"
)

type testServer struct {
	t        *testing.T
	app      *App
	apiKey   string
	tenantID string
}

func defaultOptions() Options {
	return Options{
		WebhookSecret:   testSecret,
		OperatorToken:   testOperatorToken,
		Presigner:       storage.NewSignedURLPresigner("https://blobs.test", "blob-secret"),
		RateLimitRPS:    1000,
		RateLimitBurst:  1000,
		SubmitPerMinute: 1000,
		SubmitBurst:     1000,
		SweepInterval:   time.Minute,
		CleanupInterval: time.Hour,
	}
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, defaultOptions())
}

func newTestServerWith(t *testing.T, opts Options) *testServer {
	t.Helper()
	app := NewApp(MemoryStores(memstore.New()), opts, zap.NewNop())
	s := &testServer{t: t, app: app}

	rec := s.do(http.MethodPost, "/v1/tenants", map[string]string{"name": "acme"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID     string `json:"id"`
		APIKey string `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	s.apiKey = created.APIKey
	s.tenantID = created.ID
	return s
}

func (s *testServer) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	s.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(s.t, err)
	}
	return s.doRaw(method, path, raw, headers)
}

func (s *testServer) doRaw(method, path string, raw []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.app.Router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) public(method, path string, body any) *httptest.ResponseRecorder {
	return s.do(method, path, body, map[string]string{"Authorization": "Bearer " + s.apiKey})
}

// agent sends raw signed with the shared secret.
func (s *testServer) agent(method, path string, raw []byte) *httptest.ResponseRecorder {
	return s.doRaw(method, path, raw, map[string]string{
		middleware.TenantHeader: s.tenantID,
		webhook.Header:          webhook.Sign(testSecret, time.Now(), raw),
	})
}

func (s *testServer) event(runID, eventType string, payload any) *httptest.ResponseRecorder {
	s.t.Helper()
	rawPayload, err := json.Marshal(payload)
	require.NoError(s.t, err)
	body, err := json.Marshal(map[string]any{
		"event_id": uuid.NewString(),
		"type":     eventType,
		"payload":  json.RawMessage(rawPayload),
	})
	require.NoError(s.t, err)
	return s.doRaw(http.MethodPost, "/agent/v1/runs/"+runID+"/events", body, map[string]string{
		middleware.TenantHeader: s.tenantID,
		webhook.Header:          webhook.Sign(testSecret, time.Now(), rawPayload),
	})
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// startRun registers an agent, submits a job and assigns a run to it.
func (s *testServer) startRun(agentID string) string {
	s.t.Helper()
	rec := s.public(http.MethodPut, "/v1/agents/"+agentID, map[string]any{
		"name":            "Worker",
		"capabilities":    []string{"summarize"},
		"max_concurrency": 2,
	})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.public(http.MethodPost, "/v1/jobs", map[string]any{
		"intent": "summarize",
		"inputs": map[string]any{"doc": "q3.pdf"},
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decodeBody[map[string]string](s.t, rec)

	rec = s.public(http.MethodPost, "/v1/jobs/"+job["job_id"]+"/runs", map[string]any{
		"agent_id":   agentID,
		"capability": "summarize",
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decodeBody[map[string]string](s.t, rec)
	require.Equal(s.t, "assigned", run["status"])
	return run["run_id"]
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "ok", health["status"])

	rec = s.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	metrics := decodeBody[map[string]any](t, rec)
	assert.Contains(t, metrics, "requests")
	assert.Contains(t, metrics, "sweeper")
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

func TestPublicSurfaceRequiresAPIKey(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/v1/jobs", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/v1/jobs", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.public(http.MethodGet, "/v1/tenants/me", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeBody[map[string]any](t, rec)
	assert.Equal(t, s.tenantID, me["id"])
	assert.Equal(t, "acme", me["name"])
}

func TestCreateTenantRequiresName(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/v1/tenants", map[string]string{"name": "  "}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	runID := s.startRun("worker-1")

	rec := s.event(runID, "run.started", map[string]any{"message": "go"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, res["ok"])
	assert.Equal(t, "started", res["status"])

	rec = s.event(runID, "run.progress", map[string]any{"percent": 50})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.event(runID, "run.completed", map[string]any{
		"artifacts": []map[string]any{{
			"artifact_id": "summary-1",
			"type":        "summary",
			"uri":         "s3://bucket/summary.md",
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.public(http.MethodGet, "/v1/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decodeBody[domain.Run](t, rec)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.NotNil(t, run.EndedAt)

	rec = s.public(http.MethodGet, "/v1/runs/"+runID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody[struct {
		Events []domain.Event `json:"events"`
	}](t, rec)
	assert.Len(t, events.Events, 3)

	rec = s.public(http.MethodGet, "/v1/runs/"+runID+"/artifacts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	artifacts := decodeBody[struct {
		Artifacts []domain.Artifact `json:"artifacts"`
	}](t, rec)
	require.Len(t, artifacts.Artifacts, 1)
	assert.Equal(t, "summary-1", artifacts.Artifacts[0].ArtifactID)

	rec = s.public(http.MethodPost, "/v1/artifacts/summary-1/download-url", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	url := decodeBody[storage.PresignedURL](t, rec)
	assert.Contains(t, url.URL, "https://blobs.test/")
	assert.Equal(t, http.MethodGet, url.Method)

	// Terminal runs reject further commands.
	rec = s.public(http.MethodPost, "/v1/runs/"+runID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	cmd := decodeBody[map[string]any](t, rec)
	assert.Equal(t, false, cmd["ok"])
	assert.NotEmpty(t, cmd["error"])
}

func TestEventRejectedWithBadSignature(t *testing.T) {
	s := newTestServer(t)
	runID := s.startRun("worker-1")

	body := []byte(`{"event_id":"e1","type":"run.started","payload":{}}`)
	rec := s.doRaw(http.MethodPost, "/agent/v1/runs/"+runID+"/events", body, map[string]string{
		middleware.TenantHeader: s.tenantID,
		webhook.Header:          webhook.Sign("wrong-secret", time.Now(), []byte(`{}`)),
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	errBody := decodeBody[map[string]string](t, rec)
	assert.Equal(t, string(domain.CodeHMACVerificationFailed), errBody["code"])

	rec = s.public(http.MethodGet, "/v1/runs/"+runID, nil)
	run := decodeBody[domain.Run](t, rec)
	assert.Equal(t, domain.RunStatusAssigned, run.Status)
}

func TestAgentSurfaceRequiresTenantHeader(t *testing.T) {
	s := newTestServer(t)
	runID := s.startRun("worker-1")

	rec := s.doRaw(http.MethodGet, "/agent/v1/runs/"+runID+"/events", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.doRaw(http.MethodGet, "/agent/v1/runs/"+runID+"/events", nil, map[string]string{
		middleware.TenantHeader: "not-a-uuid",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.doRaw(http.MethodGet, "/agent/v1/runs/"+runID+"/events", nil, map[string]string{
		middleware.TenantHeader: uuid.NewString(),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPauseAckFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	runID := s.startRun("worker-1")
	require.Equal(t, http.StatusOK, s.event(runID, "run.started", map[string]any{}).Code)

	rec := s.public(http.MethodPost, "/v1/runs/"+runID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Unsigned polls are rejected.
	rec = s.doRaw(http.MethodGet, "/agent/v1/runs/"+runID+"/events?control=true", nil, map[string]string{
		middleware.TenantHeader: s.tenantID,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.agent(http.MethodGet, "/agent/v1/runs/"+runID+"/events?control=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	control := decodeBody[struct {
		Events []domain.Event `json:"events"`
	}](t, rec)
	require.Len(t, control.Events, 1)
	assert.Equal(t, domain.EventType("command.pause"), control.Events[0].Type)

	rec = s.agent(http.MethodPost, "/agent/v1/runs/"+runID+"/ack", []byte(`{"command":"pause"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Equal(t, http.StatusOK, s.event(runID, "run.paused", map[string]any{}).Code)
	rec = s.public(http.MethodGet, "/v1/runs/"+runID, nil)
	run := decodeBody[domain.Run](t, rec)
	assert.Equal(t, domain.RunStatusPaused, run.Status)
	require.NotNil(t, run.LastCommand)
	assert.NotNil(t, run.LastCommand.AcknowledgedAt)
}

func TestCancelOverHTTP(t *testing.T) {
	s := newTestServer(t)
	runID := s.startRun("worker-1")

	rec := s.public(http.MethodPost, "/v1/runs/"+runID+"/cancel", map[string]string{"reason": "no longer needed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.public(http.MethodGet, "/v1/runs/"+runID, nil)
	run := decodeBody[domain.Run](t, rec)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "no longer needed")

	rec = s.public(http.MethodPost, "/v1/runs/"+runID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHeartbeatOverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.startRun("worker-1")

	rec := s.agent(http.MethodPost, "/agent/v1/agents/worker-1/heartbeat", []byte(`{"status":"down","queue_length":4}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	health := decodeBody[domain.AgentHealth](t, rec)
	assert.Equal(t, domain.AgentDown, health.Status)
	assert.Equal(t, 4, health.QueueLength)
	assert.NotNil(t, health.LastHeartbeatAt)

	rec = s.public(http.MethodGet, "/v1/agents/match?capability=summarize", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	match := decodeBody[struct {
		Agents []domain.Agent `json:"agents"`
	}](t, rec)
	require.Len(t, match.Agents, 1)
	assert.Equal(t, domain.AgentDown, match.Agents[0].Health.Status)
}

func TestAgentEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.public(http.MethodPut, "/v1/agents/worker-1", map[string]any{
		"agent_id":     "someone-else",
		"name":         "Worker",
		"capabilities": []string{"summarize"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	runID := s.startRun("worker-1")

	rec = s.public(http.MethodGet, "/v1/agents/worker-1/runs?status=assigned", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeBody[struct {
		Runs []domain.Run `json:"runs"`
	}](t, rec)
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, runID, runs.Runs[0].ID.String())

	rec = s.public(http.MethodPost, "/v1/agents/worker-1/deactivate", map[string]string{"reason": "maintenance"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.public(http.MethodGet, "/v1/agents?active=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := decodeBody[struct {
		Agents []domain.Agent `json:"agents"`
	}](t, rec)
	assert.Empty(t, active.Agents)

	rec = s.public(http.MethodGet, "/v1/runs/"+runID, nil)
	run := decodeBody[domain.Run](t, rec)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
}

func TestErrorStatusMapping(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown run", http.MethodGet, "/v1/runs/" + uuid.NewString(), nil, http.StatusNotFound},
		{"malformed run id", http.MethodGet, "/v1/runs/not-a-uuid", nil, http.StatusBadRequest},
		{"unknown agent", http.MethodGet, "/v1/agents/ghost", nil, http.StatusNotFound},
		{"unknown artifact", http.MethodGet, "/v1/artifacts/ghost", nil, http.StatusNotFound},
		{"missing intent", http.MethodPost, "/v1/jobs", map[string]any{"intent": ""}, http.StatusBadRequest},
		{"retention required", http.MethodPut, "/v1/artifacts/ghost/retention", map[string]any{}, http.StatusBadRequest},
		{"unknown sweep job", http.MethodPost, "/v1/sweeps/bogus", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.public(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestCapabilityMismatchIsUnprocessable(t *testing.T) {
	s := newTestServer(t)
	s.startRun("worker-1")

	rec := s.public(http.MethodPost, "/v1/jobs", map[string]any{"intent": "translate"})
	job := decodeBody[map[string]string](t, rec)

	rec = s.public(http.MethodPost, "/v1/jobs/"+job["job_id"]+"/runs", map[string]any{
		"agent_id":   "worker-1",
		"capability": "translate",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	errBody := decodeBody[map[string]string](t, rec)
	assert.Equal(t, string(domain.CodeCapabilityUnsupported), errBody["code"])
}

func TestTriggerSweep(t *testing.T) {
	s := newTestServer(t)
	operator := map[string]string{middleware.OperatorHeader: testOperatorToken}

	for _, job := range []string{"sweep", "cleanup"} {
		rec := s.do(http.MethodPost, "/v1/sweeps/"+job, nil, operator)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decodeBody[map[string]any](t, rec)
		assert.Equal(t, true, body["ran"])
	}

	_, passes := s.app.Sweeper.Totals()
	assert.Equal(t, int64(1), passes)

	rec := s.do(http.MethodPost, "/v1/sweeps/unknown", nil, operator)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerSweep_RequiresOperatorToken(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"tenant api key", map[string]string{"Authorization": "Bearer " + s.apiKey}},
		{"wrong token", map[string]string{middleware.OperatorHeader: "not-the-token"}},
		{"no credentials", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/v1/sweeps/sweep", nil, tt.headers)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	_, passes := s.app.Sweeper.Totals()
	assert.Zero(t, passes)
}

func TestTriggerSweep_DisabledWithoutToken(t *testing.T) {
	opts := defaultOptions()
	opts.OperatorToken = ""
	s := newTestServerWith(t, opts)

	rec := s.do(http.MethodPost, "/v1/sweeps/sweep", nil, map[string]string{"Authorization": "Bearer " + s.apiKey})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGlobalRateLimit(t *testing.T) {
	opts := defaultOptions()
	opts.RateLimitRPS = 0.001
	opts.RateLimitBurst = 2
	s := newTestServerWith(t, opts)

	// The tenant bootstrap consumed one token.
	rec := s.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestSubmitRateLimitPerCaller(t *testing.T) {
	opts := defaultOptions()
	opts.SubmitPerMinute = 1
	opts.SubmitBurst = 1
	s := newTestServerWith(t, opts)

	submit := func(caller string) int {
		return s.do(http.MethodPost, "/v1/jobs", map[string]any{"intent": "summarize"}, map[string]string{
			"Authorization": "Bearer " + s.apiKey,
			"X-Created-By":  caller,
		}).Code
	}

	assert.Equal(t, http.StatusCreated, submit("alice"))
	assert.Equal(t, http.StatusTooManyRequests, submit("alice"))
	assert.Equal(t, http.StatusCreated, submit("bob"))
}
