package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/Harshitk-cp/conductor/internal/storage"
	"github.com/Harshitk-cp/conductor/internal/store/memstore"
	"github.com/Harshitk-cp/conductor/internal/webhook"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-signing-secret"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// harness wires every service over one in-memory store and a shared clock.
type harness struct {
	db       *memstore.DB
	clock    *fakeClock
	tenantID uuid.UUID

	jobs      *JobService
	runs      *RunService
	agents    *AgentService
	events    *EventService
	commands  *CommandService
	artifacts *ArtifactService
	sweeper   *SweeperService
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithSecret(t, "")
}

func newHarnessWithSecret(t *testing.T, secret string) *harness {
	t.Helper()
	db := memstore.New()
	clock := newFakeClock()
	logger := testLogger()

	verifier := webhook.NewVerifier(secret)
	verifier.SetClock(clock.Now)

	h := &harness{
		db:        db,
		clock:     clock,
		tenantID:  uuid.New(),
		jobs:      NewJobService(db.Jobs(), nil, logger),
		runs:      NewRunService(db, db.Jobs(), db.Runs(), db.Agents(), logger),
		agents:    NewAgentService(db, db.Agents(), db.Runs(), db.Events(), logger),
		events:    NewEventService(db, db.Runs(), db.Events(), db.Artifacts(), db.Agents(), verifier, logger),
		commands:  NewCommandService(db, db.Runs(), db.Events(), logger),
		artifacts: NewArtifactService(db.Runs(), db.Artifacts(), storage.NewSignedURLPresigner("https://blobs.test", "blob-secret"), logger),
		sweeper:   NewSweeperService(db, db.Runs(), db.Agents(), db.Events(), db.Artifacts(), logger),
	}
	h.jobs.now = clock.Now
	h.runs.now = clock.Now
	h.agents.now = clock.Now
	h.events.now = clock.Now
	h.commands.now = clock.Now
	h.artifacts.now = clock.Now
	h.sweeper.now = clock.Now

	require.NoError(t, db.Tenants().Create(context.Background(), &domain.Tenant{
		ID:        h.tenantID,
		Name:      "acme",
		CreatedAt: clock.Now(),
		UpdatedAt: clock.Now(),
	}))
	return h
}

func (h *harness) registerAgent(t *testing.T, agentID string, maxConcurrency int, caps ...string) *domain.Agent {
	t.Helper()
	if len(caps) == 0 {
		caps = []string{"summarize"}
	}
	a, err := h.agents.UpsertAgent(context.Background(), h.tenantID, AgentDescriptor{
		AgentID:        agentID,
		Name:           agentID,
		Version:        "1.0.0",
		Capabilities:   caps,
		MaxConcurrency: maxConcurrency,
	})
	require.NoError(t, err)
	return a
}

func (h *harness) submitJob(t *testing.T, maxRetries *int) uuid.UUID {
	t.Helper()
	res, err := h.jobs.SubmitJob(context.Background(), h.tenantID, "tester", SubmitJobInput{
		Intent:      "summarize the quarterly report",
		Inputs:      json.RawMessage(`{"doc":"q3.pdf"}`),
		Constraints: domain.Constraints{MaxRetries: maxRetries},
	})
	require.NoError(t, err)
	return res.JobID
}

func (h *harness) assign(t *testing.T, jobID uuid.UUID, agentID string) *AssignRunResult {
	t.Helper()
	res, err := h.runs.AssignRun(context.Background(), h.tenantID, AssignRunInput{
		JobID:      jobID,
		AgentID:    agentID,
		Capability: "summarize",
	})
	require.NoError(t, err)
	return res
}

func (h *harness) ingest(t *testing.T, runID uuid.UUID, eventID string, typ domain.EventType, payload string) *IngestResult {
	t.Helper()
	res, err := h.events.IngestEvent(context.Background(), IngestEventInput{
		TenantID: h.tenantID,
		RunID:    runID,
		EventID:  eventID,
		Type:     typ,
		Payload:  json.RawMessage(payload),
	})
	require.NoError(t, err)
	return res
}

// startedRun returns a run moved to started on a fresh single-slot agent.
func (h *harness) startedRun(t *testing.T, agentID string) uuid.UUID {
	t.Helper()
	h.registerAgent(t, agentID, 1)
	run := h.assign(t, h.submitJob(t, nil), agentID)
	h.ingest(t, run.RunID, "start-"+run.RunID.String(), domain.EventRunStarted, `{}`)
	return run.RunID
}

func (h *harness) run(t *testing.T, runID uuid.UUID) *domain.Run {
	t.Helper()
	r, err := h.runs.GetRun(context.Background(), h.tenantID, runID)
	require.NoError(t, err)
	return r
}

func intPtr(v int) *int {
	return &v
}
