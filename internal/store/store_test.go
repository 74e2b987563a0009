package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// These tests run against a scratch database named by
// CONDUCTOR_TEST_DATABASE_URL and are skipped otherwise.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("CONDUCTOR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CONDUCTOR_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool, "../../migrations", zap.NewNop()))
	return pool
}

func seedRun(t *testing.T, pool *pgxpool.Pool) (*domain.Tenant, *domain.Agent, *domain.Run) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	tenant := &domain.Tenant{Name: "store-test", APIKeyHash: uuid.NewString()}
	require.NoError(t, NewTenantStore(pool).Create(ctx, tenant))

	agent := &domain.Agent{
		TenantID:     tenant.ID,
		AgentID:      "agent-" + uuid.NewString()[:8],
		Name:         "Summarizer",
		Capabilities: []string{"summarize"},
		Health:       domain.AgentHealth{Status: domain.AgentUp, MaxConcurrency: 1},
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, NewAgentStore(pool).Upsert(ctx, agent))

	job := &domain.Job{
		ID:            uuid.New(),
		TenantID:      tenant.ID,
		CorrelationID: uuid.NewString(),
		Intent:        "summarize",
		Inputs:        json.RawMessage(`{"doc":"a"}`),
		CreatedBy:     "tester",
		CreatedAt:     now,
	}
	require.NoError(t, NewJobStore(pool).Create(ctx, job))

	run := &domain.Run{
		ID:              uuid.New(),
		TenantID:        tenant.ID,
		JobID:           job.ID,
		AssignedAgentID: agent.AgentID,
		Status:          domain.RunStatusAssigned,
		CapabilityUsed:  "summarize",
		CorrelationID:   job.CorrelationID,
		MaxRetries:      3,
		LastEventAt:     now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, NewRunStore(pool).Create(ctx, run))
	return tenant, agent, run
}

func TestRunStore_RoundTripAndCount(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	tenant, agent, run := seedRun(t, pool)
	runs := NewRunStore(pool)

	got, err := runs.GetByID(ctx, run.ID, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusAssigned, got.Status)
	assert.Nil(t, got.LastCommand)

	now := time.Now().UTC()
	require.NoError(t, got.Transition(domain.RunStatusStarted, now))
	got.LastCommand = &domain.Command{Type: domain.CommandPause, IssuedAt: now}
	require.NoError(t, runs.Update(ctx, got))

	again, err := runs.GetByID(ctx, run.ID, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusStarted, again.Status)
	require.NotNil(t, again.LastCommand)
	assert.True(t, again.LastCommand.Pending())

	n, err := runs.CountByAgent(ctx, agent.AgentID, tenant.ID, domain.ActiveRunStatuses())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = runs.GetByID(ctx, run.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventStore_DuplicateInsideTx(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	tenant, _, run := seedRun(t, pool)
	events := NewEventStore(pool)
	now := time.Now().UTC()

	e := &domain.Event{
		TenantID:  tenant.ID,
		RunID:     run.ID,
		EventID:   "evt-1",
		Type:      domain.EventRunStarted,
		Timestamp: now,
		ExpiresAt: now.Add(domain.EventRetention),
		CreatedAt: now,
	}

	err := NewDB(pool).WithinTx(ctx, func(ctx context.Context) error {
		if err := events.Create(ctx, e); err != nil {
			return err
		}
		if err := events.Create(ctx, e); !errors.Is(err, ErrConflict) {
			return err
		}
		// The transaction must still be usable after the duplicate.
		_, err := events.Get(ctx, tenant.ID, run.ID, "evt-1")
		return err
	})
	require.NoError(t, err)
}

func TestRunStore_ListDrainableSkipsSaturatedAgent(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	tenant, agent, run := seedRun(t, pool)
	runs := NewRunStore(pool)

	queued := *run
	queued.ID = uuid.New()
	queued.Status = domain.RunStatusQueued
	queued.CreatedAt = run.CreatedAt.Add(time.Second)
	require.NoError(t, runs.Create(ctx, &queued))

	drainable, err := runs.ListDrainable(ctx, domain.ActiveRunStatuses(), 10000)
	require.NoError(t, err)
	for _, d := range drainable {
		assert.NotEqual(t, queued.ID, d.ID)
	}

	require.NoError(t, run.Transition(domain.RunStatusStarted, time.Now().UTC()))
	require.NoError(t, run.Transition(domain.RunStatusCompleted, time.Now().UTC()))
	require.NoError(t, runs.Update(ctx, run))

	drainable, err = runs.ListDrainable(ctx, domain.ActiveRunStatuses(), 10000)
	require.NoError(t, err)
	var found bool
	for _, d := range drainable {
		found = found || (d.ID == queued.ID && d.TenantID == tenant.ID && d.AssignedAgentID == agent.AgentID)
	}
	assert.True(t, found)
}

func TestEventStore_CursorPastSharedTimestamp(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	tenant, _, run := seedRun(t, pool)
	events := NewEventStore(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	for _, e := range []struct {
		id  string
		typ domain.EventType
	}{
		{"evt-a", domain.EventRunProgress},
		{"evt-b", domain.EventRunProgress},
		{"evt-c", domain.CommandEventType(domain.CommandPause)},
	} {
		require.NoError(t, events.Create(ctx, &domain.Event{
			TenantID: tenant.ID, RunID: run.ID, EventID: e.id, Type: e.typ,
			Timestamp: now, ExpiresAt: now.Add(domain.EventRetention), CreatedAt: now,
		}))
	}

	next, err := events.ListByRun(ctx, run.ID, tenant.ID, domain.EventQuery{AfterEventID: "evt-a", Limit: 10})
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, "evt-b", next[0].EventID)

	control, err := events.ListByRun(ctx, run.ID, tenant.ID, domain.EventQuery{ControlOnly: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, control, 1)
	assert.Equal(t, "evt-c", control[0].EventID)
}

func TestArtifactStore_ExpiryListing(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	tenant, _, run := seedRun(t, pool)
	artifacts := NewArtifactStore(pool)
	created := time.Now().UTC().Add(-48 * time.Hour)

	a := &domain.Artifact{
		TenantID:      tenant.ID,
		ArtifactID:    "art-" + uuid.NewString(),
		RunID:         run.ID,
		Type:          "report",
		RetentionDays: 1,
		CreatedAt:     created,
		ExpiresAt:     domain.ArtifactExpiry(created, 1),
	}
	require.NoError(t, artifacts.Create(ctx, a))
	assert.ErrorIs(t, artifacts.Create(ctx, a), ErrConflict)

	expired, err := artifacts.ListExpired(ctx, time.Now().UTC(), 1000)
	require.NoError(t, err)
	found := false
	for _, x := range expired {
		if x.ArtifactID == a.ArtifactID {
			found = true
		}
	}
	assert.True(t, found)
}
