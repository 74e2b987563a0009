package service

import (
	"context"
	"testing"
	"time"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/Harshitk-cp/conductor/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepTimeouts_TimesOutStaleProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.startedRun(t, "worker-1")
	h.ingest(t, runID, "evt-p", domain.EventRunProgress, `{}`)

	h.clock.Advance(14 * time.Minute)
	n, err := h.sweeper.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(2 * time.Minute)
	n, err = h.sweeper.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	run := h.run(t, runID)
	assert.Equal(t, domain.RunStatusTimedOut, run.Status)
	require.NotNil(t, run.ErrorCode)
	assert.Equal(t, domain.CodeTimeout, *run.ErrorCode)

	events, err := h.events.ListRunEvents(ctx, h.tenantID, runID, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, domain.EventRunTimedOut, events[len(events)-1].Type)
}

func TestSweepTimeouts_StaleStartedRunFails(t *testing.T) {
	h := newHarness(t)
	runID := h.startedRun(t, "worker-1")

	h.clock.Advance(20 * time.Minute)
	n, err := h.sweeper.SweepTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	run := h.run(t, runID)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.CodeTimeout, *run.ErrorCode)
}

func TestSweepTimeouts_RecentHeartbeatKeepsRunAlive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.startedRun(t, "worker-1")

	h.clock.Advance(20 * time.Minute)
	_, err := h.agents.UpdateAgentHealth(ctx, h.tenantID, "worker-1", HealthReport{Status: domain.AgentUp})
	require.NoError(t, err)

	n, err := h.sweeper.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, domain.RunStatusStarted, h.run(t, runID).Status)
}

func TestSweepTimeouts_IgnoresPausedRuns(t *testing.T) {
	h := newHarness(t)
	runID := h.startedRun(t, "worker-1")
	h.ingest(t, runID, "evt-paused", domain.EventRunPaused, `{}`)

	h.clock.Advance(time.Hour)
	n, err := h.sweeper.SweepTimeouts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, domain.RunStatusPaused, h.run(t, runID).Status)
}

func TestDrainQueue_AssignsWhenCapacityFrees(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerAgent(t, "worker-1", 1)
	jobID := h.submitJob(t, nil)
	first := h.assign(t, jobID, "worker-1")
	second := h.assign(t, jobID, "worker-1")
	third := h.assign(t, jobID, "worker-1")
	require.Equal(t, domain.RunStatusQueued, second.Status)

	stats, err := h.sweeper.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Assigned)

	h.ingest(t, first.RunID, "evt-start", domain.EventRunStarted, `{}`)
	h.ingest(t, first.RunID, "evt-done", domain.EventRunCompleted, `{}`)

	stats, err = h.sweeper.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Assigned)
	assert.Equal(t, domain.RunStatusAssigned, h.run(t, second.RunID).Status)
	assert.Equal(t, domain.RunStatusQueued, h.run(t, third.RunID).Status)
}

func TestDrainQueue_SaturatedBacklogDoesNotBlockOtherAgents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	jobID := h.submitJob(t, nil)

	h.registerAgent(t, "busy", 1)
	h.assign(t, jobID, "busy")
	for i := 0; i < sweepBatchSize+5; i++ {
		require.Equal(t, domain.RunStatusQueued, h.assign(t, jobID, "busy").Status)
	}

	h.registerAgent(t, "idle", 1)
	running := h.assign(t, jobID, "idle")
	waiting := h.assign(t, jobID, "idle")
	require.Equal(t, domain.RunStatusQueued, waiting.Status)
	h.ingest(t, running.RunID, "evt-start", domain.EventRunStarted, `{}`)
	h.ingest(t, running.RunID, "evt-done", domain.EventRunCompleted, `{}`)

	stats, err := h.sweeper.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Assigned)
	assert.Equal(t, domain.RunStatusAssigned, h.run(t, waiting.RunID).Status)

	n, err := h.db.Runs().CountByAgent(ctx, "busy", h.tenantID, []domain.RunStatus{domain.RunStatusQueued})
	require.NoError(t, err)
	assert.Equal(t, sweepBatchSize+5, n)
}

func TestDrainQueue_FailsRunsOfInactiveAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerAgent(t, "worker-1", 1)
	jobID := h.submitJob(t, nil)
	h.assign(t, jobID, "worker-1")
	queued := h.assign(t, jobID, "worker-1")

	_, err := h.agents.DeactivateAgent(ctx, h.tenantID, "worker-1", "")
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusQueued, h.run(t, queued.RunID).Status)

	stats, err := h.sweeper.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FailedUnassigned)

	run := h.run(t, queued.RunID)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.CodeAgentUnavailable, *run.ErrorCode)
}

func TestRetryTimedOut_WaitsForBackoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.startedRun(t, "worker-1")
	h.ingest(t, runID, "evt-p", domain.EventRunProgress, `{}`)
	h.ingest(t, runID, "evt-to", domain.EventRunTimedOut, `{}`)

	stats, err := h.sweeper.RetryTimedOut(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Requeued)
	assert.Equal(t, domain.RunStatusTimedOut, h.run(t, runID).Status)

	h.clock.Advance(domain.RetryBackoff(0) + time.Second)
	stats, err = h.sweeper.RetryTimedOut(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Requeued)

	run := h.run(t, runID)
	assert.Equal(t, domain.RunStatusQueued, run.Status)
	assert.Equal(t, 1, run.RetryCount)
	assert.Nil(t, run.ErrorCode)
}

func TestRetryTimedOut_ExhaustedBudgetFails(t *testing.T) {
	h := newHarness(t)
	h.registerAgent(t, "worker-1", 1)
	run := h.assign(t, h.submitJob(t, intPtr(0)), "worker-1")
	h.ingest(t, run.RunID, "evt-start", domain.EventRunStarted, `{}`)
	h.ingest(t, run.RunID, "evt-p", domain.EventRunProgress, `{}`)
	h.ingest(t, run.RunID, "evt-to", domain.EventRunTimedOut, `{}`)

	stats, err := h.sweeper.RetryTimedOut(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.RetriesExhausted)

	got := h.run(t, run.RunID)
	assert.Equal(t, domain.RunStatusFailed, got.Status)
	assert.Equal(t, domain.CodeTimeout, *got.ErrorCode)
	assert.Contains(t, *got.ErrorMessage, "retry limit (0)")
}

func TestCleanup_ExpiresEventsAndArtifacts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.startedRun(t, "worker-1")

	_, err := h.artifacts.RegisterArtifact(ctx, h.tenantID, RegisterArtifactInput{
		ArtifactID:    "scratch",
		RunID:         runID,
		Type:          "application/octet-stream",
		RetentionDays: intPtr(1),
	})
	require.NoError(t, err)
	_, err = h.artifacts.RegisterArtifact(ctx, h.tenantID, RegisterArtifactInput{
		ArtifactID: "report",
		RunID:      runID,
		Type:       "application/pdf",
	})
	require.NoError(t, err)

	h.clock.Advance(48 * time.Hour)
	stats, err := h.sweeper.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ArtifactsExpired)
	assert.Zero(t, stats.EventsDeleted)

	scratch, err := h.artifacts.GetArtifact(ctx, h.tenantID, "scratch")
	require.NoError(t, err)
	assert.NotNil(t, scratch.DeletedAt)
	_, err = h.artifacts.PresignDownload(ctx, h.tenantID, "scratch")
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	h.clock.Advance(30 * 24 * time.Hour)
	stats, err = h.sweeper.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.EventsDeleted)
	assert.Equal(t, int64(1), stats.ArtifactsExpired)

	totals, _ := h.sweeper.Totals()
	assert.Equal(t, int64(2), totals.ArtifactsExpired)
}

func TestSweeper_ScheduledJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID := h.startedRun(t, "worker-1")

	sched := scheduler.New(testLogger())
	h.sweeper.RegisterWith(sched, time.Hour, time.Hour)

	h.clock.Advance(time.Hour)
	ran, err := sched.RunNow(ctx, SweepJob)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, domain.RunStatusFailed, h.run(t, runID).Status)

	ran, err = sched.RunNow(ctx, CleanupJob)
	require.NoError(t, err)
	assert.True(t, ran)

	totals, passes := h.sweeper.Totals()
	assert.Equal(t, int64(1), totals.TimedOut)
	assert.Equal(t, int64(1), passes)
}

func TestSweeper_RunOnce(t *testing.T) {
	h := newHarness(t)
	h.registerAgent(t, "worker-1", 1)
	jobID := h.submitJob(t, nil)
	first := h.assign(t, jobID, "worker-1")
	queued := h.assign(t, jobID, "worker-1")
	h.ingest(t, first.RunID, "evt-start", domain.EventRunStarted, `{}`)

	h.clock.Advance(time.Hour)
	stats, err := h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TimedOut)
	assert.Equal(t, int64(1), stats.Assigned)
	assert.Equal(t, domain.RunStatusAssigned, h.run(t, queued.RunID).Status)
}
