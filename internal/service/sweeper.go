package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/Harshitk-cp/conductor/internal/observability"
	"github.com/Harshitk-cp/conductor/internal/scheduler"
	"github.com/Harshitk-cp/conductor/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	// Rows handled per pass of each sweep.
	sweepBatchSize = 100

	// A run with no events and no agent heartbeat for this long is timed out.
	staleRunAfter = 15 * time.Minute

	SweepJob   = "sweep"
	CleanupJob = "cleanup"
)

var staleCandidateStatuses = []domain.RunStatus{
	domain.RunStatusStarted,
	domain.RunStatusProgress,
	domain.RunStatusBlocked,
}

type SweepStats struct {
	TimedOut         int64 `json:"timed_out"`
	Assigned         int64 `json:"assigned"`
	FailedUnassigned int64 `json:"failed_unassigned"`
	Requeued         int64 `json:"requeued"`
	RetriesExhausted int64 `json:"retries_exhausted"`
	EventsDeleted    int64 `json:"events_deleted"`
	ArtifactsExpired int64 `json:"artifacts_expired"`
}

func (s *SweepStats) add(o SweepStats) {
	s.TimedOut += o.TimedOut
	s.Assigned += o.Assigned
	s.FailedUnassigned += o.FailedUnassigned
	s.Requeued += o.Requeued
	s.RetriesExhausted += o.RetriesExhausted
	s.EventsDeleted += o.EventsDeleted
	s.ArtifactsExpired += o.ArtifactsExpired
}

// SweeperService reconciles runs no request path will touch again: stale
// runs, the backpressure queue, timed-out retries and expired data. Every
// mutation re-reads its row under lock and re-checks the status it was
// selected for, so overlapping passes are safe.
type SweeperService struct {
	tx        domain.Transactor
	runs      domain.RunStore
	agents    domain.AgentStore
	events    domain.EventStore
	artifacts domain.ArtifactStore
	logger    *zap.Logger
	now       func() time.Time

	timedOut         atomic.Int64
	assigned         atomic.Int64
	failedUnassigned atomic.Int64
	requeued         atomic.Int64
	retriesExhausted atomic.Int64
	eventsDeleted    atomic.Int64
	artifactsExpired atomic.Int64
	passes           atomic.Int64
}

func NewSweeperService(tx domain.Transactor, runs domain.RunStore, agents domain.AgentStore, events domain.EventStore,
	artifacts domain.ArtifactStore, logger *zap.Logger) *SweeperService {
	return &SweeperService{
		tx:        tx,
		runs:      runs,
		agents:    agents,
		events:    events,
		artifacts: artifacts,
		logger:    logger,
		now:       utcNow,
	}
}

// RegisterWith schedules the run sweep and the cleanup pass.
func (s *SweeperService) RegisterWith(sched *scheduler.Scheduler, sweepInterval, cleanupInterval time.Duration) {
	sched.Every(SweepJob, sweepInterval, func(ctx context.Context) error {
		_, err := s.SweepRuns(ctx)
		return err
	})
	sched.Every(CleanupJob, cleanupInterval, func(ctx context.Context) error {
		_, err := s.Cleanup(ctx)
		return err
	})
}

// RunOnce performs every pass once.
func (s *SweeperService) RunOnce(ctx context.Context) (SweepStats, error) {
	stats, err := s.SweepRuns(ctx)
	cleaned, cleanErr := s.Cleanup(ctx)
	stats.add(cleaned)
	return stats, errors.Join(err, cleanErr)
}

// SweepRuns detects timeouts, drains the queue and requeues retries, in that order.
func (s *SweeperService) SweepRuns(ctx context.Context) (stats SweepStats, err error) {
	ctx, span := observability.StartSpan(ctx, "sweeper.runs")
	defer func() { observability.EndSpan(span, err) }()

	var errs []error
	if stats.TimedOut, err = s.SweepTimeouts(ctx); err != nil {
		errs = append(errs, fmt.Errorf("timeouts: %w", err))
	}
	drained, err := s.DrainQueue(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("drain: %w", err))
	}
	stats.Assigned, stats.FailedUnassigned = drained.Assigned, drained.FailedUnassigned
	retried, err := s.RetryTimedOut(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	stats.Requeued, stats.RetriesExhausted = retried.Requeued, retried.RetriesExhausted

	s.passes.Add(1)
	if stats != (SweepStats{}) {
		s.logger.Info("sweep pass finished",
			zap.Int64("timed_out", stats.TimedOut),
			zap.Int64("assigned", stats.Assigned),
			zap.Int64("failed_unassigned", stats.FailedUnassigned),
			zap.Int64("requeued", stats.Requeued),
			zap.Int64("retries_exhausted", stats.RetriesExhausted))
	}
	return stats, errors.Join(errs...)
}

// SweepTimeouts times out active runs whose last event and whose agent's
// last heartbeat are both older than staleRunAfter.
func (s *SweeperService) SweepTimeouts(ctx context.Context) (int64, error) {
	now := s.now()
	cutoff := now.Add(-staleRunAfter)
	candidates, err := s.runs.ListStale(ctx, staleCandidateStatuses, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, c := range candidates {
		if s.agentAlive(ctx, c.TenantID, c.AssignedAgentID, cutoff) {
			continue
		}
		changed, err := s.timeOut(ctx, c.TenantID, c.ID, cutoff, now)
		if err != nil {
			s.logger.Error("failed to time out run", zap.String("run_id", c.ID.String()), zap.Error(err))
			continue
		}
		if changed {
			count++
		}
	}
	s.timedOut.Add(count)
	return count, nil
}

func (s *SweeperService) agentAlive(ctx context.Context, tenantID uuid.UUID, agentID string, cutoff time.Time) bool {
	hb, err := s.agents.LatestHeartbeat(ctx, agentID, tenantID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("failed to read heartbeat", zap.String("agent_id", agentID), zap.Error(err))
		}
		return false
	}
	return hb.RecordedAt.After(cutoff)
}

func (s *SweeperService) timeOut(ctx context.Context, tenantID, runID uuid.UUID, cutoff, now time.Time) (bool, error) {
	changed := false
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		run, err := s.runs.GetForUpdate(ctx, runID, tenantID)
		if err != nil {
			return err
		}
		if !isStaleCandidate(run.Status) || !run.LastEventAt.Before(cutoff) {
			return nil
		}

		msg := fmt.Sprintf("no events for %s", staleRunAfter)
		if domain.CanTransition(run.Status, domain.RunStatusTimedOut) {
			if err := run.Transition(domain.RunStatusTimedOut, now); err != nil {
				return err
			}
			run.SetError(domain.CodeTimeout, msg)
		} else if err := run.Fail(domain.CodeTimeout, msg, now); err != nil {
			return err
		}

		if err := s.runs.Update(ctx, run); err != nil {
			return err
		}
		changed = true
		return s.events.Create(ctx, systemEvent(run, domain.EventRunTimedOut, now, map[string]any{
			"error_code":    domain.CodeTimeout,
			"error_message": msg,
			"status":        run.Status,
		}))
	})
	return changed, err
}

func isStaleCandidate(st domain.RunStatus) bool {
	for _, c := range staleCandidateStatuses {
		if c == st {
			return true
		}
	}
	return false
}

// DrainQueue promotes queued runs, oldest first, onto agents with spare
// capacity and fails runs whose agent is gone or inactive. Saturated agents
// are skipped when selecting candidates so their backlog cannot fill the batch.
func (s *SweeperService) DrainQueue(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	queued, err := s.runs.ListDrainable(ctx, domain.ActiveRunStatuses(), sweepBatchSize)
	if err != nil {
		return stats, err
	}

	for _, q := range queued {
		outcome, err := s.drainOne(ctx, q.TenantID, q.ID, q.AssignedAgentID)
		if err != nil {
			s.logger.Error("failed to drain queued run", zap.String("run_id", q.ID.String()), zap.Error(err))
			continue
		}
		switch outcome {
		case domain.RunStatusAssigned:
			stats.Assigned++
		case domain.RunStatusFailed:
			stats.FailedUnassigned++
		}
	}
	s.assigned.Add(stats.Assigned)
	s.failedUnassigned.Add(stats.FailedUnassigned)
	return stats, nil
}

// drainOne returns the run's new status, or "" when it stays queued.
func (s *SweeperService) drainOne(ctx context.Context, tenantID, runID uuid.UUID, agentID string) (domain.RunStatus, error) {
	var outcome domain.RunStatus
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		agent, err := s.agents.GetForUpdate(ctx, agentID, tenantID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		run, err := s.runs.GetForUpdate(ctx, runID, tenantID)
		if err != nil {
			return err
		}
		if run.Status != domain.RunStatusQueued {
			return nil
		}
		now := s.now()

		if agent == nil || !agent.IsActive {
			msg := "assigned agent is unavailable"
			if err := run.Fail(domain.CodeAgentUnavailable, msg, now); err != nil {
				return err
			}
			if err := s.runs.Update(ctx, run); err != nil {
				return err
			}
			outcome = domain.RunStatusFailed
			return s.events.Create(ctx, systemEvent(run, domain.EventRunFailed, now, map[string]any{
				"error_code":    domain.CodeAgentUnavailable,
				"error_message": msg,
			}))
		}

		active, err := s.runs.CountByAgent(ctx, agent.AgentID, tenantID, domain.ActiveRunStatuses())
		if err != nil {
			return err
		}
		if active >= agent.Capacity() {
			return nil
		}
		if err := run.Transition(domain.RunStatusAssigned, now); err != nil {
			return err
		}
		run.LastEventAt = now
		if err := s.runs.Update(ctx, run); err != nil {
			return err
		}
		outcome = domain.RunStatusAssigned
		return nil
	})
	return outcome, err
}

// RetryTimedOut requeues timed-out runs with a retryable error once their
// backoff of 2^retryCount minutes has elapsed, and fails the rest.
func (s *SweeperService) RetryTimedOut(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	candidates, err := s.runs.ListByStatus(ctx, domain.RunStatusTimedOut, sweepBatchSize)
	if err != nil {
		return stats, err
	}

	for _, c := range candidates {
		outcome, err := s.retryOne(ctx, c.TenantID, c.ID)
		if err != nil {
			s.logger.Error("failed to retry timed-out run", zap.String("run_id", c.ID.String()), zap.Error(err))
			continue
		}
		switch outcome {
		case domain.RunStatusQueued:
			stats.Requeued++
		case domain.RunStatusFailed:
			stats.RetriesExhausted++
		}
	}
	s.requeued.Add(stats.Requeued)
	s.retriesExhausted.Add(stats.RetriesExhausted)
	return stats, nil
}

func (s *SweeperService) retryOne(ctx context.Context, tenantID, runID uuid.UUID) (domain.RunStatus, error) {
	var outcome domain.RunStatus
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		run, err := s.runs.GetForUpdate(ctx, runID, tenantID)
		if err != nil {
			return err
		}
		if run.Status != domain.RunStatusTimedOut {
			return nil
		}
		now := s.now()

		code := domain.CodeTimeout
		if run.ErrorCode != nil {
			code = *run.ErrorCode
		}

		if domain.IsRetryable(code) && run.RetryCount < run.MaxRetries {
			if run.EndedAt != nil && now.Before(run.EndedAt.Add(domain.RetryBackoff(run.RetryCount))) {
				return nil
			}
			if err := run.Transition(domain.RunStatusQueued, now); err != nil {
				return err
			}
			run.RetryCount++
			run.ClearError()
			outcome = domain.RunStatusQueued
			return s.runs.Update(ctx, run)
		}

		msg := fmt.Sprintf("timed out; retry limit (%d) reached", run.MaxRetries)
		if !domain.IsRetryable(code) {
			msg = fmt.Sprintf("timed out with non-retryable error %s", code)
		}
		if err := run.Fail(code, msg, now); err != nil {
			return err
		}
		if err := s.runs.Update(ctx, run); err != nil {
			return err
		}
		outcome = domain.RunStatusFailed
		return s.events.Create(ctx, systemEvent(run, domain.EventRunFailed, now, map[string]any{
			"error_code":    code,
			"error_message": msg,
		}))
	})
	return outcome, err
}

// Cleanup deletes expired events and soft-deletes expired artifacts.
func (s *SweeperService) Cleanup(ctx context.Context) (stats SweepStats, err error) {
	ctx, span := observability.StartSpan(ctx, "sweeper.cleanup")
	defer func() { observability.EndSpan(span, err) }()

	now := s.now()
	deleted, err := s.events.DeleteExpired(ctx, now, sweepBatchSize)
	if err != nil {
		return stats, fmt.Errorf("delete expired events: %w", err)
	}
	stats.EventsDeleted = deleted

	expired, err := s.artifacts.ListExpired(ctx, now, sweepBatchSize)
	if err != nil {
		return stats, fmt.Errorf("list expired artifacts: %w", err)
	}
	for i := range expired {
		a := &expired[i]
		a.DeletedAt = &now
		if err := s.artifacts.Update(ctx, a); err != nil {
			s.logger.Warn("failed to soft-delete expired artifact",
				zap.String("artifact_id", a.ArtifactID),
				zap.Error(err))
			continue
		}
		stats.ArtifactsExpired++
	}

	s.eventsDeleted.Add(stats.EventsDeleted)
	s.artifactsExpired.Add(stats.ArtifactsExpired)
	span.SetAttributes(
		attribute.Int64("events_deleted", stats.EventsDeleted),
		attribute.Int64("artifacts_expired", stats.ArtifactsExpired))
	if stats.EventsDeleted > 0 || stats.ArtifactsExpired > 0 {
		s.logger.Info("cleanup pass finished",
			zap.Int64("events_deleted", stats.EventsDeleted),
			zap.Int64("artifacts_expired", stats.ArtifactsExpired))
	}
	return stats, nil
}

// Totals returns cumulative counts since start-up.
func (s *SweeperService) Totals() (SweepStats, int64) {
	return SweepStats{
		TimedOut:         s.timedOut.Load(),
		Assigned:         s.assigned.Load(),
		FailedUnassigned: s.failedUnassigned.Load(),
		Requeued:         s.requeued.Load(),
		RetriesExhausted: s.retriesExhausted.Load(),
		EventsDeleted:    s.eventsDeleted.Load(),
		ArtifactsExpired: s.artifactsExpired.Load(),
	}, s.passes.Load()
}
