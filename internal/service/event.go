package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/Harshitk-cp/conductor/internal/observability"
	"github.com/Harshitk-cp/conductor/internal/store"
	"github.com/Harshitk-cp/conductor/internal/webhook"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var errEventRaced = errors.New("event stored concurrently")

type EventService struct {
	tx        domain.Transactor
	runs      domain.RunStore
	events    domain.EventStore
	artifacts domain.ArtifactStore
	agents    domain.AgentStore
	verifier  *webhook.Verifier
	logger    *zap.Logger
	now       func() time.Time
}

func NewEventService(tx domain.Transactor, runs domain.RunStore, events domain.EventStore, artifacts domain.ArtifactStore,
	agents domain.AgentStore, verifier *webhook.Verifier, logger *zap.Logger) *EventService {
	return &EventService{
		tx:        tx,
		runs:      runs,
		events:    events,
		artifacts: artifacts,
		agents:    agents,
		verifier:  verifier,
		logger:    logger,
		now:       utcNow,
	}
}

// IngestEventInput is one event reported by an agent. Signature covers
// Payload exactly as received.
type IngestEventInput struct {
	TenantID  uuid.UUID
	RunID     uuid.UUID
	EventID   string
	Type      domain.EventType
	Timestamp time.Time
	Payload   json.RawMessage
	Signature string
}

type IngestResult struct {
	OK      bool             `json:"ok"`
	Deduped bool             `json:"deduped"`
	Status  domain.RunStatus `json:"status,omitempty"`
}

// IngestEvent verifies, dedupes and applies an agent event. Redelivery of an
// already stored (tenant, run, event id) is acknowledged without effect.
func (s *EventService) IngestEvent(ctx context.Context, in IngestEventInput) (res *IngestResult, err error) {
	ctx, span := observability.StartSpan(ctx, "event.ingest",
		attribute.String("run_id", in.RunID.String()),
		attribute.String("event_type", string(in.Type)))
	defer func() { observability.EndSpan(span, err) }()

	if err := s.verifier.Verify(in.Signature, in.Payload); err != nil {
		s.logger.Warn("event signature rejected",
			zap.String("run_id", in.RunID.String()),
			zap.String("event_id", in.EventID),
			zap.Error(err))
		return nil, err
	}

	in.EventID = strings.TrimSpace(in.EventID)
	if in.EventID == "" {
		return nil, invalidArgument("event_id is required")
	}
	if !domain.ValidAgentEventType(in.Type) {
		return nil, domain.Errorf(domain.CodeInputInvalid, "unsupported event type %q", in.Type)
	}
	payload, err := domain.ParseEventPayload(in.Type, in.Payload)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if in.Timestamp.IsZero() {
		in.Timestamp = now
	}

	res = &IngestResult{OK: true}
	var agentID string
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		run, err := s.runs.GetForUpdate(ctx, in.RunID, in.TenantID)
		if err != nil {
			return notFoundAs(err, ErrRunNotFound)
		}
		agentID = run.AssignedAgentID

		if _, err := s.events.Get(ctx, in.TenantID, in.RunID, in.EventID); err == nil {
			res.Deduped = true
			res.Status = run.Status
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if err := s.applyToRun(ctx, run, in.Type, payload, now); err != nil {
			return err
		}
		res.Status = run.Status

		event := &domain.Event{
			TenantID:  in.TenantID,
			RunID:     in.RunID,
			EventID:   in.EventID,
			Type:      in.Type,
			Timestamp: in.Timestamp,
			Payload:   domain.NormalizeObject(in.Payload),
			ExpiresAt: now.Add(domain.EventRetention),
			CreatedAt: now,
		}
		if err := s.events.Create(ctx, event); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// A concurrent writer stored the same id; discard the run update.
				return errEventRaced
			}
			return err
		}

		if in.Type == domain.EventRunCompleted {
			return s.registerDeclared(ctx, run, payload.Artifacts, now)
		}
		return nil
	})
	if errors.Is(err, errEventRaced) {
		run, getErr := s.runs.GetByID(ctx, in.RunID, in.TenantID)
		if getErr != nil {
			return nil, notFoundAs(getErr, ErrRunNotFound)
		}
		res = &IngestResult{OK: true, Deduped: true, Status: run.Status}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if res.Deduped {
		s.logger.Debug("duplicate event ignored",
			zap.String("run_id", in.RunID.String()),
			zap.String("event_id", in.EventID))
		return res, nil
	}

	if (in.Type == domain.EventRunProgress || in.Type == domain.EventHeartbeat) && agentID != "" {
		s.maybeRecordHeartbeat(ctx, in.TenantID, agentID, payload, now)
	}
	return res, nil
}

// applyToRun advances the run for status-bearing events. Other events only
// refresh lastEventAt, and leave terminal runs untouched.
func (s *EventService) applyToRun(ctx context.Context, run *domain.Run, t domain.EventType, p *domain.EventPayload, now time.Time) error {
	target, mapped := t.TargetStatus()
	if !mapped && run.Status.IsTerminal() {
		return nil
	}

	if mapped {
		if err := run.Transition(target, now); err != nil {
			return err
		}
		switch target {
		case domain.RunStatusFailed:
			code := p.ErrorCode
			if code == "" {
				code = domain.CodeAgentError
			}
			run.SetError(code, firstNonEmpty(p.ErrorMessage, p.Message, "agent reported failure"))
		case domain.RunStatusTimedOut:
			code := p.ErrorCode
			if code == "" {
				code = domain.CodeTimeout
			}
			run.SetError(code, firstNonEmpty(p.ErrorMessage, p.Message, "agent reported timeout"))
		case domain.RunStatusCompleted:
			run.ClearError()
		}
	}

	run.LastEventAt = now
	run.UpdatedAt = now
	return s.runs.Update(ctx, run)
}

func (s *EventService) registerDeclared(ctx context.Context, run *domain.Run, decls []domain.ArtifactDeclaration, now time.Time) error {
	for _, d := range decls {
		if _, err := s.artifacts.GetByID(ctx, d.ArtifactID, run.TenantID); err == nil {
			s.logger.Warn("declared artifact already registered, skipping",
				zap.String("run_id", run.ID.String()),
				zap.String("artifact_id", d.ArtifactID))
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := s.artifacts.Create(ctx, newArtifact(run.TenantID, run.ID, d, now)); err != nil {
			return err
		}
	}
	return nil
}

// maybeRecordHeartbeat records an event-derived heartbeat unless one exists
// within heartbeatDedupWindow. Failures are logged, never returned.
func (s *EventService) maybeRecordHeartbeat(ctx context.Context, tenantID uuid.UUID, agentID string, p *domain.EventPayload, now time.Time) {
	latest, err := s.agents.LatestHeartbeat(ctx, agentID, tenantID)
	if err == nil && now.Sub(latest.RecordedAt) < heartbeatDedupWindow {
		return
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("failed to read latest heartbeat", zap.String("agent_id", agentID), zap.Error(err))
		return
	}

	report := HealthReport{Status: domain.AgentUp, QueueLength: p.QueueLength, Metrics: p.Metrics}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		_, err := recordHeartbeat(ctx, s.agents, tenantID, agentID, report, now)
		return err
	})
	if err != nil {
		s.logger.Warn("failed to record heartbeat from event", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// EventFilter pages a run's events. After is the id of the last event the
// caller has seen and takes precedence over Since.
type EventFilter struct {
	Since       time.Time
	After       string
	Limit       int
	ControlOnly bool
}

// ListRunEvents returns the run's events in chronological order. Agents poll
// with ControlOnly to pick up operator commands.
func (s *EventService) ListRunEvents(ctx context.Context, tenantID uuid.UUID, runID uuid.UUID, f EventFilter) ([]domain.Event, error) {
	if _, err := s.runs.GetByID(ctx, runID, tenantID); err != nil {
		return nil, notFoundAs(err, ErrRunNotFound)
	}
	return s.events.ListByRun(ctx, runID, tenantID, domain.EventQuery{
		Since:        f.Since,
		AfterEventID: f.After,
		ControlOnly:  f.ControlOnly,
		Limit:        clampLimit(f.Limit),
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
