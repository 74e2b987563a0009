package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/Harshitk-cp/conductor/internal/observability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CommandService stamps operator commands on runs and publishes them as
// control events for the assigned agent to pick up.
type CommandService struct {
	tx     domain.Transactor
	runs   domain.RunStore
	events domain.EventStore
	logger *zap.Logger
	now    func() time.Time
}

func NewCommandService(tx domain.Transactor, runs domain.RunStore, events domain.EventStore, logger *zap.Logger) *CommandService {
	return &CommandService{tx: tx, runs: runs, events: events, logger: logger, now: utcNow}
}

// CommandResult reports whether a command was accepted. A rejected command
// changes nothing.
type CommandResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// mutation applies a command to a locked run. A non-empty rejection leaves
// the run untouched.
type mutation func(run *domain.Run, now time.Time) (rejection string, payload map[string]any)

func (s *CommandService) PauseRun(ctx context.Context, tenantID, runID uuid.UUID) (*CommandResult, error) {
	return s.issue(ctx, tenantID, runID, domain.CommandPause, stampOnly(domain.CommandPause, domain.RunStatusPaused))
}

func (s *CommandService) ResumeRun(ctx context.Context, tenantID, runID uuid.UUID) (*CommandResult, error) {
	return s.issue(ctx, tenantID, runID, domain.CommandResume, stampOnly(domain.CommandResume, domain.RunStatusStarted))
}

// stampOnly records the command without changing status. The agent applies
// the change by reporting the matching event.
func stampOnly(cmd domain.CommandType, target domain.RunStatus) mutation {
	return func(run *domain.Run, now time.Time) (string, map[string]any) {
		if err := domain.ValidateTransition(run.Status, target); err != nil {
			return err.Error(), nil
		}
		run.LastCommand = &domain.Command{Type: cmd, IssuedAt: now}
		run.UpdatedAt = now
		return "", map[string]any{"command": cmd}
	}
}

// RetryRun requeues a run within its retry budget.
func (s *CommandService) RetryRun(ctx context.Context, tenantID, runID uuid.UUID) (*CommandResult, error) {
	return s.issue(ctx, tenantID, runID, domain.CommandRetry, func(run *domain.Run, now time.Time) (string, map[string]any) {
		if run.RetryCount >= run.MaxRetries {
			return fmt.Sprintf("Maximum retry limit (%d) reached", run.MaxRetries), nil
		}
		if err := domain.ValidateTransition(run.Status, domain.RunStatusQueued); err != nil {
			return err.Error(), nil
		}
		run.LastCommand = &domain.Command{Type: domain.CommandRetry, IssuedAt: now}
		if err := run.Transition(domain.RunStatusQueued, now); err != nil {
			return err.Error(), nil
		}
		run.RetryCount++
		run.ClearError()
		return "", map[string]any{"command": domain.CommandRetry, "retry_count": run.RetryCount}
	})
}

// CancelRun fails the run immediately; the agent learns of it from the
// command.cancel control event.
func (s *CommandService) CancelRun(ctx context.Context, tenantID, runID uuid.UUID, reason string) (*CommandResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "operator request"
	}
	return s.issue(ctx, tenantID, runID, domain.CommandCancel, func(run *domain.Run, now time.Time) (string, map[string]any) {
		if run.Status.IsTerminal() {
			return fmt.Sprintf("run is already %s", run.Status), nil
		}
		run.LastCommand = &domain.Command{Type: domain.CommandCancel, IssuedAt: now}
		if err := run.Fail(domain.CodeAgentError, "cancelled: "+reason, now); err != nil {
			return err.Error(), nil
		}
		return "", map[string]any{"command": domain.CommandCancel, "reason": reason}
	})
}

// AcknowledgeCommand records the agent's ack of the pending command of type cmd.
func (s *CommandService) AcknowledgeCommand(ctx context.Context, tenantID, runID uuid.UUID, cmd domain.CommandType) (*CommandResult, error) {
	if !domain.ValidCommandType(string(cmd)) {
		return nil, domain.Errorf(domain.CodeInvalidArgument, "unknown command type %q", cmd)
	}
	return s.apply(ctx, tenantID, runID, "command.ack", domain.EventCommandAcked, func(run *domain.Run, now time.Time) (string, map[string]any) {
		if !run.LastCommand.Pending() || run.LastCommand.Type != cmd {
			return fmt.Sprintf("no pending %s command", cmd), nil
		}
		run.LastCommand.AcknowledgedAt = &now
		run.UpdatedAt = now
		return "", map[string]any{"command": cmd, "issued_at": run.LastCommand.IssuedAt}
	})
}

func (s *CommandService) issue(ctx context.Context, tenantID, runID uuid.UUID, cmd domain.CommandType, m mutation) (*CommandResult, error) {
	return s.apply(ctx, tenantID, runID, "command."+string(cmd), domain.CommandEventType(cmd), m)
}

func (s *CommandService) apply(ctx context.Context, tenantID, runID uuid.UUID, spanName string, eventType domain.EventType, m mutation) (res *CommandResult, err error) {
	ctx, span := observability.StartSpan(ctx, spanName, attribute.String("run_id", runID.String()))
	defer func() { observability.EndSpan(span, err) }()

	res = &CommandResult{}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		run, err := s.runs.GetForUpdate(ctx, runID, tenantID)
		if err != nil {
			return notFoundAs(err, ErrRunNotFound)
		}

		now := s.now()
		rejection, payload := m(run, now)
		if rejection != "" {
			res.Error = rejection
			return nil
		}
		if err := s.runs.Update(ctx, run); err != nil {
			return err
		}
		if err := s.events.Create(ctx, newCoreEvent(run, "cmd-", eventType, now, payload)); err != nil {
			return err
		}
		res.OK = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.OK {
		s.logger.Info("command applied",
			zap.String("run_id", runID.String()),
			zap.String("event_type", string(eventType)))
	} else {
		s.logger.Info("command rejected",
			zap.String("run_id", runID.String()),
			zap.String("event_type", string(eventType)),
			zap.String("reason", res.Error))
	}
	return res, nil
}
