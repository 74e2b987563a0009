package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/Harshitk-cp/conductor/internal/observability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type RunService struct {
	tx     domain.Transactor
	jobs   domain.JobStore
	runs   domain.RunStore
	agents domain.AgentStore
	logger *zap.Logger
	now    func() time.Time
}

func NewRunService(tx domain.Transactor, jobs domain.JobStore, runs domain.RunStore, agents domain.AgentStore, logger *zap.Logger) *RunService {
	return &RunService{tx: tx, jobs: jobs, runs: runs, agents: agents, logger: logger, now: utcNow}
}

type AssignRunInput struct {
	JobID      uuid.UUID       `json:"job_id"`
	AgentID    string          `json:"agent_id"`
	Capability string          `json:"capability"`
	Inputs     json.RawMessage `json:"inputs,omitempty"`
	Scopes     []string        `json:"scopes,omitempty"`
	StepID     *string         `json:"step_id,omitempty"`
}

type AssignRunResult struct {
	RunID  uuid.UUID        `json:"run_id"`
	Status domain.RunStatus `json:"status"`
}

// AssignRun creates a run of the job on the agent. When the agent is at its
// concurrency limit the run is created queued and left for the sweeper.
func (s *RunService) AssignRun(ctx context.Context, tenantID uuid.UUID, in AssignRunInput) (res *AssignRunResult, err error) {
	ctx, span := observability.StartSpan(ctx, "run.assign",
		attribute.String("job_id", in.JobID.String()),
		attribute.String("agent_id", in.AgentID))
	defer func() { observability.EndSpan(span, err) }()

	in.AgentID = strings.TrimSpace(in.AgentID)
	in.Capability = strings.TrimSpace(in.Capability)
	if in.AgentID == "" {
		return nil, invalidArgument("agent_id is required")
	}
	if in.Capability == "" {
		return nil, invalidArgument("capability is required")
	}
	if err := domain.ValidateObject(in.Inputs); err != nil {
		return nil, err
	}

	job, err := s.jobs.GetByID(ctx, in.JobID, tenantID)
	if err != nil {
		return nil, notFoundAs(err, ErrJobNotFound)
	}

	inputs := in.Inputs
	if len(inputs) == 0 {
		inputs = job.Inputs
	}

	var run *domain.Run
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		agent, err := s.agents.GetForUpdate(ctx, in.AgentID, tenantID)
		if err != nil {
			return notFoundAs(err, ErrAgentNotFound)
		}
		if !agent.IsActive {
			return ErrAgentInactive
		}
		if !agent.HasCapability(in.Capability) {
			return ErrCapabilityUnsupported
		}

		active, err := s.runs.CountByAgent(ctx, agent.AgentID, tenantID, domain.ActiveRunStatuses())
		if err != nil {
			return err
		}
		status := domain.RunStatusAssigned
		if active >= agent.Capacity() {
			status = domain.RunStatusQueued
		}

		now := s.now()
		run = &domain.Run{
			ID:               uuid.New(),
			TenantID:         tenantID,
			JobID:            job.ID,
			StepID:           in.StepID,
			AssignedAgentID:  agent.AgentID,
			Status:           status,
			CapabilityUsed:   in.Capability,
			AgentVersionUsed: agent.Version,
			Scopes:           in.Scopes,
			Inputs:           domain.NormalizeObject(inputs),
			CorrelationID:    job.CorrelationID,
			MaxRetries:       job.Constraints.RetryBudget(),
			LastEventAt:      now,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		return s.runs.Create(ctx, run)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("run created",
		zap.String("run_id", run.ID.String()),
		zap.String("job_id", job.ID.String()),
		zap.String("agent_id", run.AssignedAgentID),
		zap.String("status", string(run.Status)))

	return &AssignRunResult{RunID: run.ID, Status: run.Status}, nil
}

func (s *RunService) GetRun(ctx context.Context, tenantID uuid.UUID, runID uuid.UUID) (*domain.Run, error) {
	r, err := s.runs.GetByID(ctx, runID, tenantID)
	if err != nil {
		return nil, notFoundAs(err, ErrRunNotFound)
	}
	return r, nil
}

// ListRunsByJob returns the job's runs, most recent first.
func (s *RunService) ListRunsByJob(ctx context.Context, tenantID uuid.UUID, jobID uuid.UUID, limit int) ([]domain.Run, error) {
	if _, err := s.jobs.GetByID(ctx, jobID, tenantID); err != nil {
		return nil, notFoundAs(err, ErrJobNotFound)
	}
	return s.runs.ListByJob(ctx, jobID, tenantID, clampLimit(limit))
}

// ListRunsByAgent returns the agent's runs in the given statuses, or in any
// status when none are given.
func (s *RunService) ListRunsByAgent(ctx context.Context, tenantID uuid.UUID, agentID string, statuses []domain.RunStatus) ([]domain.Run, error) {
	for _, st := range statuses {
		if !domain.ValidRunStatus(string(st)) {
			return nil, domain.Errorf(domain.CodeInvalidArgument, "unknown run status %q", st)
		}
	}
	if len(statuses) == 0 {
		statuses = append(domain.NonTerminalRunStatuses(), domain.RunStatusCompleted, domain.RunStatusFailed)
	}
	if _, err := s.agents.GetByID(ctx, agentID, tenantID); err != nil {
		return nil, notFoundAs(err, ErrAgentNotFound)
	}
	return s.runs.ListByAgent(ctx, agentID, tenantID, statuses)
}
