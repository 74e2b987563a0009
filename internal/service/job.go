package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/Harshitk-cp/conductor/internal/observability"
	"github.com/Harshitk-cp/conductor/internal/ratelimit"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type JobService struct {
	jobs    domain.JobStore
	limiter ratelimit.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// NewJobService creates the job service. A nil limiter disables the
// per-caller submission quota.
func NewJobService(jobs domain.JobStore, limiter ratelimit.Limiter, logger *zap.Logger) *JobService {
	return &JobService{jobs: jobs, limiter: limiter, logger: logger, now: utcNow}
}

type SubmitJobInput struct {
	Intent           string             `json:"intent"`
	Inputs           json.RawMessage    `json:"inputs,omitempty"`
	Constraints      domain.Constraints `json:"constraints"`
	DesiredArtifacts []string           `json:"desired_artifacts,omitempty"`
	CorrelationID    string             `json:"correlation_id,omitempty"`
}

type SubmitJobResult struct {
	JobID         uuid.UUID `json:"job_id"`
	CorrelationID string    `json:"correlation_id"`
}

func (s *JobService) SubmitJob(ctx context.Context, tenantID uuid.UUID, createdBy string, in SubmitJobInput) (*SubmitJobResult, error) {
	ctx, span := observability.StartSpan(ctx, "job.submit", attribute.String("tenant_id", tenantID.String()))
	defer span.End()

	if createdBy == "" {
		createdBy = "api"
	}
	if s.limiter != nil && !s.limiter.Allow(tenantID.String()+":"+createdBy) {
		s.logger.Warn("job submission rate limited",
			zap.String("tenant_id", tenantID.String()),
			zap.String("created_by", createdBy))
		return nil, ErrRateLimited
	}

	intent := strings.TrimSpace(in.Intent)
	if intent == "" {
		return nil, invalidArgument("intent is required")
	}
	if err := domain.ValidateObject(in.Inputs); err != nil {
		return nil, err
	}
	if in.Constraints.MaxRetries != nil && *in.Constraints.MaxRetries < 0 {
		return nil, invalidArgument("constraints.max_retries must not be negative")
	}
	if in.Constraints.TimeoutSeconds < 0 {
		return nil, invalidArgument("constraints.timeout_seconds must not be negative")
	}

	correlationID := in.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	job := &domain.Job{
		ID:               uuid.New(),
		TenantID:         tenantID,
		CorrelationID:    correlationID,
		Intent:           intent,
		Inputs:           domain.NormalizeObject(in.Inputs),
		Constraints:      in.Constraints,
		DesiredArtifacts: in.DesiredArtifacts,
		CreatedBy:        createdBy,
		CreatedAt:        s.now(),
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("job submitted",
		zap.String("job_id", job.ID.String()),
		zap.String("correlation_id", correlationID),
		zap.String("tenant_id", tenantID.String()))

	return &SubmitJobResult{JobID: job.ID, CorrelationID: correlationID}, nil
}

func (s *JobService) GetJob(ctx context.Context, tenantID uuid.UUID, jobID uuid.UUID) (*domain.Job, error) {
	j, err := s.jobs.GetByID(ctx, jobID, tenantID)
	if err != nil {
		return nil, notFoundAs(err, ErrJobNotFound)
	}
	return j, nil
}

// ListJobs returns the tenant's jobs, most recent first.
func (s *JobService) ListJobs(ctx context.Context, tenantID uuid.UUID, limit int) ([]domain.Job, error) {
	return s.jobs.List(ctx, tenantID, clampLimit(limit))
}
