package service

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/Harshitk-cp/conductor/internal/observability"
	"github.com/Harshitk-cp/conductor/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// heartbeatDedupWindow suppresses event-derived heartbeats recorded more
// often than this.
const heartbeatDedupWindow = 60 * time.Second

type AgentService struct {
	tx     domain.Transactor
	agents domain.AgentStore
	runs   domain.RunStore
	events domain.EventStore
	logger *zap.Logger
	now    func() time.Time
}

func NewAgentService(tx domain.Transactor, agents domain.AgentStore, runs domain.RunStore, events domain.EventStore, logger *zap.Logger) *AgentService {
	return &AgentService{tx: tx, agents: agents, runs: runs, events: events, logger: logger, now: utcNow}
}

// AgentDescriptor is what an agent registers about itself.
type AgentDescriptor struct {
	AgentID           string            `json:"agent_id"`
	Name              string            `json:"name"`
	Owner             string            `json:"owner,omitempty"`
	Version           string            `json:"version,omitempty"`
	Capabilities      []string          `json:"capabilities"`
	AcceptedContracts []domain.Contract `json:"accepted_contracts,omitempty"`
	AuthMethods       []string          `json:"auth_methods,omitempty"`
	BaseEndpoint      string            `json:"base_endpoint,omitempty"`
	MaxConcurrency    int               `json:"max_concurrency,omitempty"`
}

func (d *AgentDescriptor) normalize() error {
	d.AgentID = strings.TrimSpace(d.AgentID)
	d.Name = strings.TrimSpace(d.Name)
	if d.AgentID == "" {
		return invalidArgument("agent_id is required")
	}
	if d.Name == "" {
		return invalidArgument("name is required")
	}

	caps := make([]string, 0, len(d.Capabilities))
	for _, c := range d.Capabilities {
		c = strings.TrimSpace(c)
		if c == "" {
			return invalidArgument("capabilities must not contain empty values")
		}
		if !slices.Contains(caps, c) {
			caps = append(caps, c)
		}
	}
	if len(caps) == 0 {
		return invalidArgument("at least one capability is required")
	}
	d.Capabilities = caps

	for _, c := range d.AcceptedContracts {
		if !slices.Contains(caps, c.Capability) {
			return domain.Errorf(domain.CodeInvalidArgument, "contract references unadvertised capability %q", c.Capability)
		}
	}

	switch {
	case d.MaxConcurrency < 0:
		return invalidArgument("max_concurrency must be at least 1")
	case d.MaxConcurrency == 0:
		d.MaxConcurrency = 1
	}
	return nil
}

// UpsertAgent registers the agent or replaces its descriptor. Re-registering
// reactivates a deactivated agent and keeps its reported health.
func (s *AgentService) UpsertAgent(ctx context.Context, tenantID uuid.UUID, d AgentDescriptor) (*domain.Agent, error) {
	if err := d.normalize(); err != nil {
		return nil, err
	}

	var agent *domain.Agent
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		now := s.now()
		health := domain.AgentHealth{Status: domain.AgentUp}
		createdAt := now

		existing, err := s.agents.GetForUpdate(ctx, d.AgentID, tenantID)
		switch {
		case err == nil:
			health = existing.Health
			createdAt = existing.CreatedAt
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		health.MaxConcurrency = d.MaxConcurrency

		agent = &domain.Agent{
			TenantID:          tenantID,
			AgentID:           d.AgentID,
			Name:              d.Name,
			Owner:             d.Owner,
			Version:           d.Version,
			Capabilities:      d.Capabilities,
			AcceptedContracts: d.AcceptedContracts,
			AuthMethods:       d.AuthMethods,
			BaseEndpoint:      d.BaseEndpoint,
			Health:            health,
			IsActive:          true,
			CreatedAt:         createdAt,
			UpdatedAt:         now,
		}
		return s.agents.Upsert(ctx, agent)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("agent registered",
		zap.String("agent_id", agent.AgentID),
		zap.String("tenant_id", tenantID.String()),
		zap.Strings("capabilities", agent.Capabilities))
	return agent, nil
}

func (s *AgentService) GetAgent(ctx context.Context, tenantID uuid.UUID, agentID string) (*domain.Agent, error) {
	a, err := s.agents.GetByID(ctx, agentID, tenantID)
	if err != nil {
		return nil, notFoundAs(err, ErrAgentNotFound)
	}
	return a, nil
}

func (s *AgentService) ListAgents(ctx context.Context, tenantID uuid.UUID, activeOnly bool) ([]domain.Agent, error) {
	return s.agents.List(ctx, tenantID, activeOnly)
}

// MatchCapability returns active agents advertising capability, best
// candidate first: healthy before down, then shortest queue, then agent id.
func (s *AgentService) MatchCapability(ctx context.Context, tenantID uuid.UUID, capability string, exclude []string) ([]domain.Agent, error) {
	capability = strings.TrimSpace(capability)
	if capability == "" {
		return nil, invalidArgument("capability is required")
	}
	agents, err := s.agents.ListByCapability(ctx, tenantID, capability)
	if err != nil {
		return nil, err
	}
	agents = slices.DeleteFunc(agents, func(a domain.Agent) bool {
		return slices.Contains(exclude, a.AgentID)
	})
	sort.SliceStable(agents, func(i, j int) bool {
		a, b := agents[i], agents[j]
		if (a.Health.Status == domain.AgentUp) != (b.Health.Status == domain.AgentUp) {
			return a.Health.Status == domain.AgentUp
		}
		if a.Health.QueueLength != b.Health.QueueLength {
			return a.Health.QueueLength < b.Health.QueueLength
		}
		return a.AgentID < b.AgentID
	})
	return agents, nil
}

type HealthReport struct {
	Status      domain.AgentHealthStatus `json:"status"`
	QueueLength *int                     `json:"queue_length,omitempty"`
	Metrics     map[string]any           `json:"metrics,omitempty"`
}

// UpdateAgentHealth records a heartbeat row and merges it into the agent's health.
func (s *AgentService) UpdateAgentHealth(ctx context.Context, tenantID uuid.UUID, agentID string, report HealthReport) (*domain.Agent, error) {
	if report.Status == "" {
		report.Status = domain.AgentUp
	}
	if !domain.ValidAgentHealthStatus(string(report.Status)) {
		return nil, domain.Errorf(domain.CodeInvalidArgument, "unknown health status %q", report.Status)
	}
	if report.QueueLength != nil && *report.QueueLength < 0 {
		return nil, invalidArgument("queue_length must not be negative")
	}

	var agent *domain.Agent
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		agent, err = recordHeartbeat(ctx, s.agents, tenantID, agentID, report, s.now())
		return err
	})
	if err != nil {
		return nil, notFoundAs(err, ErrAgentNotFound)
	}
	return agent, nil
}

type DeactivateResult struct {
	Agent      *domain.Agent `json:"agent"`
	FailedRuns int           `json:"failed_runs"`
}

// DeactivateAgent marks the agent inactive and fails each of its active runs
// with AGENT_UNAVAILABLE in the same transaction.
func (s *AgentService) DeactivateAgent(ctx context.Context, tenantID uuid.UUID, agentID string, reason string) (res *DeactivateResult, err error) {
	ctx, span := observability.StartSpan(ctx, "agent.deactivate", attribute.String("agent_id", agentID))
	defer func() { observability.EndSpan(span, err) }()

	msg := "agent deactivated"
	if reason = strings.TrimSpace(reason); reason != "" {
		msg += ": " + reason
	}

	res = &DeactivateResult{}
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		agent, err := s.agents.GetForUpdate(ctx, agentID, tenantID)
		if err != nil {
			return notFoundAs(err, ErrAgentNotFound)
		}
		now := s.now()
		agent.IsActive = false
		agent.UpdatedAt = now
		if err := s.agents.Update(ctx, agent); err != nil {
			return err
		}
		res.Agent = agent

		runs, err := s.runs.ListByAgent(ctx, agentID, tenantID, domain.ActiveRunStatuses())
		if err != nil {
			return err
		}
		for _, candidate := range runs {
			run, err := s.runs.GetForUpdate(ctx, candidate.ID, tenantID)
			if err != nil {
				return err
			}
			if !run.Status.IsActive() {
				continue
			}
			if err := run.Fail(domain.CodeAgentUnavailable, msg, now); err != nil {
				return err
			}
			run.LastEventAt = now
			if err := s.runs.Update(ctx, run); err != nil {
				return err
			}
			if err := s.events.Create(ctx, systemEvent(run, domain.EventRunFailed, now, map[string]any{
				"error_code":    domain.CodeAgentUnavailable,
				"error_message": msg,
			})); err != nil {
				return err
			}
			res.FailedRuns++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("agent deactivated",
		zap.String("agent_id", agentID),
		zap.String("tenant_id", tenantID.String()),
		zap.Int("failed_runs", res.FailedRuns))
	return res, nil
}

// recordHeartbeat appends a heartbeat row and folds it into the agent's
// health. Callers hold a transaction.
func recordHeartbeat(ctx context.Context, agents domain.AgentStore, tenantID uuid.UUID, agentID string, report HealthReport, now time.Time) (*domain.Agent, error) {
	agent, err := agents.GetForUpdate(ctx, agentID, tenantID)
	if err != nil {
		return nil, err
	}
	hb := &domain.Heartbeat{
		TenantID:    tenantID,
		AgentID:     agentID,
		Status:      report.Status,
		QueueLength: report.QueueLength,
		Metrics:     report.Metrics,
		RecordedAt:  now,
	}
	if err := agents.RecordHeartbeat(ctx, hb); err != nil {
		return nil, err
	}

	agent.Health.Status = report.Status
	agent.Health.LastHeartbeatAt = &now
	if report.QueueLength != nil {
		agent.Health.QueueLength = *report.QueueLength
	}
	agent.UpdatedAt = now
	if err := agents.Update(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// systemEvent builds an event emitted by the core rather than an agent.
func systemEvent(run *domain.Run, t domain.EventType, now time.Time, payload map[string]any) *domain.Event {
	return newCoreEvent(run, "sys-", t, now, payload)
}

func newCoreEvent(run *domain.Run, prefix string, t domain.EventType, now time.Time, payload map[string]any) *domain.Event {
	raw, _ := json.Marshal(payload)
	return &domain.Event{
		TenantID:  run.TenantID,
		RunID:     run.ID,
		EventID:   prefix + uuid.NewString(),
		Type:      t,
		Timestamp: now,
		Payload:   raw,
		ExpiresAt: now.Add(domain.EventRetention),
		CreatedAt: now,
	}
}
