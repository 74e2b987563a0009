package store

import (
	"context"
	"errors"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AgentStore struct {
	db *pgxpool.Pool
}

func NewAgentStore(db *pgxpool.Pool) *AgentStore {
	return &AgentStore{db: db}
}

const agentColumns = `tenant_id, agent_id, name, owner, version, capabilities, accepted_contracts,
	auth_methods, base_endpoint, health_status, last_heartbeat_at, queue_length, max_concurrency,
	is_active, created_at, updated_at`

func (s *AgentStore) Upsert(ctx context.Context, a *domain.Agent) error {
	return conn(ctx, s.db).QueryRow(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (tenant_id, agent_id) DO UPDATE SET
			name = EXCLUDED.name,
			owner = EXCLUDED.owner,
			version = EXCLUDED.version,
			capabilities = EXCLUDED.capabilities,
			accepted_contracts = EXCLUDED.accepted_contracts,
			auth_methods = EXCLUDED.auth_methods,
			base_endpoint = EXCLUDED.base_endpoint,
			max_concurrency = EXCLUDED.max_concurrency,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
		 RETURNING created_at`,
		a.TenantID, a.AgentID, a.Name, a.Owner, a.Version, nonNilStrings(a.Capabilities),
		nonNilContracts(a.AcceptedContracts), nonNilStrings(a.AuthMethods), a.BaseEndpoint,
		a.Health.Status, a.Health.LastHeartbeatAt, a.Health.QueueLength, a.Health.MaxConcurrency,
		a.IsActive, a.CreatedAt, a.UpdatedAt,
	).Scan(&a.CreatedAt)
}

func (s *AgentStore) GetByID(ctx context.Context, agentID string, tenantID uuid.UUID) (*domain.Agent, error) {
	return s.getOne(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1 AND tenant_id = $2`,
		agentID, tenantID)
}

func (s *AgentStore) GetForUpdate(ctx context.Context, agentID string, tenantID uuid.UUID) (*domain.Agent, error) {
	return s.getOne(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1 AND tenant_id = $2 FOR UPDATE`,
		agentID, tenantID)
}

func (s *AgentStore) getOne(ctx context.Context, query string, args ...any) (*domain.Agent, error) {
	a, err := scanAgent(conn(ctx, s.db).QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

func (s *AgentStore) Update(ctx context.Context, a *domain.Agent) error {
	tag, err := conn(ctx, s.db).Exec(ctx,
		`UPDATE agents SET
			name = $3, owner = $4, version = $5, capabilities = $6, accepted_contracts = $7,
			auth_methods = $8, base_endpoint = $9, health_status = $10, last_heartbeat_at = $11,
			queue_length = $12, max_concurrency = $13, is_active = $14, updated_at = $15
		 WHERE agent_id = $1 AND tenant_id = $2`,
		a.AgentID, a.TenantID, a.Name, a.Owner, a.Version, nonNilStrings(a.Capabilities),
		nonNilContracts(a.AcceptedContracts), nonNilStrings(a.AuthMethods), a.BaseEndpoint,
		a.Health.Status, a.Health.LastHeartbeatAt, a.Health.QueueLength, a.Health.MaxConcurrency,
		a.IsActive, a.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *AgentStore) List(ctx context.Context, tenantID uuid.UUID, activeOnly bool) ([]domain.Agent, error) {
	return s.list(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE tenant_id = $1 AND ($2 = FALSE OR is_active)
		 ORDER BY agent_id`,
		tenantID, activeOnly)
}

func (s *AgentStore) ListByCapability(ctx context.Context, tenantID uuid.UUID, capability string) ([]domain.Agent, error) {
	return s.list(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE tenant_id = $1 AND is_active AND capabilities @> ARRAY[$2]::text[]
		 ORDER BY agent_id`,
		tenantID, capability)
}

func (s *AgentStore) list(ctx context.Context, query string, args ...any) ([]domain.Agent, error) {
	rows, err := conn(ctx, s.db).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *AgentStore) RecordHeartbeat(ctx context.Context, hb *domain.Heartbeat) error {
	return conn(ctx, s.db).QueryRow(ctx,
		`INSERT INTO agent_heartbeats (tenant_id, agent_id, status, queue_length, metrics, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		hb.TenantID, hb.AgentID, hb.Status, hb.QueueLength, hb.Metrics, hb.RecordedAt,
	).Scan(&hb.ID)
}

func (s *AgentStore) LatestHeartbeat(ctx context.Context, agentID string, tenantID uuid.UUID) (*domain.Heartbeat, error) {
	hb := &domain.Heartbeat{}
	err := conn(ctx, s.db).QueryRow(ctx,
		`SELECT id, tenant_id, agent_id, status, queue_length, metrics, recorded_at
		 FROM agent_heartbeats WHERE agent_id = $1 AND tenant_id = $2
		 ORDER BY recorded_at DESC LIMIT 1`,
		agentID, tenantID,
	).Scan(&hb.ID, &hb.TenantID, &hb.AgentID, &hb.Status, &hb.QueueLength, &hb.Metrics, &hb.RecordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return hb, nil
}

func scanAgent(row scanner) (*domain.Agent, error) {
	a := &domain.Agent{}
	err := row.Scan(&a.TenantID, &a.AgentID, &a.Name, &a.Owner, &a.Version, &a.Capabilities,
		&a.AcceptedContracts, &a.AuthMethods, &a.BaseEndpoint, &a.Health.Status,
		&a.Health.LastHeartbeatAt, &a.Health.QueueLength, &a.Health.MaxConcurrency, &a.IsActive,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func nonNilContracts(c []domain.Contract) []domain.Contract {
	if c == nil {
		return []domain.Contract{}
	}
	return c
}
