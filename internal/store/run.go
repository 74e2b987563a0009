package store

import (
	"context"
	"errors"
	"time"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RunStore struct {
	db *pgxpool.Pool
}

func NewRunStore(db *pgxpool.Pool) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `tenant_id, id, job_id, step_id, assigned_agent_id, status, capability_used,
	agent_version_used, scopes, inputs, correlation_id, retry_count, max_retries, started_at, ended_at,
	last_event_at, error_code, error_message, last_command_type, last_command_issued_at,
	last_command_acked_at, created_at, updated_at`

func (s *RunStore) Create(ctx context.Context, r *domain.Run) error {
	cmdType, cmdIssued, cmdAcked := commandColumns(r.LastCommand)
	_, err := conn(ctx, s.db).Exec(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		r.TenantID, r.ID, r.JobID, r.StepID, r.AssignedAgentID, r.Status, r.CapabilityUsed,
		r.AgentVersionUsed, nonNilStrings(r.Scopes), domain.NormalizeObject(r.Inputs), r.CorrelationID,
		r.RetryCount, r.MaxRetries, r.StartedAt, r.EndedAt, r.LastEventAt, errorCodeColumn(r.ErrorCode),
		r.ErrorMessage, cmdType, cmdIssued, cmdAcked, r.CreatedAt, r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *RunStore) GetByID(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*domain.Run, error) {
	return s.getOne(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 AND tenant_id = $2`, id, tenantID)
}

func (s *RunStore) GetForUpdate(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*domain.Run, error) {
	return s.getOne(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID)
}

func (s *RunStore) getOne(ctx context.Context, query string, args ...any) (*domain.Run, error) {
	r, err := scanRun(conn(ctx, s.db).QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

func (s *RunStore) Update(ctx context.Context, r *domain.Run) error {
	cmdType, cmdIssued, cmdAcked := commandColumns(r.LastCommand)
	tag, err := conn(ctx, s.db).Exec(ctx,
		`UPDATE runs SET
			status = $3, assigned_agent_id = $4, agent_version_used = $5, retry_count = $6,
			started_at = $7, ended_at = $8, last_event_at = $9, error_code = $10, error_message = $11,
			last_command_type = $12, last_command_issued_at = $13, last_command_acked_at = $14,
			updated_at = $15
		 WHERE id = $1 AND tenant_id = $2`,
		r.ID, r.TenantID, r.Status, r.AssignedAgentID, r.AgentVersionUsed, r.RetryCount,
		r.StartedAt, r.EndedAt, r.LastEventAt, errorCodeColumn(r.ErrorCode), r.ErrorMessage,
		cmdType, cmdIssued, cmdAcked, r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RunStore) ListByJob(ctx context.Context, jobID uuid.UUID, tenantID uuid.UUID, limit int) ([]domain.Run, error) {
	return s.list(ctx,
		`SELECT `+runColumns+` FROM runs WHERE job_id = $1 AND tenant_id = $2
		 ORDER BY created_at DESC LIMIT $3`,
		jobID, tenantID, limit,
	)
}

func (s *RunStore) ListByAgent(ctx context.Context, agentID string, tenantID uuid.UUID, statuses []domain.RunStatus) ([]domain.Run, error) {
	return s.list(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE assigned_agent_id = $1 AND tenant_id = $2 AND status = ANY($3)
		 ORDER BY created_at DESC`,
		agentID, tenantID, statusStrings(statuses),
	)
}

func (s *RunStore) CountByAgent(ctx context.Context, agentID string, tenantID uuid.UUID, statuses []domain.RunStatus) (int, error) {
	var count int
	err := conn(ctx, s.db).QueryRow(ctx,
		`SELECT COUNT(*) FROM runs
		 WHERE assigned_agent_id = $1 AND tenant_id = $2 AND status = ANY($3)`,
		agentID, tenantID, statusStrings(statuses),
	).Scan(&count)
	return count, err
}

func (s *RunStore) ListStale(ctx context.Context, statuses []domain.RunStatus, cutoff time.Time, limit int) ([]domain.Run, error) {
	return s.list(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE status = ANY($1) AND last_event_at < $2
		 ORDER BY last_event_at ASC LIMIT $3`,
		statusStrings(statuses), cutoff, limit,
	)
}

func (s *RunStore) ListByStatus(ctx context.Context, status domain.RunStatus, limit int) ([]domain.Run, error) {
	return s.list(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = $1
		 ORDER BY created_at ASC LIMIT $2`,
		status, limit,
	)
}

func (s *RunStore) ListDrainable(ctx context.Context, active []domain.RunStatus, limit int) ([]domain.Run, error) {
	return s.list(ctx,
		`WITH load AS (
			SELECT tenant_id, assigned_agent_id, COUNT(*) AS active
			FROM runs WHERE status = ANY($1)
			GROUP BY tenant_id, assigned_agent_id
		 ), queued AS (
			SELECT r.*, ROW_NUMBER() OVER (
				PARTITION BY r.tenant_id, r.assigned_agent_id ORDER BY r.created_at, r.id
			) AS pos
			FROM runs r WHERE r.status = $2
		 )
		 SELECT `+runColumns+` FROM (
			SELECT q.* FROM queued q
			LEFT JOIN agents a ON a.tenant_id = q.tenant_id AND a.agent_id = q.assigned_agent_id
			LEFT JOIN load l ON l.tenant_id = q.tenant_id AND l.assigned_agent_id = q.assigned_agent_id
			WHERE a.agent_id IS NULL OR NOT a.is_active
			   OR q.pos <= GREATEST(a.max_concurrency, 1) - COALESCE(l.active, 0)
		 ) drainable
		 ORDER BY created_at ASC, id ASC LIMIT $3`,
		statusStrings(active), domain.RunStatusQueued, limit,
	)
}

func (s *RunStore) list(ctx context.Context, query string, args ...any) ([]domain.Run, error) {
	rows, err := conn(ctx, s.db).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func scanRun(row scanner) (*domain.Run, error) {
	r := &domain.Run{}
	var (
		errorCode *string
		cmdType   *string
		cmdIssued *time.Time
		cmdAcked  *time.Time
	)
	err := row.Scan(&r.TenantID, &r.ID, &r.JobID, &r.StepID, &r.AssignedAgentID, &r.Status,
		&r.CapabilityUsed, &r.AgentVersionUsed, &r.Scopes, &r.Inputs, &r.CorrelationID, &r.RetryCount,
		&r.MaxRetries, &r.StartedAt, &r.EndedAt, &r.LastEventAt, &errorCode, &r.ErrorMessage,
		&cmdType, &cmdIssued, &cmdAcked, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if errorCode != nil {
		code := domain.ErrorCode(*errorCode)
		r.ErrorCode = &code
	}
	if cmdType != nil && cmdIssued != nil {
		r.LastCommand = &domain.Command{
			Type:           domain.CommandType(*cmdType),
			IssuedAt:       *cmdIssued,
			AcknowledgedAt: cmdAcked,
		}
	}
	return r, nil
}

func commandColumns(c *domain.Command) (*string, *time.Time, *time.Time) {
	if c == nil {
		return nil, nil, nil
	}
	t := string(c.Type)
	issued := c.IssuedAt
	return &t, &issued, c.AcknowledgedAt
}

func errorCodeColumn(code *domain.ErrorCode) *string {
	if code == nil {
		return nil
	}
	s := string(*code)
	return &s
}
