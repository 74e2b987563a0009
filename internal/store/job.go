package store

import (
	"context"
	"errors"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type JobStore struct {
	db *pgxpool.Pool
}

func NewJobStore(db *pgxpool.Pool) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `tenant_id, id, correlation_id, intent, inputs, constraints, desired_artifacts, created_by, created_at`

func (s *JobStore) Create(ctx context.Context, j *domain.Job) error {
	_, err := conn(ctx, s.db).Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		j.TenantID, j.ID, j.CorrelationID, j.Intent, domain.NormalizeObject(j.Inputs), j.Constraints,
		nonNilStrings(j.DesiredArtifacts), j.CreatedBy, j.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *JobStore) GetByID(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*domain.Job, error) {
	row := conn(ctx, s.db).QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

func (s *JobStore) List(ctx context.Context, tenantID uuid.UUID, limit int) ([]domain.Job, error) {
	rows, err := conn(ctx, s.db).Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE tenant_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func scanJob(row scanner) (*domain.Job, error) {
	j := &domain.Job{}
	err := row.Scan(&j.TenantID, &j.ID, &j.CorrelationID, &j.Intent, &j.Inputs, &j.Constraints,
		&j.DesiredArtifacts, &j.CreatedBy, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
