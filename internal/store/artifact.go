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

type ArtifactStore struct {
	db *pgxpool.Pool
}

func NewArtifactStore(db *pgxpool.Pool) *ArtifactStore {
	return &ArtifactStore{db: db}
}

const artifactColumns = `tenant_id, artifact_id, run_id, type, uri, hash, size_bytes, retention_days,
	created_at, expires_at, deleted_at`

func (s *ArtifactStore) Create(ctx context.Context, a *domain.Artifact) error {
	tag, err := conn(ctx, s.db).Exec(ctx,
		`INSERT INTO artifacts (`+artifactColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (tenant_id, artifact_id) DO NOTHING`,
		a.TenantID, a.ArtifactID, a.RunID, a.Type, a.URI, a.Hash, a.SizeBytes, a.RetentionDays,
		a.CreatedAt, a.ExpiresAt, a.DeletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *ArtifactStore) GetByID(ctx context.Context, artifactID string, tenantID uuid.UUID) (*domain.Artifact, error) {
	a, err := scanArtifact(conn(ctx, s.db).QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE artifact_id = $1 AND tenant_id = $2`,
		artifactID, tenantID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

func (s *ArtifactStore) Update(ctx context.Context, a *domain.Artifact) error {
	tag, err := conn(ctx, s.db).Exec(ctx,
		`UPDATE artifacts SET uri = $3, hash = $4, size_bytes = $5, retention_days = $6,
			expires_at = $7, deleted_at = $8
		 WHERE artifact_id = $1 AND tenant_id = $2`,
		a.ArtifactID, a.TenantID, a.URI, a.Hash, a.SizeBytes, a.RetentionDays, a.ExpiresAt, a.DeletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ArtifactStore) ListByRun(ctx context.Context, runID uuid.UUID, tenantID uuid.UUID) ([]domain.Artifact, error) {
	return s.list(ctx,
		`SELECT `+artifactColumns+` FROM artifacts
		 WHERE run_id = $1 AND tenant_id = $2
		 ORDER BY created_at ASC, artifact_id ASC`,
		runID, tenantID)
}

func (s *ArtifactStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Artifact, error) {
	return s.list(ctx,
		`SELECT `+artifactColumns+` FROM artifacts
		 WHERE expires_at < $1 AND deleted_at IS NULL
		 ORDER BY expires_at ASC LIMIT $2`,
		now, limit)
}

func (s *ArtifactStore) list(ctx context.Context, query string, args ...any) ([]domain.Artifact, error) {
	rows, err := conn(ctx, s.db).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, *a)
	}
	return artifacts, rows.Err()
}

func scanArtifact(row scanner) (*domain.Artifact, error) {
	a := &domain.Artifact{}
	err := row.Scan(&a.TenantID, &a.ArtifactID, &a.RunID, &a.Type, &a.URI, &a.Hash, &a.SizeBytes,
		&a.RetentionDays, &a.CreatedAt, &a.ExpiresAt, &a.DeletedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}
