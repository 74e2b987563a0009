package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/Harshitk-cp/conductor/internal/storage"
	"github.com/Harshitk-cp/conductor/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ArtifactService struct {
	runs      domain.RunStore
	artifacts domain.ArtifactStore
	presigner storage.Presigner
	logger    *zap.Logger
	now       func() time.Time
}

func NewArtifactService(runs domain.RunStore, artifacts domain.ArtifactStore, presigner storage.Presigner, logger *zap.Logger) *ArtifactService {
	return &ArtifactService{runs: runs, artifacts: artifacts, presigner: presigner, logger: logger, now: utcNow}
}

type RegisterArtifactInput struct {
	ArtifactID    string    `json:"artifact_id"`
	RunID         uuid.UUID `json:"run_id"`
	Type          string    `json:"type"`
	URI           string    `json:"uri"`
	Hash          *string   `json:"hash,omitempty"`
	SizeBytes     *int64    `json:"size_bytes,omitempty"`
	RetentionDays *int      `json:"retention_days,omitempty"`
}

func (s *ArtifactService) RegisterArtifact(ctx context.Context, tenantID uuid.UUID, in RegisterArtifactInput) (*domain.Artifact, error) {
	in.ArtifactID = strings.TrimSpace(in.ArtifactID)
	in.Type = strings.TrimSpace(in.Type)
	if in.ArtifactID == "" {
		return nil, invalidArgument("artifact_id is required")
	}
	if in.Type == "" {
		return nil, invalidArgument("type is required")
	}
	if in.SizeBytes != nil && *in.SizeBytes < 0 {
		return nil, invalidArgument("size_bytes must not be negative")
	}
	retention := domain.DefaultRetentionDays
	if in.RetentionDays != nil {
		if *in.RetentionDays < 0 {
			return nil, invalidArgument("retention_days must not be negative")
		}
		retention = *in.RetentionDays
	}

	if _, err := s.runs.GetByID(ctx, in.RunID, tenantID); err != nil {
		return nil, notFoundAs(err, ErrRunNotFound)
	}

	a := newArtifact(tenantID, in.RunID, domain.ArtifactDeclaration{
		ArtifactID:    in.ArtifactID,
		Type:          in.Type,
		URI:           in.URI,
		Hash:          in.Hash,
		SizeBytes:     in.SizeBytes,
		RetentionDays: retention,
	}, s.now())
	if err := s.artifacts.Create(ctx, a); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrArtifactConflict
		}
		return nil, err
	}
	return a, nil
}

func (s *ArtifactService) GetArtifact(ctx context.Context, tenantID uuid.UUID, artifactID string) (*domain.Artifact, error) {
	a, err := s.artifacts.GetByID(ctx, artifactID, tenantID)
	if err != nil {
		return nil, notFoundAs(err, ErrArtifactNotFound)
	}
	return a, nil
}

func (s *ArtifactService) ListArtifactsByRun(ctx context.Context, tenantID uuid.UUID, runID uuid.UUID) ([]domain.Artifact, error) {
	if _, err := s.runs.GetByID(ctx, runID, tenantID); err != nil {
		return nil, notFoundAs(err, ErrRunNotFound)
	}
	return s.artifacts.ListByRun(ctx, runID, tenantID)
}

// PresignUpload issues a one-hour upload URL for the artifact's object key.
func (s *ArtifactService) PresignUpload(ctx context.Context, tenantID uuid.UUID, artifactID string) (*storage.PresignedURL, error) {
	a, err := s.live(ctx, tenantID, artifactID)
	if err != nil {
		return nil, err
	}
	return s.presigner.PresignPut(ctx, a.ObjectKey())
}

// PresignDownload issues a one-hour download URL for the artifact's object key.
func (s *ArtifactService) PresignDownload(ctx context.Context, tenantID uuid.UUID, artifactID string) (*storage.PresignedURL, error) {
	a, err := s.live(ctx, tenantID, artifactID)
	if err != nil {
		return nil, err
	}
	return s.presigner.PresignGet(ctx, a.ObjectKey())
}

// UpdateRetention recomputes expiresAt from the original createdAt. Zero
// days restores the default window.
func (s *ArtifactService) UpdateRetention(ctx context.Context, tenantID uuid.UUID, artifactID string, days int) (*domain.Artifact, error) {
	if days < 0 {
		return nil, invalidArgument("retention_days must not be negative")
	}
	a, err := s.live(ctx, tenantID, artifactID)
	if err != nil {
		return nil, err
	}
	if days == 0 {
		days = domain.DefaultRetentionDays
	}
	a.RetentionDays = days
	a.ExpiresAt = domain.ArtifactExpiry(a.CreatedAt, days)
	if err := s.artifacts.Update(ctx, a); err != nil {
		return nil, notFoundAs(err, ErrArtifactNotFound)
	}
	return a, nil
}

// DeleteArtifact soft-deletes the artifact. Deleting twice is a no-op.
func (s *ArtifactService) DeleteArtifact(ctx context.Context, tenantID uuid.UUID, artifactID string) error {
	a, err := s.GetArtifact(ctx, tenantID, artifactID)
	if err != nil {
		return err
	}
	if a.DeletedAt != nil {
		return nil
	}
	now := s.now()
	a.DeletedAt = &now
	if err := s.artifacts.Update(ctx, a); err != nil {
		return notFoundAs(err, ErrArtifactNotFound)
	}
	s.logger.Info("artifact deleted",
		zap.String("artifact_id", artifactID),
		zap.String("tenant_id", tenantID.String()))
	return nil
}

// ListCleanupCandidates returns expired artifacts not yet soft-deleted.
func (s *ArtifactService) ListCleanupCandidates(ctx context.Context, limit int) ([]domain.Artifact, error) {
	return s.artifacts.ListExpired(ctx, s.now(), clampLimit(limit))
}

// live returns the artifact unless it is missing or soft-deleted.
func (s *ArtifactService) live(ctx context.Context, tenantID uuid.UUID, artifactID string) (*domain.Artifact, error) {
	a, err := s.GetArtifact(ctx, tenantID, artifactID)
	if err != nil {
		return nil, err
	}
	if a.DeletedAt != nil {
		return nil, ErrArtifactNotFound
	}
	return a, nil
}

func newArtifact(tenantID, runID uuid.UUID, d domain.ArtifactDeclaration, now time.Time) *domain.Artifact {
	retention := d.RetentionDays
	if retention == 0 {
		retention = domain.DefaultRetentionDays
	}
	return &domain.Artifact{
		TenantID:      tenantID,
		ArtifactID:    d.ArtifactID,
		RunID:         runID,
		Type:          d.Type,
		URI:           d.URI,
		Hash:          d.Hash,
		SizeBytes:     d.SizeBytes,
		RetentionDays: retention,
		CreatedAt:     now,
		ExpiresAt:     domain.ArtifactExpiry(now, retention),
	}
}
