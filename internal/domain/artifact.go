package domain

import (
	"time"

	"github.com/google/uuid"
)

// DefaultRetentionDays applies to artifacts registered without a window.
const DefaultRetentionDays = 30

type Artifact struct {
	TenantID      uuid.UUID  `json:"tenant_id"`
	ArtifactID    string     `json:"artifact_id"`
	RunID         uuid.UUID  `json:"run_id"`
	Type          string     `json:"type"`
	URI           string     `json:"uri"`
	Hash          *string    `json:"hash,omitempty"`
	SizeBytes     *int64     `json:"size_bytes,omitempty"`
	RetentionDays int        `json:"retention_days"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// ArtifactExpiry computes expiresAt = createdAt + retentionDays.
func ArtifactExpiry(createdAt time.Time, retentionDays int) time.Time {
	return createdAt.AddDate(0, 0, retentionDays)
}

// ObjectKey is the tenant-scoped storage key of the artifact's content.
func (a *Artifact) ObjectKey() string {
	return a.TenantID.String() + "/" + a.RunID.String() + "/" + a.ArtifactID
}
