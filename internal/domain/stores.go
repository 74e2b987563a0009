package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Transactor runs fn as one atomic read-modify-write unit. Store calls made
// with the context passed to fn join the transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetByAPIKeyHash(ctx context.Context, apiKeyHash string) (*Tenant, error)
}

type JobStore interface {
	Create(ctx context.Context, j *Job) error
	GetByID(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*Job, error)
	// List returns the tenant's jobs, newest first.
	List(ctx context.Context, tenantID uuid.UUID, limit int) ([]Job, error)
}

type RunStore interface {
	Create(ctx context.Context, r *Run) error
	GetByID(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*Run, error)
	// GetForUpdate reads the run and, inside a transaction, locks it until commit.
	GetForUpdate(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*Run, error)
	Update(ctx context.Context, r *Run) error

	// ListByJob returns the job's runs, newest first.
	ListByJob(ctx context.Context, jobID uuid.UUID, tenantID uuid.UUID, limit int) ([]Run, error)
	ListByAgent(ctx context.Context, agentID string, tenantID uuid.UUID, statuses []RunStatus) ([]Run, error)
	CountByAgent(ctx context.Context, agentID string, tenantID uuid.UUID, statuses []RunStatus) (int, error)

	// Sweeper queries span all tenants.
	// ListStale returns runs in statuses whose last event is before cutoff, oldest first.
	ListStale(ctx context.Context, statuses []RunStatus, cutoff time.Time, limit int) ([]Run, error)
	// ListByStatus returns runs in status in creation order (FIFO).
	ListByStatus(ctx context.Context, status RunStatus, limit int) ([]Run, error)
	// ListDrainable returns queued runs that can move now, oldest first: all
	// queued runs of a missing or inactive agent, and for an active agent no
	// more than its free slots. Runs in the active statuses occupy a slot.
	ListDrainable(ctx context.Context, active []RunStatus, limit int) ([]Run, error)
}

type AgentStore interface {
	// Upsert creates or replaces the agent keyed by (TenantID, AgentID).
	Upsert(ctx context.Context, a *Agent) error
	GetByID(ctx context.Context, agentID string, tenantID uuid.UUID) (*Agent, error)
	GetForUpdate(ctx context.Context, agentID string, tenantID uuid.UUID) (*Agent, error)
	Update(ctx context.Context, a *Agent) error
	List(ctx context.Context, tenantID uuid.UUID, activeOnly bool) ([]Agent, error)
	// ListByCapability returns active agents advertising capability.
	ListByCapability(ctx context.Context, tenantID uuid.UUID, capability string) ([]Agent, error)

	RecordHeartbeat(ctx context.Context, hb *Heartbeat) error
	// LatestHeartbeat returns the most recent heartbeat row or ErrNotFound.
	LatestHeartbeat(ctx context.Context, agentID string, tenantID uuid.UUID) (*Heartbeat, error)
}

type EventStore interface {
	// Create inserts the event, returning ErrConflict when (tenant, run, event id) exists.
	Create(ctx context.Context, e *Event) error
	Get(ctx context.Context, tenantID uuid.UUID, runID uuid.UUID, eventID string) (*Event, error)
	// ListByRun returns the run's events past the query cursor in insertion
	// order. Filters apply before the limit.
	ListByRun(ctx context.Context, runID uuid.UUID, tenantID uuid.UUID, q EventQuery) ([]Event, error)
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

// EventQuery pages through a run's events. With AfterEventID set the cursor
// is that event's position and Since is ignored; an unknown id falls back to
// Since. Events sharing a timestamp are ordered by insertion.
type EventQuery struct {
	Since        time.Time
	AfterEventID string
	ControlOnly  bool
	Limit        int
}

type ArtifactStore interface {
	// Create inserts the artifact, returning ErrConflict on a duplicate id.
	Create(ctx context.Context, a *Artifact) error
	GetByID(ctx context.Context, artifactID string, tenantID uuid.UUID) (*Artifact, error)
	Update(ctx context.Context, a *Artifact) error
	ListByRun(ctx context.Context, runID uuid.UUID, tenantID uuid.UUID) ([]Artifact, error)
	// ListExpired returns artifacts past expiresAt that are not soft-deleted.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Artifact, error)
}
