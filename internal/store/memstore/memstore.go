// Package memstore keeps every entity in process memory behind one mutex.
// It honours the same contract as the Postgres stores, including
// transactions: WithinTx holds the mutex for the whole callback and rolls
// state back when the callback fails.
package memstore

import (
	"context"
	"maps"
	"sync"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/google/uuid"
)

type txKey struct{}

type jobKey struct {
	tenantID uuid.UUID
	id       uuid.UUID
}

type agentKey struct {
	tenantID uuid.UUID
	agentID  string
}

type eventKey struct {
	tenantID uuid.UUID
	runID    uuid.UUID
	eventID  string
}

type artifactKey struct {
	tenantID   uuid.UUID
	artifactID string
}

type runRecord struct {
	run domain.Run
	seq int64
}

type eventRecord struct {
	event domain.Event
	seq   int64
}

type state struct {
	tenants    map[uuid.UUID]domain.Tenant
	jobs       map[jobKey]domain.Job
	runs       map[uuid.UUID]runRecord
	agents     map[agentKey]domain.Agent
	heartbeats []domain.Heartbeat
	events     map[eventKey]eventRecord
	artifacts  map[artifactKey]domain.Artifact
	seq        int64
}

func (s *state) clone() state {
	return state{
		tenants:    maps.Clone(s.tenants),
		jobs:       maps.Clone(s.jobs),
		runs:       maps.Clone(s.runs),
		agents:     maps.Clone(s.agents),
		heartbeats: s.heartbeats[:len(s.heartbeats):len(s.heartbeats)],
		events:     maps.Clone(s.events),
		artifacts:  maps.Clone(s.artifacts),
		seq:        s.seq,
	}
}

func (s *state) nextSeq() int64 {
	s.seq++
	return s.seq
}

type DB struct {
	mu sync.Mutex
	st state
}

func New() *DB {
	return &DB{st: state{
		tenants:   make(map[uuid.UUID]domain.Tenant),
		jobs:      make(map[jobKey]domain.Job),
		runs:      make(map[uuid.UUID]runRecord),
		agents:    make(map[agentKey]domain.Agent),
		events:    make(map[eventKey]eventRecord),
		artifacts: make(map[artifactKey]domain.Artifact),
	}}
}

func (d *DB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if d.inTx(ctx) {
		return fn(ctx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	snapshot := d.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, d)); err != nil {
		d.st = snapshot
		return err
	}
	return nil
}

func (d *DB) Ping(context.Context) error {
	return nil
}

func (d *DB) inTx(ctx context.Context) bool {
	owner, ok := ctx.Value(txKey{}).(*DB)
	return ok && owner == d
}

// lock takes the store mutex unless ctx already runs inside WithinTx.
func (d *DB) lock(ctx context.Context) func() {
	if d.inTx(ctx) {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

func (d *DB) Tenants() *TenantStore     { return &TenantStore{db: d} }
func (d *DB) Jobs() *JobStore           { return &JobStore{db: d} }
func (d *DB) Runs() *RunStore           { return &RunStore{db: d} }
func (d *DB) Agents() *AgentStore       { return &AgentStore{db: d} }
func (d *DB) Events() *EventStore       { return &EventStore{db: d} }
func (d *DB) Artifacts() *ArtifactStore { return &ArtifactStore{db: d} }

var (
	_ domain.Transactor    = (*DB)(nil)
	_ domain.TenantStore   = (*TenantStore)(nil)
	_ domain.JobStore      = (*JobStore)(nil)
	_ domain.RunStore      = (*RunStore)(nil)
	_ domain.AgentStore    = (*AgentStore)(nil)
	_ domain.EventStore    = (*EventStore)(nil)
	_ domain.ArtifactStore = (*ArtifactStore)(nil)
)

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneBytes[T ~[]byte](b T) T {
	if b == nil {
		return nil
	}
	return append(T(nil), b...)
}

func applyLimit[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
