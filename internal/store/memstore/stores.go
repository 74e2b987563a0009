package memstore

import (
	"context"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/Harshitk-cp/conductor/internal/store"
	"github.com/google/uuid"
)

type TenantStore struct{ db *DB }

func (s *TenantStore) Create(ctx context.Context, t *domain.Tenant) error {
	defer s.db.lock(ctx)()
	for _, existing := range s.db.st.tenants {
		if existing.APIKeyHash == t.APIKeyHash {
			return store.ErrConflict
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	s.db.st.tenants[t.ID] = *t
	return nil
}

func (s *TenantStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	defer s.db.lock(ctx)()
	t, ok := s.db.st.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *TenantStore) GetByAPIKeyHash(ctx context.Context, apiKeyHash string) (*domain.Tenant, error) {
	defer s.db.lock(ctx)()
	for _, t := range s.db.st.tenants {
		if t.APIKeyHash == apiKeyHash {
			return &t, nil
		}
	}
	return nil, store.ErrNotFound
}

type JobStore struct{ db *DB }

func cloneJob(j domain.Job) domain.Job {
	j.Inputs = cloneBytes(j.Inputs)
	j.DesiredArtifacts = slices.Clone(j.DesiredArtifacts)
	j.Constraints.Deadline = clonePtr(j.Constraints.Deadline)
	j.Constraints.MaxRetries = clonePtr(j.Constraints.MaxRetries)
	return j
}

func (s *JobStore) Create(ctx context.Context, j *domain.Job) error {
	defer s.db.lock(ctx)()
	k := jobKey{tenantID: j.TenantID, id: j.ID}
	if _, ok := s.db.st.jobs[k]; ok {
		return store.ErrConflict
	}
	s.db.st.jobs[k] = cloneJob(*j)
	return nil
}

func (s *JobStore) GetByID(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*domain.Job, error) {
	defer s.db.lock(ctx)()
	j, ok := s.db.st.jobs[jobKey{tenantID: tenantID, id: id}]
	if !ok {
		return nil, store.ErrNotFound
	}
	j = cloneJob(j)
	return &j, nil
}

func (s *JobStore) List(ctx context.Context, tenantID uuid.UUID, limit int) ([]domain.Job, error) {
	defer s.db.lock(ctx)()
	var jobs []domain.Job
	for k, j := range s.db.st.jobs {
		if k.tenantID == tenantID {
			jobs = append(jobs, cloneJob(j))
		}
	}
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID.String() > jobs[b].ID.String()
		}
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})
	return applyLimit(jobs, limit), nil
}

type RunStore struct{ db *DB }

func cloneRun(r domain.Run) domain.Run {
	r.StepID = clonePtr(r.StepID)
	r.Scopes = slices.Clone(r.Scopes)
	r.Inputs = cloneBytes(r.Inputs)
	r.StartedAt = clonePtr(r.StartedAt)
	r.EndedAt = clonePtr(r.EndedAt)
	r.ErrorCode = clonePtr(r.ErrorCode)
	r.ErrorMessage = clonePtr(r.ErrorMessage)
	if r.LastCommand != nil {
		c := *r.LastCommand
		c.AcknowledgedAt = clonePtr(c.AcknowledgedAt)
		r.LastCommand = &c
	}
	return r
}

func (s *RunStore) Create(ctx context.Context, r *domain.Run) error {
	defer s.db.lock(ctx)()
	if _, ok := s.db.st.runs[r.ID]; ok {
		return store.ErrConflict
	}
	s.db.st.runs[r.ID] = runRecord{run: cloneRun(*r), seq: s.db.st.nextSeq()}
	return nil
}

func (s *RunStore) GetByID(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*domain.Run, error) {
	defer s.db.lock(ctx)()
	rec, ok := s.db.st.runs[id]
	if !ok || rec.run.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	r := cloneRun(rec.run)
	return &r, nil
}

// GetForUpdate is GetByID; the store mutex held by WithinTx is the lock.
func (s *RunStore) GetForUpdate(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*domain.Run, error) {
	return s.GetByID(ctx, id, tenantID)
}

func (s *RunStore) Update(ctx context.Context, r *domain.Run) error {
	defer s.db.lock(ctx)()
	rec, ok := s.db.st.runs[r.ID]
	if !ok || rec.run.TenantID != r.TenantID {
		return store.ErrNotFound
	}
	rec.run = cloneRun(*r)
	s.db.st.runs[r.ID] = rec
	return nil
}

func (s *RunStore) ListByJob(ctx context.Context, jobID uuid.UUID, tenantID uuid.UUID, limit int) ([]domain.Run, error) {
	defer s.db.lock(ctx)()
	recs := s.filter(func(r *domain.Run) bool {
		return r.JobID == jobID && r.TenantID == tenantID
	})
	sort.Slice(recs, func(a, b int) bool {
		if recs[a].run.CreatedAt.Equal(recs[b].run.CreatedAt) {
			return recs[a].seq > recs[b].seq
		}
		return recs[a].run.CreatedAt.After(recs[b].run.CreatedAt)
	})
	return runsOf(applyLimit(recs, limit)), nil
}

func (s *RunStore) ListByAgent(ctx context.Context, agentID string, tenantID uuid.UUID, statuses []domain.RunStatus) ([]domain.Run, error) {
	defer s.db.lock(ctx)()
	recs := s.filter(func(r *domain.Run) bool {
		return r.AssignedAgentID == agentID && r.TenantID == tenantID && slices.Contains(statuses, r.Status)
	})
	sort.Slice(recs, func(a, b int) bool { return recs[a].seq > recs[b].seq })
	return runsOf(recs), nil
}

func (s *RunStore) CountByAgent(ctx context.Context, agentID string, tenantID uuid.UUID, statuses []domain.RunStatus) (int, error) {
	defer s.db.lock(ctx)()
	recs := s.filter(func(r *domain.Run) bool {
		return r.AssignedAgentID == agentID && r.TenantID == tenantID && slices.Contains(statuses, r.Status)
	})
	return len(recs), nil
}

func (s *RunStore) ListStale(ctx context.Context, statuses []domain.RunStatus, cutoff time.Time, limit int) ([]domain.Run, error) {
	defer s.db.lock(ctx)()
	recs := s.filter(func(r *domain.Run) bool {
		return slices.Contains(statuses, r.Status) && r.LastEventAt.Before(cutoff)
	})
	sort.Slice(recs, func(a, b int) bool {
		if recs[a].run.LastEventAt.Equal(recs[b].run.LastEventAt) {
			return recs[a].seq < recs[b].seq
		}
		return recs[a].run.LastEventAt.Before(recs[b].run.LastEventAt)
	})
	return runsOf(applyLimit(recs, limit)), nil
}

func (s *RunStore) ListByStatus(ctx context.Context, status domain.RunStatus, limit int) ([]domain.Run, error) {
	defer s.db.lock(ctx)()
	recs := s.filter(func(r *domain.Run) bool { return r.Status == status })
	sortFIFO(recs)
	return runsOf(applyLimit(recs, limit)), nil
}

func (s *RunStore) ListDrainable(ctx context.Context, active []domain.RunStatus, limit int) ([]domain.Run, error) {
	defer s.db.lock(ctx)()
	load := make(map[agentKey]int)
	queued := make(map[agentKey][]runRecord)
	for _, rec := range s.db.st.runs {
		k := agentKey{tenantID: rec.run.TenantID, agentID: rec.run.AssignedAgentID}
		switch {
		case rec.run.Status == domain.RunStatusQueued:
			queued[k] = append(queued[k], rec)
		case slices.Contains(active, rec.run.Status):
			load[k]++
		}
	}

	var recs []runRecord
	for k, group := range queued {
		sortFIFO(group)
		if agent, ok := s.db.st.agents[k]; ok && agent.IsActive {
			spare := max(agent.Capacity()-load[k], 0)
			group = group[:min(spare, len(group))]
		}
		recs = append(recs, group...)
	}
	sortFIFO(recs)
	return runsOf(applyLimit(recs, limit)), nil
}

func sortFIFO(recs []runRecord) {
	sort.Slice(recs, func(a, b int) bool {
		if recs[a].run.CreatedAt.Equal(recs[b].run.CreatedAt) {
			return recs[a].seq < recs[b].seq
		}
		return recs[a].run.CreatedAt.Before(recs[b].run.CreatedAt)
	})
}

func (s *RunStore) filter(keep func(r *domain.Run) bool) []runRecord {
	var out []runRecord
	for _, rec := range s.db.st.runs {
		if keep(&rec.run) {
			out = append(out, rec)
		}
	}
	return out
}

func runsOf(recs []runRecord) []domain.Run {
	if len(recs) == 0 {
		return nil
	}
	runs := make([]domain.Run, len(recs))
	for i, rec := range recs {
		runs[i] = cloneRun(rec.run)
	}
	return runs
}

type AgentStore struct{ db *DB }

func cloneAgent(a domain.Agent) domain.Agent {
	a.Capabilities = slices.Clone(a.Capabilities)
	a.AcceptedContracts = slices.Clone(a.AcceptedContracts)
	a.AuthMethods = slices.Clone(a.AuthMethods)
	a.Health.LastHeartbeatAt = clonePtr(a.Health.LastHeartbeatAt)
	return a
}

// Upsert replaces the descriptor and keeps health reported by heartbeats.
func (s *AgentStore) Upsert(ctx context.Context, a *domain.Agent) error {
	defer s.db.lock(ctx)()
	k := agentKey{tenantID: a.TenantID, agentID: a.AgentID}
	next := cloneAgent(*a)
	if existing, ok := s.db.st.agents[k]; ok {
		next.CreatedAt = existing.CreatedAt
		next.Health.Status = existing.Health.Status
		next.Health.LastHeartbeatAt = clonePtr(existing.Health.LastHeartbeatAt)
		next.Health.QueueLength = existing.Health.QueueLength
		a.CreatedAt = existing.CreatedAt
	}
	s.db.st.agents[k] = next
	return nil
}

func (s *AgentStore) GetByID(ctx context.Context, agentID string, tenantID uuid.UUID) (*domain.Agent, error) {
	defer s.db.lock(ctx)()
	a, ok := s.db.st.agents[agentKey{tenantID: tenantID, agentID: agentID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	a = cloneAgent(a)
	return &a, nil
}

func (s *AgentStore) GetForUpdate(ctx context.Context, agentID string, tenantID uuid.UUID) (*domain.Agent, error) {
	return s.GetByID(ctx, agentID, tenantID)
}

func (s *AgentStore) Update(ctx context.Context, a *domain.Agent) error {
	defer s.db.lock(ctx)()
	k := agentKey{tenantID: a.TenantID, agentID: a.AgentID}
	if _, ok := s.db.st.agents[k]; !ok {
		return store.ErrNotFound
	}
	s.db.st.agents[k] = cloneAgent(*a)
	return nil
}

func (s *AgentStore) List(ctx context.Context, tenantID uuid.UUID, activeOnly bool) ([]domain.Agent, error) {
	defer s.db.lock(ctx)()
	return s.collect(func(a *domain.Agent) bool {
		return a.TenantID == tenantID && (!activeOnly || a.IsActive)
	}), nil
}

func (s *AgentStore) ListByCapability(ctx context.Context, tenantID uuid.UUID, capability string) ([]domain.Agent, error) {
	defer s.db.lock(ctx)()
	return s.collect(func(a *domain.Agent) bool {
		return a.TenantID == tenantID && a.IsActive && a.HasCapability(capability)
	}), nil
}

func (s *AgentStore) collect(keep func(a *domain.Agent) bool) []domain.Agent {
	var out []domain.Agent
	for _, a := range s.db.st.agents {
		if keep(&a) {
			out = append(out, cloneAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (s *AgentStore) RecordHeartbeat(ctx context.Context, hb *domain.Heartbeat) error {
	defer s.db.lock(ctx)()
	if _, ok := s.db.st.agents[agentKey{tenantID: hb.TenantID, agentID: hb.AgentID}]; !ok {
		return store.ErrNotFound
	}
	if hb.ID == uuid.Nil {
		hb.ID = uuid.New()
	}
	stored := *hb
	stored.QueueLength = clonePtr(hb.QueueLength)
	s.db.st.heartbeats = append(s.db.st.heartbeats, stored)
	return nil
}

func (s *AgentStore) LatestHeartbeat(ctx context.Context, agentID string, tenantID uuid.UUID) (*domain.Heartbeat, error) {
	defer s.db.lock(ctx)()
	var latest *domain.Heartbeat
	for i := range s.db.st.heartbeats {
		hb := &s.db.st.heartbeats[i]
		if hb.AgentID != agentID || hb.TenantID != tenantID {
			continue
		}
		if latest == nil || !hb.RecordedAt.Before(latest.RecordedAt) {
			latest = hb
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	out := *latest
	out.QueueLength = clonePtr(latest.QueueLength)
	return &out, nil
}

type EventStore struct{ db *DB }

func (s *EventStore) Create(ctx context.Context, e *domain.Event) error {
	defer s.db.lock(ctx)()
	k := eventKey{tenantID: e.TenantID, runID: e.RunID, eventID: e.EventID}
	if _, ok := s.db.st.events[k]; ok {
		return store.ErrConflict
	}
	stored := *e
	stored.Payload = cloneBytes(e.Payload)
	s.db.st.events[k] = eventRecord{event: stored, seq: s.db.st.nextSeq()}
	return nil
}

func (s *EventStore) Get(ctx context.Context, tenantID uuid.UUID, runID uuid.UUID, eventID string) (*domain.Event, error) {
	defer s.db.lock(ctx)()
	rec, ok := s.db.st.events[eventKey{tenantID: tenantID, runID: runID, eventID: eventID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	e := rec.event
	e.Payload = cloneBytes(e.Payload)
	return &e, nil
}

func (s *EventStore) ListByRun(ctx context.Context, runID uuid.UUID, tenantID uuid.UUID, q domain.EventQuery) ([]domain.Event, error) {
	defer s.db.lock(ctx)()

	afterAt, afterSeq := q.Since, int64(math.MaxInt64)
	if q.AfterEventID != "" {
		if rec, ok := s.db.st.events[eventKey{tenantID: tenantID, runID: runID, eventID: q.AfterEventID}]; ok {
			afterAt, afterSeq = rec.event.CreatedAt, rec.seq
		}
	}

	var recs []eventRecord
	for k, rec := range s.db.st.events {
		if k.runID != runID || k.tenantID != tenantID {
			continue
		}
		at := rec.event.CreatedAt
		if !at.After(afterAt) && !(at.Equal(afterAt) && rec.seq > afterSeq) {
			continue
		}
		if q.ControlOnly && !rec.event.Type.IsControl() {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(a, b int) bool {
		if recs[a].event.CreatedAt.Equal(recs[b].event.CreatedAt) {
			return recs[a].seq < recs[b].seq
		}
		return recs[a].event.CreatedAt.Before(recs[b].event.CreatedAt)
	})
	recs = applyLimit(recs, q.Limit)

	var events []domain.Event
	for _, rec := range recs {
		e := rec.event
		e.Payload = cloneBytes(e.Payload)
		events = append(events, e)
	}
	return events, nil
}

func (s *EventStore) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	defer s.db.lock(ctx)()
	var deleted int64
	for k, rec := range s.db.st.events {
		if limit > 0 && deleted >= int64(limit) {
			break
		}
		if rec.event.ExpiresAt.Before(now) {
			delete(s.db.st.events, k)
			deleted++
		}
	}
	return deleted, nil
}

type ArtifactStore struct{ db *DB }

func cloneArtifact(a domain.Artifact) domain.Artifact {
	a.Hash = clonePtr(a.Hash)
	a.SizeBytes = clonePtr(a.SizeBytes)
	a.DeletedAt = clonePtr(a.DeletedAt)
	return a
}

func (s *ArtifactStore) Create(ctx context.Context, a *domain.Artifact) error {
	defer s.db.lock(ctx)()
	k := artifactKey{tenantID: a.TenantID, artifactID: a.ArtifactID}
	if _, ok := s.db.st.artifacts[k]; ok {
		return store.ErrConflict
	}
	s.db.st.artifacts[k] = cloneArtifact(*a)
	return nil
}

func (s *ArtifactStore) GetByID(ctx context.Context, artifactID string, tenantID uuid.UUID) (*domain.Artifact, error) {
	defer s.db.lock(ctx)()
	a, ok := s.db.st.artifacts[artifactKey{tenantID: tenantID, artifactID: artifactID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	a = cloneArtifact(a)
	return &a, nil
}

func (s *ArtifactStore) Update(ctx context.Context, a *domain.Artifact) error {
	defer s.db.lock(ctx)()
	k := artifactKey{tenantID: a.TenantID, artifactID: a.ArtifactID}
	if _, ok := s.db.st.artifacts[k]; !ok {
		return store.ErrNotFound
	}
	s.db.st.artifacts[k] = cloneArtifact(*a)
	return nil
}

func (s *ArtifactStore) ListByRun(ctx context.Context, runID uuid.UUID, tenantID uuid.UUID) ([]domain.Artifact, error) {
	defer s.db.lock(ctx)()
	out := s.collect(func(a *domain.Artifact) bool {
		return a.RunID == runID && a.TenantID == tenantID
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ArtifactID < out[j].ArtifactID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *ArtifactStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Artifact, error) {
	defer s.db.lock(ctx)()
	out := s.collect(func(a *domain.Artifact) bool {
		return a.DeletedAt == nil && a.ExpiresAt.Before(now)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return applyLimit(out, limit), nil
}

func (s *ArtifactStore) collect(keep func(a *domain.Artifact) bool) []domain.Artifact {
	var out []domain.Artifact
	for _, a := range s.db.st.artifacts {
		if keep(&a) {
			out = append(out, cloneArtifact(a))
		}
	}
	return out
}
