package store

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/Harshitk-cp/conductor/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type EventStore struct {
	db *pgxpool.Pool
}

func NewEventStore(db *pgxpool.Pool) *EventStore {
	return &EventStore{db: db}
}

const eventColumns = `tenant_id, run_id, event_id, type, timestamp, payload, expires_at, created_at`

// Create uses ON CONFLICT DO NOTHING so a duplicate does not abort the
// surrounding transaction.
func (s *EventStore) Create(ctx context.Context, e *domain.Event) error {
	tag, err := conn(ctx, s.db).Exec(ctx,
		`INSERT INTO run_events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (tenant_id, run_id, event_id) DO NOTHING`,
		e.TenantID, e.RunID, e.EventID, e.Type, e.Timestamp, domain.NormalizeObject(e.Payload),
		e.ExpiresAt, e.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *EventStore) Get(ctx context.Context, tenantID uuid.UUID, runID uuid.UUID, eventID string) (*domain.Event, error) {
	e, err := scanEvent(conn(ctx, s.db).QueryRow(ctx,
		`SELECT `+eventColumns+` FROM run_events
		 WHERE tenant_id = $1 AND run_id = $2 AND event_id = $3`,
		tenantID, runID, eventID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func (s *EventStore) ListByRun(ctx context.Context, runID uuid.UUID, tenantID uuid.UUID, q domain.EventQuery) ([]domain.Event, error) {
	db := conn(ctx, s.db)

	// (created_at, seq) cursor; MaxInt64 makes a bare Since exclusive.
	afterAt, afterSeq := q.Since, int64(math.MaxInt64)
	if q.AfterEventID != "" {
		var at time.Time
		var seq int64
		err := db.QueryRow(ctx,
			`SELECT created_at, seq FROM run_events
			 WHERE tenant_id = $1 AND run_id = $2 AND event_id = $3`,
			tenantID, runID, q.AfterEventID,
		).Scan(&at, &seq)
		switch {
		case err == nil:
			afterAt, afterSeq = at, seq
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, err
		}
	}

	rows, err := db.Query(ctx,
		`SELECT `+eventColumns+` FROM run_events
		 WHERE run_id = $1 AND tenant_id = $2
		   AND (created_at, seq) > ($3, $4)
		   AND ($5 = FALSE OR type LIKE 'command.%')
		 ORDER BY created_at ASC, seq ASC LIMIT $6`,
		runID, tenantID, afterAt, afterSeq, q.ControlOnly, q.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (s *EventStore) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	tag, err := conn(ctx, s.db).Exec(ctx,
		`DELETE FROM run_events WHERE ctid IN (
			SELECT ctid FROM run_events WHERE expires_at < $1 LIMIT $2
		 )`,
		now, limit,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanEvent(row scanner) (*domain.Event, error) {
	e := &domain.Event{}
	err := row.Scan(&e.TenantID, &e.RunID, &e.EventID, &e.Type, &e.Timestamp, &e.Payload,
		&e.ExpiresAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}
