package repos

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/fleet/internal/models"
	"golfcart-fleet/shared/events"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusSending   = "sending"
	OutboxStatusDelivered = "delivered"
	OutboxStatusDead      = "dead"
)

const outboxColumns = `seq, event_id, aggregate_type, aggregate_id, event_name, payload, status, attempts,
	next_retry_at, locked_at, locked_by, last_error, created_at, updated_at, published_at`

type OutboxRepo struct {
	db DBTX
}

func NewOutboxRepo(db DBTX) *OutboxRepo {
	return &OutboxRepo{db: db}
}

// OutboxEventFromDomain renders a domain event as a pending outbox row carrying the full
// wire envelope.
func OutboxEventFromDomain(ev domain.Event) (models.OutboxEvent, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return models.OutboxEvent{}, fmt.Errorf("encode event %s: %w", ev.EventID, err)
	}
	return models.OutboxEvent{
		EventID:       ev.EventID,
		AggregateType: events.AggregateTypeGolfCart,
		AggregateID:   ev.AggregateID,
		EventName:     string(ev.Name()),
		Payload:       payload,
		Status:        OutboxStatusPending,
	}, nil
}

func (r *OutboxRepo) Insert(ctx context.Context, db DBTX, event models.OutboxEvent) (models.OutboxEvent, error) {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = event.CreatedAt
	}

	err := db.QueryRow(ctx, `
		INSERT INTO outbox_events (
			event_id, aggregate_type, aggregate_id, event_name, payload, status, attempts, next_retry_at, locked_at, locked_by, last_error, created_at, updated_at, published_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		RETURNING `+outboxColumns+`
	`, event.EventID, event.AggregateType, event.AggregateID, event.EventName, event.Payload, event.Status, event.Attempts,
		event.NextRetryAt, event.LockedAt, event.LockedBy, event.LastError, event.CreatedAt, event.UpdatedAt, event.PublishedAt).
		Scan(outboxDest(&event)...)
	return event, err
}

// InsertEvents writes one pending row per event in argument order.
func (r *OutboxRepo) InsertEvents(ctx context.Context, db DBTX, evs ...domain.Event) error {
	for _, ev := range evs {
		row, err := OutboxEventFromDomain(ev)
		if err != nil {
			return err
		}
		if _, err := r.Insert(ctx, db, row); err != nil {
			return fmt.Errorf("insert outbox event %s (%s): %w", ev.EventID, ev.Name(), err)
		}
	}
	return nil
}

// outboxClaimLock is the advisory lock key that serializes claims across relays.
const outboxClaimLock int64 = 0x6f7574626f78

// txStarter is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type txStarter interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ClaimPending marks up to limit due rows as sending and returns them in insertion order.
// A row is held back while an earlier row of the same aggregate is in flight, waiting for
// its retry or dead, so a cart's events reach the stream in the order they were raised.
//
// Claims run one at a time under a transaction-scoped advisory lock. The claim statement
// starts after the lock is taken and so sees every earlier claim as sending; a relay that
// finds the lock held claims nothing this round.
func (r *OutboxRepo) ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	starter, ok := r.db.(txStarter)
	if !ok {
		return claimPending(ctx, r.db, owner, limit)
	}
	tx, err := starter.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, outboxClaimLock).Scan(&locked); err != nil {
		return nil, err
	}
	if !locked {
		return nil, nil
	}
	out, err := claimPending(ctx, tx, owner, limit)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func claimPending(ctx context.Context, db DBTX, owner string, limit int) ([]models.OutboxEvent, error) {
	rows, err := db.Query(ctx, `
		WITH candidates AS (
			SELECT o.event_id
			FROM outbox_events o
			WHERE o.status = $1 AND (o.next_retry_at IS NULL OR o.next_retry_at <= now())
				AND NOT EXISTS (
					SELECT 1 FROM outbox_events p
					WHERE p.aggregate_id = o.aggregate_id AND p.seq < o.seq
						AND (p.status IN ($3, $5) OR (p.status = $1 AND p.next_retry_at > now()))
				)
			ORDER BY o.seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE outbox_events o
		SET status = $3, locked_at = now(), locked_by = $4, updated_at = now()
		FROM candidates c
		WHERE o.event_id = c.event_id
		RETURNING o.seq, o.event_id, o.aggregate_type, o.aggregate_id, o.event_name, o.payload, o.status,
			o.attempts, o.next_retry_at, o.locked_at, o.locked_by, o.last_error, o.created_at, o.updated_at, o.published_at
	`, OutboxStatusPending, limit, OutboxStatusSending, owner, OutboxStatusDead)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.OutboxEvent, 0, limit)
	for rows.Next() {
		var event models.OutboxEvent
		if err := rows.Scan(outboxDest(&event)...); err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *OutboxRepo) GetByID(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error) {
	var event models.OutboxEvent
	err := r.db.QueryRow(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE event_id = $1
	`, eventID).Scan(outboxDest(&event)...)
	return event, mapNoRows(err)
}

func (r *OutboxRepo) MarkDelivered(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, published_at = now(), locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE event_id = $1
	`, eventID, OutboxStatusDelivered)
	return err
}

func (r *OutboxRepo) MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	status := OutboxStatusPending
	if dead {
		status = OutboxStatusDead
		nextRetryAt = nil
	}
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = $3, next_retry_at = $4, last_error = $5, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE event_id = $1
	`, eventID, status, attempts, nextRetryAt, lastErr)
	return err
}

// Release hands a claimed row back without counting an attempt.
func (r *OutboxRepo) Release(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE event_id = $1 AND status = $3
	`, eventID, OutboxStatusPending, OutboxStatusSending)
	return err
}

// RequeueStale returns rows stuck in sending since before cutoff, left behind by a relay
// that died mid-batch.
func (r *OutboxRepo) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = $1, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE status = $2 AND locked_at < $3
	`, OutboxStatusPending, OutboxStatusSending, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RequeueDead returns rows parked as dead since before cutoff to pending with a fresh
// attempt count.
func (r *OutboxRepo) RequeueDead(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = $1, attempts = 0, next_retry_at = NULL, updated_at = now()
		WHERE status = $2 AND updated_at < $3
	`, OutboxStatusPending, OutboxStatusDead, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func outboxDest(e *models.OutboxEvent) []any {
	return []any{
		&e.Seq, &e.EventID, &e.AggregateType, &e.AggregateID, &e.EventName, &e.Payload, &e.Status, &e.Attempts,
		&e.NextRetryAt, &e.LockedAt, &e.LockedBy, &e.LastError, &e.CreatedAt, &e.UpdatedAt, &e.PublishedAt,
	}
}

// OutboxPublisher writes published events to the outbox through db, normally the
// transaction of the current unit of work.
type OutboxPublisher struct {
	db   DBTX
	repo *OutboxRepo
}

var _ domain.EventPublisher = (*OutboxPublisher)(nil)

func NewOutboxPublisher(db DBTX) *OutboxPublisher {
	return &OutboxPublisher{db: db, repo: NewOutboxRepo(db)}
}

func (p *OutboxPublisher) Publish(ctx context.Context, evs ...domain.Event) error {
	return p.repo.InsertEvents(ctx, p.db, evs...)
}
