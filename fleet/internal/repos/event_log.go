package repos

import (
	"context"
	"time"

	"github.com/google/uuid"

	"golfcart-fleet/fleet/internal/models"
)

type EventLogRepo struct {
	db DBTX
}

func NewEventLogRepo(db DBTX) *EventLogRepo {
	return &EventLogRepo{db: db}
}

// Append stores the row unless an entry with the same event id exists. inserted is false
// for a duplicate.
func (r *EventLogRepo) Append(ctx context.Context, log models.EventLog) (bool, error) {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_id, event_name, aggregate_id, occurred_at, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`, log.EventID, log.EventName, log.AggregateID, log.OccurredAt, log.Payload, log.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *EventLogRepo) ListByAggregate(ctx context.Context, aggregateID uuid.UUID, limit int) ([]models.EventLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, event_id, event_name, aggregate_id, occurred_at, payload, created_at
		FROM event_logs
		WHERE aggregate_id = $1
		ORDER BY occurred_at ASC, id ASC
		LIMIT $2
	`, aggregateID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.EventLog
	for rows.Next() {
		var l models.EventLog
		if err := rows.Scan(&l.ID, &l.EventID, &l.EventName, &l.AggregateID, &l.OccurredAt, &l.Payload, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
