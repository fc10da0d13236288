package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/fleet/internal/models"
	"golfcart-fleet/fleet/internal/uow"
)

// Auditing records every event in event_logs, one unit of work per event. Appending is
// idempotent on event id, so redelivery never duplicates a row.
type Auditing struct {
	uow uow.UnitOfWork
}

func NewAuditing(u uow.UnitOfWork) *Auditing {
	return &Auditing{uow: u}
}

func (h *Auditing) Handle(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode payload of %s: %w", ev.EventID, err)
	}
	err = h.uow.Do(ctx, func(ctx context.Context, s uow.Scope) error {
		_, err := s.EventLogs().Append(ctx, models.EventLog{
			EventID:     ev.EventID,
			EventName:   string(ev.Name()),
			AggregateID: ev.AggregateID,
			OccurredAt:  ev.OccurredAt,
			Payload:     payload,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("audit event %s: %w", ev.EventID, err)
	}
	return nil
}
