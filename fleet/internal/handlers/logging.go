package handlers

import (
	"context"
	"log/slog"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/shared/logx"
)

// Logging writes every event to the structured log.
type Logging struct {
	log logx.Logger
}

func NewLogging(log logx.Logger) *Logging {
	return &Logging{log: log}
}

func (h *Logging) Handle(ctx context.Context, ev domain.Event) error {
	h.log.Info(ctx, "domain_event", "domain event",
		slog.String("event_id", ev.EventID.String()),
		slog.String("event_name", string(ev.Name())),
		slog.String("aggregate_id", ev.AggregateID.String()),
		slog.Time("occurred_at", ev.OccurredAt),
		slog.Any("payload", ev.PayloadMap()),
	)
	return nil
}
