package handlers

import (
	"context"
	"time"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/shared/influxx"
)

// PointWriter is implemented by *influxx.Client.
type PointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

// PositionHistory keeps a time series of cart movements.
type PositionHistory struct {
	w PointWriter
}

func NewPositionHistory(w PointWriter) *PositionHistory {
	return &PositionHistory{w: w}
}

func (h *PositionHistory) Handle(ctx context.Context, ev domain.Event) error {
	p, ok := ev.Payload.(domain.PositionUpdated)
	if !ok {
		return nil
	}
	return h.w.WritePoint(ctx, influxx.MeasurementCartPosition,
		map[string]string{"cart_id": ev.AggregateID.String()},
		map[string]any{
			"lat":        p.NewPosition.Latitude(),
			"lng":        p.NewPosition.Longitude(),
			"velocity":   p.Velocity,
			"distance_m": p.DistanceMeters,
		},
		ev.OccurredAt,
	)
}
