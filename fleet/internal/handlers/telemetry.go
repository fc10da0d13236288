package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"golfcart-fleet/fleet/internal/app"
	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/shared/events"
	"golfcart-fleet/shared/logx"
)

// PositionUpdater is the part of app.CartService telemetry needs.
type PositionUpdater interface {
	UpdatePosition(ctx context.Context, id uuid.UUID, lat float64, lng float64, velocity float64) (app.CartDTO, error)
}

// TelemetryIngest turns cart telemetry messages into position updates. Messages the
// domain rejects, or that cannot be decoded, are logged and committed; only
// infrastructure failures are returned so the message is seen again.
type TelemetryIngest struct {
	carts PositionUpdater
	log   logx.Logger
}

func NewTelemetryIngest(carts PositionUpdater, log logx.Logger) *TelemetryIngest {
	return &TelemetryIngest{carts: carts, log: log}
}

func (h *TelemetryIngest) Handle(ctx context.Context, msg kafka.Message) error {
	var t events.Telemetry
	if err := json.Unmarshal(msg.Value, &t); err != nil {
		h.log.Warn(ctx, "telemetry_invalid", "undecodable telemetry message skipped",
			logx.Code("INVALID_ARGUMENT"),
			logx.Err(err),
			slog.Int64("offset", msg.Offset),
		)
		return nil
	}
	if t.CartID == uuid.Nil {
		h.log.Warn(ctx, "telemetry_invalid", "telemetry message without cart_id skipped",
			logx.Code("INVALID_ARGUMENT"),
			slog.Int64("offset", msg.Offset),
		)
		return nil
	}

	_, err := h.carts.UpdatePosition(ctx, t.CartID, t.Lat, t.Lng, t.Velocity)
	if err == nil {
		return nil
	}
	if domain.IsDomainError(err) {
		h.log.Warn(ctx, "telemetry_rejected", err.Error(),
			logx.Code(errorCode(err)),
			slog.String("cart_id", t.CartID.String()),
		)
		return nil
	}
	return fmt.Errorf("apply telemetry for cart %s: %w", t.CartID, err)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, domain.ErrInvalidValue):
		return "INVALID_ARGUMENT"
	default:
		return "FAILED_PRECONDITION"
	}
}
