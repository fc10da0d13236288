package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/shared/logx"
)

type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityUrgent Severity = "urgent"
)

type Notification struct {
	EventID  uuid.UUID
	CartID   uuid.UUID
	Severity Severity
	Title    string
	Message  string
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier delivers notifications to the log.
type LogNotifier struct {
	log logx.Logger
}

func NewLogNotifier(log logx.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, note Notification) error {
	n.log.Info(ctx, "notification_sent", note.Message,
		slog.String("event_id", note.EventID.String()),
		slog.String("cart_id", note.CartID.String()),
		slog.String("severity", string(note.Severity)),
		slog.String("title", note.Title),
	)
	return nil
}

// Deduper remembers which events were already notified. *cachex.Client implements it.
type Deduper interface {
	SetOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Notification alerts operators about status changes and critically low batteries.
// Redelivered events are suppressed by event id; without a deduper every delivery
// notifies.
type NotificationHandler struct {
	notifier Notifier
	dedupe   Deduper
	ttl      time.Duration
	log      logx.Logger
}

func NewNotificationHandler(notifier Notifier, dedupe Deduper, ttl time.Duration, log logx.Logger) *NotificationHandler {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &NotificationHandler{notifier: notifier, dedupe: dedupe, ttl: ttl, log: log}
}

func (h *NotificationHandler) Handle(ctx context.Context, ev domain.Event) error {
	note, ok := notificationFor(ev)
	if !ok {
		return nil
	}

	key := "notify:" + ev.EventID.String()
	if h.dedupe != nil {
		first, err := h.dedupe.SetOnce(ctx, key, h.ttl)
		switch {
		case err != nil:
			// Sending twice beats not sending.
			h.log.Warn(ctx, "notification_dedupe_failed", "dedupe unavailable, notifying anyway",
				logx.Err(err), slog.String("event_id", ev.EventID.String()))
		case !first:
			h.log.Debug(ctx, "notification_duplicate", "notification already sent",
				slog.String("event_id", ev.EventID.String()))
			return nil
		}
	}

	if err := h.notifier.Notify(ctx, note); err != nil {
		if h.dedupe != nil {
			_ = h.dedupe.Delete(ctx, key)
		}
		return fmt.Errorf("notify %s: %w", ev.EventID, err)
	}
	return nil
}

func notificationFor(ev domain.Event) (Notification, bool) {
	n := Notification{EventID: ev.EventID, CartID: ev.AggregateID}
	switch p := ev.Payload.(type) {
	case domain.CartStatusChanged:
		n.Severity = SeverityInfo
		n.Title = "Cart status changed"
		n.Message = fmt.Sprintf("Cart %s status changed from '%s' to '%s'", ev.AggregateID, p.OldStatus, p.NewStatus)
	case domain.BatteryCritical:
		n.Severity = SeverityUrgent
		n.Title = "Battery critical"
		n.Message = fmt.Sprintf("Cart %s battery is critically low: %.1f%%", ev.AggregateID, p.BatteryLevel)
	default:
		return Notification{}, false
	}
	return n, true
}
