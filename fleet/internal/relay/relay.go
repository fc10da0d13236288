package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"golfcart-fleet/fleet/internal/models"
	"golfcart-fleet/shared/events"
	"golfcart-fleet/shared/logx"
	"golfcart-fleet/shared/metricsx"
	"golfcart-fleet/shared/resiliencex"
)

// OutboxStore is implemented by *repos.OutboxRepo and *repos.MemoryStore.
type OutboxStore interface {
	ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, eventID uuid.UUID) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error
	Release(ctx context.Context, eventID uuid.UUID) error
	RequeueStale(ctx context.Context, cutoff time.Time) (int64, error)
	RequeueDead(ctx context.Context, cutoff time.Time) (int64, error)
}

// StreamPublisher is implemented by *eventbus.StreamBus.
type StreamPublisher interface {
	PublishEnvelope(ctx context.Context, eventName string, envelope []byte) (string, error)
}

// Mirror is implemented by *mqx.Producer.
type Mirror interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

const (
	DefaultStaleAfter = 5 * time.Minute
	DefaultDeadAfter  = time.Hour
)

// Relay moves committed outbox rows onto the event stream. Rows of one aggregate are
// published in commit order: once a row fails, the rest of that aggregate's rows in the
// batch go back to pending untouched. Rows are retried until they are published unless
// WithMaxAttempts parks them as dead, and a dead row still holds back its aggregate
// until RequeueDead revives it.
type Relay struct {
	store       OutboxStore
	stream      StreamPublisher
	mirror      Mirror
	mirrorTopic string
	breaker     *resiliencex.Breaker
	maxAttempts int
	log         logx.Logger
	now         func() time.Time
}

type Option func(*Relay)

// WithMirror copies every published row to a Kafka topic. Mirror failures are logged
// and never hold a row back.
func WithMirror(m Mirror, topic string) Option {
	return func(r *Relay) {
		if topic == "" {
			topic = events.TopicCartEvents
		}
		r.mirror = m
		r.mirrorTopic = topic
	}
}

func WithBreaker(b *resiliencex.Breaker) Option {
	return func(r *Relay) { r.breaker = b }
}

// WithMaxAttempts parks a row as dead after n failed publishes. Zero, the default,
// retries forever.
func WithMaxAttempts(n int) Option {
	return func(r *Relay) {
		if n >= 0 {
			r.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

func New(store OutboxStore, stream StreamPublisher, log logx.Logger, opts ...Option) *Relay {
	r := &Relay{
		store:  store,
		stream: stream,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type BatchResult struct {
	Claimed   int
	Published int
	Retried   int
	Dead      int
	Released  int
}

// RunBatch claims up to limit rows for owner and publishes them in sequence order.
func (r *Relay) RunBatch(ctx context.Context, owner string, limit int) (BatchResult, error) {
	ctx, span := otel.Tracer("relay").Start(ctx, "outbox.relay")
	defer span.End()

	rows, err := r.store.ClaimPending(ctx, owner, limit)
	if err != nil {
		span.RecordError(err)
		return BatchResult{}, fmt.Errorf("claim outbox rows: %w", err)
	}
	res := BatchResult{Claimed: len(rows)}
	span.SetAttributes(attribute.Int("claimed", len(rows)))

	held := make(map[uuid.UUID]bool)
	for _, row := range rows {
		if held[row.AggregateID] {
			if err := r.store.Release(ctx, row.EventID); err != nil {
				return res, fmt.Errorf("release outbox row %s: %w", row.EventID, err)
			}
			res.Released++
			continue
		}

		pubErr := r.publish(ctx, row)
		if pubErr == nil {
			if err := r.store.MarkDelivered(ctx, row.EventID); err != nil {
				return res, fmt.Errorf("mark outbox row %s delivered: %w", row.EventID, err)
			}
			metricsx.IncOutboxRelay("published")
			res.Published++
			r.mirrorRow(ctx, row)
			continue
		}

		dead, err := r.fail(ctx, row, pubErr)
		if err != nil {
			return res, err
		}
		if dead {
			res.Dead++
		} else {
			res.Retried++
		}
		held[row.AggregateID] = true
	}
	return res, nil
}

// RequeueStale returns rows stuck in sending for longer than olderThan to pending.
func (r *Relay) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = DefaultStaleAfter
	}
	n, err := r.store.RequeueStale(ctx, r.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox rows: %w", err)
	}
	if n > 0 {
		r.log.Warn(ctx, "outbox_requeued", "stale outbox rows returned to pending", slog.Int64("rows", n))
	}
	return n, nil
}

// RequeueDead returns rows parked as dead for longer than olderThan to pending with a
// fresh attempt count.
func (r *Relay) RequeueDead(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = DefaultDeadAfter
	}
	n, err := r.store.RequeueDead(ctx, r.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("requeue dead outbox rows: %w", err)
	}
	if n > 0 {
		r.log.Warn(ctx, "outbox_dead_requeued", "dead outbox rows returned to pending", slog.Int64("rows", n))
	}
	return n, nil
}

func (r *Relay) publish(ctx context.Context, row models.OutboxEvent) error {
	call := func(ctx context.Context) error {
		_, err := r.stream.PublishEnvelope(ctx, row.EventName, row.Payload)
		return err
	}
	if r.breaker == nil {
		return call(ctx)
	}
	return r.breaker.Do(ctx, call)
}

func (r *Relay) fail(ctx context.Context, row models.OutboxEvent, cause error) (bool, error) {
	// A rejection by the open breaker never reached the stream and is not an attempt.
	breakerOpen := errors.Is(cause, resiliencex.ErrOpen)
	attempts := row.Attempts
	if !breakerOpen {
		attempts++
	}
	dead := r.maxAttempts > 0 && attempts >= r.maxAttempts
	next := r.now().Add(RetryDelay(attempts))
	if err := r.store.MarkFailed(ctx, row.EventID, attempts, &next, cause.Error(), dead); err != nil {
		return false, fmt.Errorf("mark outbox row %s failed: %w", row.EventID, err)
	}

	attrs := []slog.Attr{
		slog.String("event_id", row.EventID.String()),
		slog.String("event_name", row.EventName),
		slog.String("aggregate_id", row.AggregateID.String()),
		slog.Int("attempts", attempts),
		logx.Err(cause),
	}
	if dead {
		metricsx.IncOutboxRelay("dead")
		r.log.Error(ctx, "outbox_dead", "outbox event moved to dead-letter", attrs...)
		return true, nil
	}
	metricsx.IncOutboxRelay("retry")
	code := "UNAVAILABLE"
	if !breakerOpen {
		code = "INTERNAL_ERROR"
	}
	attrs = append(attrs, logx.Code(code), slog.Time("next_retry_at", next))
	r.log.Warn(ctx, "outbox_publish_failed", "outbox publish failed, will retry", attrs...)
	return false, nil
}

func (r *Relay) mirrorRow(ctx context.Context, row models.OutboxEvent) {
	if r.mirror == nil {
		return
	}
	headers := map[string]string{
		"event_id":       row.EventID.String(),
		"event_name":     row.EventName,
		"aggregate_type": row.AggregateType,
		"aggregate_id":   row.AggregateID.String(),
		"published_at":   r.now().Format(time.RFC3339Nano),
	}
	if err := r.mirror.Publish(ctx, r.mirrorTopic, []byte(row.AggregateID.String()), row.Payload, headers); err != nil {
		r.log.Warn(ctx, "outbox_mirror_failed", "kafka mirror publish failed",
			slog.String("event_id", row.EventID.String()),
			slog.String("topic", r.mirrorTopic),
			logx.Err(err),
		)
	}
}

// RetryDelay grows quadratically from 5s and is capped at 5m.
func RetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
