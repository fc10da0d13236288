package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/shared/events"
	"golfcart-fleet/shared/metricsx"
)

// StreamBus appends domain events to a Redis stream, one entry per event with the
// fields event_name and event_json.
type StreamBus struct {
	rdb    *redis.Client
	stream string
}

var _ domain.EventPublisher = (*StreamBus)(nil)

func NewStreamBus(rdb *redis.Client, stream string) *StreamBus {
	if stream == "" {
		stream = events.StreamDomainEvents
	}
	return &StreamBus{rdb: rdb, stream: stream}
}

func (b *StreamBus) Stream() string { return b.stream }

// Publish appends the events in argument order in a single MULTI/EXEC.
func (b *StreamBus) Publish(ctx context.Context, evs ...domain.Event) error {
	if len(evs) == 0 {
		return nil
	}
	ctx, span := otel.Tracer("redis").Start(ctx, "redis.xadd")
	span.SetAttributes(attribute.String("stream", b.stream), attribute.Int("events", len(evs)))
	defer span.End()

	payloads := make([][]byte, 0, len(evs))
	for _, ev := range evs {
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.EventID, err)
		}
		payloads = append(payloads, raw)
	}
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, ev := range evs {
			pipe.XAdd(ctx, b.addArgs(string(ev.Name()), payloads[i]))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("xadd %s: %w", b.stream, err)
	}
	for _, ev := range evs {
		metricsx.IncStreamPublished(b.stream, string(ev.Name()))
	}
	return nil
}

// PublishEnvelope appends an already encoded envelope and returns the entry id.
func (b *StreamBus) PublishEnvelope(ctx context.Context, eventName string, envelope []byte) (string, error) {
	ctx, span := otel.Tracer("redis").Start(ctx, "redis.xadd")
	span.SetAttributes(attribute.String("stream", b.stream), attribute.String("event_name", eventName))
	defer span.End()

	id, err := b.rdb.XAdd(ctx, b.addArgs(eventName, envelope)).Result()
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("xadd %s: %w", b.stream, err)
	}
	metricsx.IncStreamPublished(b.stream, eventName)
	return id, nil
}

// EnsureGroup creates the consumer group, and the stream if missing, reading from the
// start of the stream. An existing group is not an error.
func (b *StreamBus) EnsureGroup(ctx context.Context, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, b.stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, b.stream, err)
	}
	return nil
}

func (b *StreamBus) addArgs(eventName string, envelope []byte) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{
			events.FieldEventName: eventName,
			events.FieldEventJSON: string(envelope),
		},
	}
}
