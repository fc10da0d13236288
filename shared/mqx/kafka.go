package mqx

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"golfcart-fleet/shared/config"
	"golfcart-fleet/shared/logx"
	"golfcart-fleet/shared/metricsx"
)

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg config.Config) (*Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		MaxAttempts:  max(cfg.KafkaRetryMax, 1),
		BatchTimeout: time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return &Producer{writer: w}, nil
}

// Publish writes one message. Messages with the same key land on the same partition,
// so per-cart order is kept when callers key by cart id.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if p == nil || p.writer == nil {
		return errors.New("producer not initialized")
	}
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
	)
	defer span.End()
	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	if len(headers) > 0 {
		msg.Headers = make([]kafka.Header, 0, len(headers))
		for k, v := range headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func NewConsumer(cfg config.Config, topic string, groupID string) (*kafka.Reader, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}
	if groupID == "" {
		return nil, errors.New("KAFKA_CONSUMER_GROUP is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	return reader, nil
}

// Reader is the part of *kafka.Reader the consume loop needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
}

type HandleFunc func(ctx context.Context, msg kafka.Message) error

type ConsumeOptions struct {
	Topic      string
	Group      string
	FetchDelay time.Duration
}

// Consume fetches, handles and commits messages until ctx is cancelled. A message whose
// handler fails is retried after FetchDelay and never committed past, since committing a
// later offset would also commit it.
func Consume(ctx context.Context, reader Reader, log logx.Logger, opts ConsumeOptions, handle HandleFunc) {
	delay := opts.FetchDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				logx.Code("INTERNAL_ERROR"),
				logx.Err(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		for {
			spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
			span.SetAttributes(
				attribute.String("messaging.system", "kafka"),
				attribute.String("messaging.destination", msg.Topic),
			)
			err = handle(spanCtx, msg)
			span.End()
			if err == nil {
				break
			}
			log.Error(ctx, "message_handle_failed", "failed to handle message",
				logx.Code("INTERNAL_ERROR"),
				logx.Err(err),
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Error(ctx, "kafka_commit_failed", "failed to commit message",
				logx.Code("INTERNAL_ERROR"),
				logx.Err(err),
			)
		}
		stats := reader.Stats()
		topic := stats.Topic
		if topic == "" {
			topic = opts.Topic
		}
		metricsx.SetKafkaLag(topic, opts.Group, stats.Lag)
	}
}
