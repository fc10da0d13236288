package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/shared/config"
	"golfcart-fleet/shared/events"
	"golfcart-fleet/shared/logx"
	"golfcart-fleet/shared/metricsx"
)

var errHandlerPanic = errors.New("handler panicked")

type DispatcherConfig struct {
	Stream        string
	Group         string
	Consumer      string
	Block         time.Duration
	RetryDelay    time.Duration
	ClaimIdle     time.Duration
	BatchSize     int64
	DefaultPolicy FailurePolicy
}

func DispatcherConfigFrom(cfg config.Config) DispatcherConfig {
	return DispatcherConfig{
		Stream:        cfg.EventStream,
		Group:         cfg.ConsumerGroup,
		Consumer:      cfg.ConsumerName,
		Block:         cfg.DispatchBlock(),
		RetryDelay:    cfg.DispatchRetryDelay(),
		ClaimIdle:     cfg.DispatchClaimIdle(),
		DefaultPolicy: FailurePolicy(cfg.HandlerFailurePolicy),
	}
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Stream == "" {
		c.Stream = events.StreamDomainEvents
	}
	if c.Group == "" {
		c.Group = events.GroupEventHandlers
	}
	if c.Consumer == "" {
		c.Consumer = "dispatcher"
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.DefaultPolicy != FailClosed {
		c.DefaultPolicy = FailOpen
	}
	return c
}

// Dispatcher consumes the event stream as one member of a consumer group and fans each
// message out to the handlers registered for its event name. Delivery is at least once:
// a message is acknowledged only after every handler ran and no fail-closed handler
// failed, so handlers must tolerate duplicates.
type Dispatcher struct {
	rdb *redis.Client
	bus *StreamBus
	cfg DispatcherConfig
	log logx.Logger

	mu       sync.RWMutex
	handlers map[domain.EventName][]registration
}

func NewDispatcher(rdb *redis.Client, cfg DispatcherConfig, log logx.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		rdb:      rdb,
		bus:      NewStreamBus(rdb, cfg.Stream),
		cfg:      cfg,
		log:      log,
		handlers: map[domain.EventName][]registration{},
	}
}

// Register adds a handler for one event name, or for every event with AllEvents.
// Without WithPolicy the dispatcher's default policy applies.
func (d *Dispatcher) Register(name domain.EventName, handlerName string, h Handler, opts ...HandlerOption) {
	reg := registration{name: handlerName, handler: h, policy: d.cfg.DefaultPolicy}
	for _, opt := range opts {
		opt(&reg)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = append(d.handlers[name], reg)
}

func (d *Dispatcher) handlersFor(name domain.EventName) []registration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]registration, 0, len(d.handlers[name])+len(d.handlers[AllEvents]))
	out = append(out, d.handlers[name]...)
	return append(out, d.handlers[AllEvents]...)
}

// Run blocks until ctx is cancelled. It first replays messages this consumer read but
// never acknowledged, then reads new messages and periodically reclaims messages left
// idle by any consumer of the group. Redis errors are logged and retried after the
// fixed retry delay; they never end the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		err := d.bus.EnsureGroup(ctx, d.cfg.Group)
		if err == nil {
			break
		}
		d.log.Error(ctx, "dispatch_group_failed", "ensure consumer group failed",
			logx.Code("INTERNAL_ERROR"), logx.Err(err))
		if !d.sleep(ctx, d.cfg.RetryDelay) {
			return nil
		}
	}

	d.log.Info(ctx, "dispatcher_start", "dispatcher started",
		slog.String("stream", d.cfg.Stream),
		slog.String("group", d.cfg.Group),
		slog.String("consumer", d.cfg.Consumer),
	)
	if !d.drainPending(ctx) {
		return nil
	}

	lastClaim := time.Now()
	for ctx.Err() == nil {
		if time.Since(lastClaim) >= d.cfg.ClaimIdle {
			if !d.claimStale(ctx) {
				return nil
			}
			lastClaim = time.Now()
		}

		res, err := d.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    d.cfg.Group,
			Consumer: d.cfg.Consumer,
			Streams:  []string{d.cfg.Stream, ">"},
			Count:    d.cfg.BatchSize,
			Block:    d.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.readFailed(ctx, err)
			continue
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				if ctx.Err() != nil {
					return nil
				}
				d.process(ctx, msg)
			}
		}
	}
	d.log.Info(context.Background(), "dispatcher_stop", "dispatcher stopped", slog.String("consumer", d.cfg.Consumer))
	return nil
}

// drainPending walks this consumer's pending entries once, oldest first. It reports
// false when ctx was cancelled.
func (d *Dispatcher) drainPending(ctx context.Context) bool {
	cursor := "0"
	for {
		if ctx.Err() != nil {
			return false
		}
		res, err := d.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    d.cfg.Group,
			Consumer: d.cfg.Consumer,
			Streams:  []string{d.cfg.Stream, cursor},
			Count:    d.cfg.BatchSize,
			Block:    -1,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return true
		}
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			d.readFailed(ctx, err)
			continue
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			return true
		}
		for _, msg := range res[0].Messages {
			if ctx.Err() != nil {
				return false
			}
			metricsx.IncStreamRedelivered(d.cfg.Stream, d.cfg.Group, "pending")
			d.process(ctx, msg)
			cursor = msg.ID
		}
	}
}

// claimStale takes over entries idle longer than ClaimIdle, including this consumer's
// own entries left pending by a fail-closed handler.
func (d *Dispatcher) claimStale(ctx context.Context) bool {
	start := "0-0"
	for {
		if ctx.Err() != nil {
			return false
		}
		msgs, next, err := d.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   d.cfg.Stream,
			Group:    d.cfg.Group,
			Consumer: d.cfg.Consumer,
			MinIdle:  d.cfg.ClaimIdle,
			Start:    start,
			Count:    d.cfg.BatchSize,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			d.log.Warn(ctx, "dispatch_claim_failed", "reclaiming idle messages failed",
				logx.Code("INTERNAL_ERROR"), logx.Err(err))
			return true
		}
		for _, msg := range msgs {
			if ctx.Err() != nil {
				return false
			}
			metricsx.IncStreamRedelivered(d.cfg.Stream, d.cfg.Group, "claimed")
			d.process(ctx, msg)
		}
		if len(msgs) == 0 || next == "0-0" || next == "" {
			return true
		}
		start = next
	}
}

func (d *Dispatcher) readFailed(ctx context.Context, err error) {
	d.log.Error(ctx, "dispatch_read_failed", "reading the event stream failed",
		logx.Code("INTERNAL_ERROR"),
		logx.Err(err),
		slog.Int64("retry_in_ms", d.cfg.RetryDelay.Milliseconds()),
	)
	d.sleep(ctx, d.cfg.RetryDelay)
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// process runs every matching handler for one message. Handlers run concurrently on a
// context that shutdown does not cancel, so a started message is finished.
func (d *Dispatcher) process(ctx context.Context, msg redis.XMessage) {
	ctx = context.WithoutCancel(ctx)
	ev, err := decodeMessage(msg)
	if err != nil {
		d.log.Warn(ctx, "dispatch_poison_message", "undecodable stream message acknowledged",
			logx.Code("INVALID_ARGUMENT"),
			logx.Err(err),
			slog.String("message_id", msg.ID),
		)
		d.ack(ctx, msg.ID)
		return
	}

	ctx, span := otel.Tracer("eventbus").Start(ctx, "stream.dispatch")
	span.SetAttributes(
		attribute.String("stream", d.cfg.Stream),
		attribute.String("message_id", msg.ID),
		attribute.String("event_name", string(ev.Name())),
	)
	defer span.End()

	start := time.Now()
	var blocked atomic.Bool
	var g errgroup.Group
	for _, reg := range d.handlersFor(ev.Name()) {
		g.Go(func() error {
			if err := d.invoke(ctx, reg, ev); err != nil && reg.policy == FailClosed {
				blocked.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()
	metricsx.ObserveDispatch(string(ev.Name()), time.Since(start))

	if blocked.Load() {
		d.log.Warn(ctx, "dispatch_left_pending", "fail-closed handler failed, message left for redelivery",
			slog.String("message_id", msg.ID),
			slog.String("event_id", ev.EventID.String()),
			slog.String("event_name", string(ev.Name())),
		)
		return
	}
	d.ack(ctx, msg.ID)
}

func (d *Dispatcher) invoke(ctx context.Context, reg registration, ev domain.Event) error {
	err := callHandler(ctx, reg.handler, ev)
	result := "ok"
	switch {
	case errors.Is(err, errHandlerPanic):
		result = "panic"
	case err != nil:
		result = "failed"
	}
	metricsx.IncHandler(string(ev.Name()), reg.name, result)
	if err != nil {
		d.log.Error(ctx, "handler_failed", "event handler failed",
			logx.Code("INTERNAL_ERROR"),
			logx.Err(err),
			slog.String("handler", reg.name),
			slog.String("policy", string(reg.policy)),
			slog.String("event_id", ev.EventID.String()),
			slog.String("event_name", string(ev.Name())),
		)
	}
	return err
}

func callHandler(ctx context.Context, h Handler, ev domain.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", errHandlerPanic, rec)
		}
	}()
	return h.Handle(ctx, ev)
}

func (d *Dispatcher) ack(ctx context.Context, id string) {
	if err := d.rdb.XAck(ctx, d.cfg.Stream, d.cfg.Group, id).Err(); err != nil {
		d.log.Warn(ctx, "dispatch_ack_failed", "ack failed, message will be redelivered",
			logx.Code("INTERNAL_ERROR"),
			logx.Err(err),
			slog.String("message_id", id),
		)
		return
	}
	metricsx.IncStreamAcked(d.cfg.Stream, d.cfg.Group)
}

func decodeMessage(msg redis.XMessage) (domain.Event, error) {
	raw, ok := msg.Values[events.FieldEventJSON].(string)
	if !ok || raw == "" {
		return domain.Event{}, fmt.Errorf("message %s has no %s field", msg.ID, events.FieldEventJSON)
	}
	return domain.DecodeEvent([]byte(raw))
}
