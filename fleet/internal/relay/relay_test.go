package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/fleet/internal/eventbus"
	"golfcart-fleet/fleet/internal/models"
	"golfcart-fleet/fleet/internal/repos"
	"golfcart-fleet/shared/events"
	"golfcart-fleet/shared/logx"
	"golfcart-fleet/shared/resiliencex"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newStore(t *testing.T) (*repos.MemoryStore, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	store := repos.NewMemoryStore()
	store.SetClock(clock.Now)
	return store, clock
}

func seed(t *testing.T, store *repos.MemoryStore, evs ...domain.Event) {
	t.Helper()
	tx := store.Begin()
	require.NoError(t, tx.Publisher().Publish(context.Background(), evs...))
	tx.Commit()
}

func started(cartID uuid.UUID, at time.Time) domain.Event {
	return domain.NewEvent(cartID, at, domain.CartStatusChanged{OldStatus: domain.StatusIdle, NewStatus: domain.StatusRunning})
}

func stopped(cartID uuid.UUID, at time.Time) domain.Event {
	return domain.NewEvent(cartID, at, domain.CartStatusChanged{OldStatus: domain.StatusRunning, NewStatus: domain.StatusIdle})
}

func rowsByID(store *repos.MemoryStore) map[uuid.UUID]models.OutboxEvent {
	out := map[uuid.UUID]models.OutboxEvent{}
	for _, row := range store.OutboxEvents() {
		out[row.EventID] = row
	}
	return out
}

// flakyStream fails every publish for the aggregates in down.
type flakyStream struct {
	mu        sync.Mutex
	down      map[uuid.UUID]bool
	err       error
	published []string
}

func (s *flakyStream) PublishEnvelope(_ context.Context, eventName string, envelope []byte) (string, error) {
	ev, err := domain.DecodeEvent(envelope)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down[ev.AggregateID] || s.err != nil {
		if s.err != nil {
			return "", s.err
		}
		return "", errors.New("stream unavailable")
	}
	s.published = append(s.published, ev.EventID.String())
	return "0-1", nil
}

func TestRunBatchPublishesToStream(t *testing.T) {
	store, clock := newStore(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	bus := eventbus.NewStreamBus(rdb, "test_events")

	cartID := uuid.New()
	first, second := started(cartID, clock.Now()), stopped(cartID, clock.Now())
	seed(t, store, first, second)

	r := New(store, bus, logx.Nop(), WithClock(clock.Now))
	res, err := r.RunBatch(context.Background(), "relay-1", 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 2, Published: 2}, res)

	msgs, err := rdb.XRange(context.Background(), "test_events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for i, want := range []domain.Event{first, second} {
		assert.Equal(t, "CartStatusChanged", msgs[i].Values[events.FieldEventName])
		got, err := domain.DecodeEvent([]byte(msgs[i].Values[events.FieldEventJSON].(string)))
		require.NoError(t, err)
		assert.Equal(t, want.EventID, got.EventID)
		assert.Equal(t, want.Payload, got.Payload)
	}

	for _, row := range store.OutboxEvents() {
		assert.Equal(t, repos.OutboxStatusDelivered, row.Status)
		assert.NotNil(t, row.PublishedAt)
		assert.Nil(t, row.LockedBy)
	}

	res, err = r.RunBatch(context.Background(), "relay-1", 10)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
}

func TestRunBatchHoldsBackAggregateAfterFailure(t *testing.T) {
	store, clock := newStore(t)
	broken, healthy := uuid.New(), uuid.New()
	b1, b2 := started(broken, clock.Now()), stopped(broken, clock.Now())
	h1 := started(healthy, clock.Now())
	seed(t, store, b1, h1, b2)

	stream := &flakyStream{down: map[uuid.UUID]bool{broken: true}}
	r := New(store, stream, logx.Nop(), WithClock(clock.Now))
	ctx := context.Background()

	res, err := r.RunBatch(ctx, "relay-1", 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 3, Published: 1, Retried: 1, Released: 1}, res)

	rows := rowsByID(store)
	assert.Equal(t, repos.OutboxStatusPending, rows[b1.EventID].Status)
	assert.Equal(t, 1, rows[b1.EventID].Attempts)
	require.NotNil(t, rows[b1.EventID].NextRetryAt)
	assert.Equal(t, clock.Now().Add(5*time.Second), *rows[b1.EventID].NextRetryAt)
	require.NotNil(t, rows[b1.EventID].LastError)
	assert.Equal(t, "stream unavailable", *rows[b1.EventID].LastError)
	assert.Equal(t, repos.OutboxStatusPending, rows[b2.EventID].Status)
	assert.Zero(t, rows[b2.EventID].Attempts)
	assert.Equal(t, repos.OutboxStatusDelivered, rows[h1.EventID].Status)

	// Still inside the retry delay: the whole aggregate waits.
	stream.down = nil
	res, err = r.RunBatch(ctx, "relay-1", 10)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	clock.Advance(6 * time.Second)
	res, err = r.RunBatch(ctx, "relay-1", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Published)
	assert.Equal(t, []string{h1.EventID.String(), b1.EventID.String(), b2.EventID.String()}, stream.published)
}

func TestRunBatchDeliversEveryRowAfterLongOutage(t *testing.T) {
	store, clock := newStore(t)
	cartID := uuid.New()
	first, second := started(cartID, clock.Now()), stopped(cartID, clock.Now())
	seed(t, store, first, second)

	stream := &flakyStream{down: map[uuid.UUID]bool{cartID: true}}
	r := New(store, stream, logx.Nop(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		res, err := r.RunBatch(ctx, "relay-1", 10)
		require.NoError(t, err)
		assert.Zero(t, res.Dead)
		clock.Advance(5 * time.Minute)
	}
	rows := rowsByID(store)
	assert.Equal(t, repos.OutboxStatusPending, rows[first.EventID].Status)
	assert.Equal(t, 40, rows[first.EventID].Attempts)
	assert.Equal(t, repos.OutboxStatusPending, rows[second.EventID].Status)
	assert.Zero(t, rows[second.EventID].Attempts)
	assert.Empty(t, stream.published)

	stream.down = nil
	res, err := r.RunBatch(ctx, "relay-1", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Published)
	assert.Equal(t, []string{first.EventID.String(), second.EventID.String()}, stream.published)
}

func TestDeadRowBlocksAggregateUntilRequeued(t *testing.T) {
	store, clock := newStore(t)
	cartID := uuid.New()
	first, second := started(cartID, clock.Now()), stopped(cartID, clock.Now())
	seed(t, store, first, second)

	stream := &flakyStream{down: map[uuid.UUID]bool{cartID: true}}
	r := New(store, stream, logx.Nop(), WithClock(clock.Now), WithMaxAttempts(2))
	ctx := context.Background()

	_, err := r.RunBatch(ctx, "relay-1", 10)
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	res, err := r.RunBatch(ctx, "relay-1", 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Claimed: 2, Dead: 1, Released: 1}, res)

	rows := rowsByID(store)
	assert.Equal(t, repos.OutboxStatusDead, rows[first.EventID].Status)
	assert.Equal(t, 2, rows[first.EventID].Attempts)
	assert.Equal(t, repos.OutboxStatusPending, rows[second.EventID].Status)

	// The stream is back but the dead row still holds its cart's later rows.
	stream.down = nil
	res, err = r.RunBatch(ctx, "relay-1", 10)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	n, err := r.RequeueDead(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Hour)
	n, err = r.RequeueDead(ctx, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Zero(t, rowsByID(store)[first.EventID].Attempts)

	res, err = r.RunBatch(ctx, "relay-1", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Published)
	assert.Equal(t, []string{first.EventID.String(), second.EventID.String()}, stream.published)
}

type mirrored struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type fakeMirror struct {
	msgs []mirrored
	err  error
}

func (m *fakeMirror) Publish(_ context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, mirrored{topic, string(key), value, headers})
	return nil
}

func TestRunBatchMirrorsToKafka(t *testing.T) {
	store, clock := newStore(t)
	cartID := uuid.New()
	ev := started(cartID, clock.Now())
	seed(t, store, ev)

	mirror := &fakeMirror{}
	r := New(store, &flakyStream{}, logx.Nop(), WithClock(clock.Now), WithMirror(mirror, ""))
	_, err := r.RunBatch(context.Background(), "relay-1", 10)
	require.NoError(t, err)

	require.Len(t, mirror.msgs, 1)
	msg := mirror.msgs[0]
	assert.Equal(t, events.TopicCartEvents, msg.topic)
	assert.Equal(t, cartID.String(), msg.key)
	assert.Equal(t, ev.EventID.String(), msg.headers["event_id"])
	assert.Equal(t, "CartStatusChanged", msg.headers["event_name"])
	assert.Equal(t, events.AggregateTypeGolfCart, msg.headers["aggregate_type"])
	decoded, err := domain.DecodeEvent(msg.value)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID, decoded.EventID)
}

func TestMirrorFailureDoesNotHoldRows(t *testing.T) {
	store, clock := newStore(t)
	seed(t, store, started(uuid.New(), clock.Now()))

	r := New(store, &flakyStream{}, logx.Nop(), WithClock(clock.Now), WithMirror(&fakeMirror{err: errors.New("broker down")}, "mirror"))
	res, err := r.RunBatch(context.Background(), "relay-1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)
	assert.Equal(t, repos.OutboxStatusDelivered, store.OutboxEvents()[0].Status)
}

func TestOpenBreakerSkipsStream(t *testing.T) {
	store, clock := newStore(t)
	a, b := uuid.New(), uuid.New()
	seed(t, store, started(a, clock.Now()), started(b, clock.Now()))

	cfg := resiliencex.DefaultBreakerConfig("relay-test")
	cfg.FailureThreshold = 1
	stream := &flakyStream{err: errors.New("connection refused")}
	r := New(store, stream, logx.Nop(), WithClock(clock.Now), WithBreaker(resiliencex.NewBreaker(cfg, logx.Nop())))

	res, err := r.RunBatch(context.Background(), "relay-1", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Retried)

	rows := store.OutboxEvents()
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Attempts)
	require.NotNil(t, rows[1].LastError)
	assert.Contains(t, *rows[1].LastError, resiliencex.ErrOpen.Error())
	// Rejected by the open breaker: not counted as an attempt.
	assert.Zero(t, rows[1].Attempts)
	assert.Equal(t, repos.OutboxStatusPending, rows[1].Status)
}

func TestRequeueStale(t *testing.T) {
	store, clock := newStore(t)
	seed(t, store, started(uuid.New(), clock.Now()))

	claimed, err := store.ClaimPending(context.Background(), "crashed-relay", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	r := New(store, &flakyStream{}, logx.Nop(), WithClock(clock.Now))
	n, err := r.RequeueStale(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Minute)
	n, err = r.RequeueStale(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	res, err := r.RunBatch(context.Background(), "relay-1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, RetryDelay(0))
	assert.Equal(t, 5*time.Second, RetryDelay(1))
	assert.Equal(t, 20*time.Second, RetryDelay(2))
	assert.Equal(t, 45*time.Second, RetryDelay(3))
	assert.Equal(t, 5*time.Minute, RetryDelay(8))
}
