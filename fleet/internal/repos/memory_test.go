package repos

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/fleet/internal/models"
)

var testNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newStore() *MemoryStore {
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return testNow })
	return s
}

func newCart(t *testing.T, number string, opts ...domain.CartOption) *domain.Cart {
	t.Helper()
	n, err := domain.NewCartNumber(number)
	require.NoError(t, err)
	opts = append([]domain.CartOption{
		domain.WithClock(func() time.Time { return testNow }),
		domain.WithLastMaintenance(testNow.Add(-time.Hour)),
	}, opts...)
	return domain.NewCart(n, opts...)
}

func saveCommitted(t *testing.T, s *MemoryStore, carts ...*domain.Cart) {
	t.Helper()
	tx := s.Begin()
	repo := tx.Carts(tx.Publisher())
	for _, c := range carts {
		require.NoError(t, repo.Save(context.Background(), c))
	}
	tx.Commit()
}

func TestMemorySaveWritesOutboxInOrder(t *testing.T) {
	s := newStore()
	cart := newCart(t, "CART001")
	require.NoError(t, cart.StartTrip())
	saveCommitted(t, s, cart)

	rows := s.OutboxEvents()
	require.Len(t, rows, 3)
	names := []string{rows[0].EventName, rows[1].EventName, rows[2].EventName}
	assert.Equal(t, []string{"CartRegistered", "CartStatusChanged", "CartStarted"}, names)
	assert.Less(t, rows[0].Seq, rows[1].Seq)
	assert.Equal(t, OutboxStatusPending, rows[0].Status)
	assert.Empty(t, cart.PendingEvents())

	ev, err := domain.DecodeEvent(rows[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, cart.ID(), ev.AggregateID)
}

func TestMemoryRollbackDiscardsCartAndOutbox(t *testing.T) {
	s := newStore()
	tx := s.Begin()
	require.NoError(t, tx.Carts(tx.Publisher()).Save(context.Background(), newCart(t, "CART001")))
	tx.Rollback()

	tx = s.Begin()
	defer tx.Rollback()
	n, err := tx.Carts(nil).Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, s.OutboxEvents())
}

func TestMemoryDuplicateCartNumber(t *testing.T) {
	s := newStore()
	saveCommitted(t, s, newCart(t, "CART001"))

	tx := s.Begin()
	defer tx.Rollback()
	err := tx.Carts(nil).Save(context.Background(), newCart(t, "CART001"))
	require.ErrorIs(t, err, domain.ErrBusinessRule)
	assert.Equal(t, "Cart with number CART001 already exists.", err.Error())
}

func TestMemoryQueries(t *testing.T) {
	s := newStore()
	running := newCart(t, "CART001")
	require.NoError(t, running.StartTrip())
	low := newCart(t, "CART002", domain.WithBattery(mustBattery(t, 15)))
	overdue := newCart(t, "CART003", domain.WithLastMaintenance(testNow.Add(-31*24*time.Hour)))
	fresh := newCart(t, "CART004")
	saveCommitted(t, s, running, low, overdue, fresh)

	ctx := context.Background()
	tx := s.Begin()
	defer tx.Rollback()
	repo := tx.Carts(nil, domain.WithClock(func() time.Time { return testNow }))

	got, err := repo.GetRunningCarts(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, running.ID(), got[0].ID())

	got, err = repo.GetCartsNeedingMaintenance(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{low.ID(), overdue.ID()}, ids(got))

	idle := domain.StatusIdle
	n, err := repo.Count(ctx, &idle)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	page, err := repo.GetAll(ctx, domain.ListFilter{Skip: 1, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	number, _ := domain.NewCartNumber("CART002")
	byNumber, err := repo.GetByCartNumber(ctx, number)
	require.NoError(t, err)
	require.NotNil(t, byNumber)
	assert.Equal(t, 15.0, byNumber.Battery().Level())
	assert.Empty(t, byNumber.PendingEvents())

	missing, err := repo.GetByID(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	deleted, err := repo.Delete(ctx, fresh.ID())
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = repo.Delete(ctx, fresh.ID())
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMemoryEventLogAppendIsIdempotent(t *testing.T) {
	s := newStore()
	log := models.EventLog{EventID: uuid.New(), EventName: "CartStarted", AggregateID: uuid.New(), OccurredAt: testNow, Payload: []byte(`{}`)}

	tx := s.Begin()
	inserted, err := tx.EventLogs().Append(context.Background(), log)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = tx.EventLogs().Append(context.Background(), log)
	require.NoError(t, err)
	assert.False(t, inserted)
	tx.Commit()

	assert.Len(t, s.EventLogs(), 1)
}

func TestMemoryClaimKeepsAggregateOrder(t *testing.T) {
	s := newStore()
	a := newCart(t, "CART001")
	b := newCart(t, "CART002")
	saveCommitted(t, s, a, b)
	ctx := context.Background()

	claimed, err := s.ClaimPending(ctx, "relay-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	require.NoError(t, a.StartTrip())
	saveCommitted(t, s, a)

	// a's CartRegistered is still in flight, so its new events wait.
	next, err := s.ClaimPending(ctx, "relay-1", 10)
	require.NoError(t, err)
	assert.Empty(t, next)

	retryAt := testNow.Add(time.Minute)
	require.NoError(t, s.MarkFailed(ctx, claimed[0].EventID, 1, &retryAt, "boom", false))
	require.NoError(t, s.MarkDelivered(ctx, claimed[1].EventID))
	next, err = s.ClaimPending(ctx, "relay-1", 10)
	require.NoError(t, err)
	assert.Empty(t, next)

	s.SetClock(func() time.Time { return retryAt })
	next, err = s.ClaimPending(ctx, "relay-1", 10)
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, claimed[0].EventID, next[0].EventID)
	assert.Equal(t, "CartStatusChanged", next[1].EventName)
	assert.Equal(t, "relay-1", *next[0].LockedBy)
}

func TestMemoryDeadRowBlocksAggregateUntilRequeued(t *testing.T) {
	s := newStore()
	a := newCart(t, "CART001")
	saveCommitted(t, s, a)
	ctx := context.Background()

	claimed, err := s.ClaimPending(ctx, "relay-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, s.MarkFailed(ctx, claimed[0].EventID, 5, nil, "stream down", true))

	require.NoError(t, a.StartTrip())
	saveCommitted(t, s, a)
	next, err := s.ClaimPending(ctx, "relay-1", 10)
	require.NoError(t, err)
	assert.Empty(t, next)

	n, err := s.RequeueDead(ctx, testNow)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.RequeueDead(ctx, testNow.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	next, err = s.ClaimPending(ctx, "relay-1", 10)
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, claimed[0].EventID, next[0].EventID)
	assert.Zero(t, next[0].Attempts)
}

func TestMemoryRequeueStaleAndRelease(t *testing.T) {
	s := newStore()
	saveCommitted(t, s, newCart(t, "CART001"), newCart(t, "CART002"))
	ctx := context.Background()

	claimed, err := s.ClaimPending(ctx, "relay-1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	require.NoError(t, s.Release(ctx, claimed[0].EventID))
	n, err := s.RequeueStale(ctx, testNow.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	for _, row := range s.OutboxEvents() {
		assert.Equal(t, OutboxStatusPending, row.Status)
		assert.Nil(t, row.LockedBy)
	}
	assert.ErrorIs(t, s.MarkDelivered(ctx, uuid.New()), ErrNotFound)
}

func mustBattery(t *testing.T, level float64) domain.Battery {
	t.Helper()
	b, err := domain.NewBattery(level)
	require.NoError(t, err)
	return b
}

func ids(carts []*domain.Cart) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(carts))
	for _, c := range carts {
		out = append(out, c.ID())
	}
	return out
}
