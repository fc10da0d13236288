//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golfcart-fleet/fleet/internal/app"
	"golfcart-fleet/fleet/internal/eventbus"
	"golfcart-fleet/fleet/internal/handlers"
	"golfcart-fleet/fleet/internal/models"
	"golfcart-fleet/fleet/internal/relay"
	"golfcart-fleet/fleet/internal/repos"
	"golfcart-fleet/fleet/internal/uow"
	"golfcart-fleet/shared/logx"
)

func connect(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Ping(ctx))
	require.NoError(t, repos.Migrate(ctx, pool))
	return pool
}

func uniqueNumber() string {
	return fmt.Sprintf("IT%d", time.Now().UnixNano()%1_000_000_000_000)
}

func TestCartCommandsWriteOutbox(t *testing.T) {
	pool := connect(t)
	ctx := context.Background()
	svc := app.NewCartService(uow.NewPgUnitOfWork(pool, logx.Nop()), logx.Nop())

	maintained := time.Now().Add(-time.Hour)
	cart, err := svc.Register(ctx, app.RegisterCart{CartNumber: uniqueNumber(), Lat: 37.5, Lng: 127, LastMaintenance: &maintained})
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = svc.Delete(context.Background(), cart.ID) })

	_, err = svc.StartTrip(ctx, cart.ID)
	require.NoError(t, err)
	_, err = svc.StartTrip(ctx, cart.ID)
	require.Error(t, err)

	rows, err := pool.Query(ctx, `SELECT event_name FROM outbox_events WHERE aggregate_id = $1 ORDER BY seq`, cart.ID)
	require.NoError(t, err)
	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"CartRegistered", "CartStatusChanged", "CartStarted"}, names)

	_, err = svc.Register(ctx, app.RegisterCart{CartNumber: cart.CartNumber})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestRelayAndAuditRoundTrip(t *testing.T) {
	pool := connect(t)
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	t.Cleanup(func() { _ = rdb.Close() })

	stream := fmt.Sprintf("it_events_%d", time.Now().UnixNano())
	t.Cleanup(func() { _ = rdb.Del(context.Background(), stream).Err() })

	u := uow.NewPgUnitOfWork(pool, logx.Nop())
	svc := app.NewCartService(u, logx.Nop())
	cart, err := svc.Register(ctx, app.RegisterCart{CartNumber: uniqueNumber(), Lat: 37.5, Lng: 127})
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = svc.Delete(context.Background(), cart.ID) })

	r := relay.New(repos.NewOutboxRepo(pool), eventbus.NewStreamBus(rdb, stream), logx.Nop())
	require.Eventually(t, func() bool {
		if _, err := r.RunBatch(ctx, "integration", 100); err != nil {
			return false
		}
		var pending int
		err := pool.QueryRow(ctx, `SELECT count(*) FROM outbox_events WHERE aggregate_id = $1 AND status <> 'delivered'`, cart.ID).Scan(&pending)
		return err == nil && pending == 0
	}, 10*time.Second, 100*time.Millisecond)

	dctx, cancel := context.WithCancel(ctx)
	d := eventbus.NewDispatcher(rdb, eventbus.DispatcherConfig{
		Stream:   stream,
		Group:    "it_handlers",
		Consumer: "it-1",
		Block:    100 * time.Millisecond,
	}, logx.Nop())
	d.Register(eventbus.AllEvents, "auditing", handlers.NewAuditing(u))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(dctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	logs := repos.NewEventLogRepo(pool)
	require.Eventually(t, func() bool {
		got, err := logs.ListByAggregate(ctx, cart.ID, 10)
		return err == nil && len(got) == 1 && got[0].EventName == "CartRegistered"
	}, 10*time.Second, 100*time.Millisecond)
}

func TestConcurrentClaimsKeepCartOrder(t *testing.T) {
	pool := connect(t)
	ctx := context.Background()
	svc := app.NewCartService(uow.NewPgUnitOfWork(pool, logx.Nop()), logx.Nop())

	maintained := time.Now().Add(-time.Hour)
	cart, err := svc.Register(ctx, app.RegisterCart{CartNumber: uniqueNumber(), Lat: 37.5, Lng: 127, LastMaintenance: &maintained})
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = svc.Delete(context.Background(), cart.ID) })
	_, err = svc.StartTrip(ctx, cart.ID)
	require.NoError(t, err)

	outbox := repos.NewOutboxRepo(pool)
	const claimers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		batches [][]models.OutboxEvent
	)
	start := make(chan struct{})
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			rows, err := outbox.ClaimPending(ctx, fmt.Sprintf("it-relay-%d", i), 100)
			assert.NoError(t, err)
			mu.Lock()
			batches = append(batches, rows)
			mu.Unlock()
		}(i)
	}
	close(start)
	wg.Wait()

	var mine [][]uuid.UUID
	var owner string
	for _, rows := range batches {
		var ids []uuid.UUID
		for _, row := range rows {
			if row.AggregateID != cart.ID {
				require.NoError(t, outbox.Release(ctx, row.EventID))
				continue
			}
			ids = append(ids, row.EventID)
			owner = *row.LockedBy
		}
		if len(ids) > 0 {
			mine = append(mine, ids)
		}
	}
	require.Len(t, mine, 1, "one claimer takes the whole cart")
	require.Len(t, mine[0], 3)

	var prev int64
	for _, id := range mine[0] {
		row, err := outbox.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, repos.OutboxStatusSending, row.Status)
		assert.Equal(t, owner, *row.LockedBy)
		assert.Greater(t, row.Seq, prev)
		prev = row.Seq
		require.NoError(t, outbox.MarkDelivered(ctx, id))
	}
}
