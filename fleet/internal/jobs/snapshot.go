package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"golfcart-fleet/fleet/internal/app"
	"golfcart-fleet/shared/cachex"
	"golfcart-fleet/shared/influxx"
	"golfcart-fleet/shared/lockx"
	"golfcart-fleet/shared/logx"
	"golfcart-fleet/shared/metricsx"
)

const (
	TaskFleetSnapshot = "fleet.snapshot"
	SnapshotCacheKey  = "fleet:snapshot"
	snapshotLockKey   = "lock:fleet:snapshot"
)

type Summarizer interface {
	Summary(ctx context.Context) (app.FleetSummary, error)
}

type PointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

// Snapshot periodically records fleet counts: Prometheus gauges, an Influx point and a
// cached copy for the API. One replica runs it at a time.
type Snapshot struct {
	fleet  Summarizer
	cache  *cachex.Client
	points PointWriter
	ttl    time.Duration
	log    logx.Logger
}

// NewSnapshot takes an optional points writer; pass nil when Influx is not configured.
func NewSnapshot(fleet Summarizer, cache *cachex.Client, points PointWriter, ttl time.Duration, log logx.Logger) *Snapshot {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Snapshot{fleet: fleet, cache: cache, points: points, ttl: ttl, log: log}
}

// Run takes one snapshot. It returns false when another replica holds the lock.
func (s *Snapshot) Run(ctx context.Context) (bool, error) {
	err := lockx.Run(ctx, s.cache.Client(), snapshotLockKey, time.Minute, s.take)
	if errors.Is(err, lockx.ErrNotAcquired) {
		s.log.Debug(ctx, "fleet_snapshot_skipped", "snapshot already running elsewhere")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Snapshot) take(ctx context.Context) error {
	sum, err := s.fleet.Summary(ctx)
	if err != nil {
		return err
	}

	for status, n := range sum.ByStatus {
		metricsx.SetCartsByStatus(status, n)
	}
	metricsx.SetCartsNeedingMaintenance(sum.NeedingMaintenance)

	if s.points != nil {
		fields := map[string]any{
			"total":               sum.Total,
			"needing_maintenance": sum.NeedingMaintenance,
		}
		for status, n := range sum.ByStatus {
			fields[status] = n
		}
		if err := s.points.WritePoint(ctx, influxx.MeasurementFleetSnapshot, nil, fields, sum.TakenAt); err != nil {
			s.log.Warn(ctx, "influx_write_failed", "fleet snapshot point not written", logx.Err(err))
		}
	}

	if err := s.cache.SetJSON(ctx, SnapshotCacheKey, sum, s.ttl); err != nil {
		return fmt.Errorf("cache fleet snapshot: %w", err)
	}
	s.log.Info(ctx, "fleet_snapshot", "fleet snapshot taken",
		slog.Int("total", sum.Total),
		slog.Int("needing_maintenance", sum.NeedingMaintenance),
	)
	return nil
}

func (s *Snapshot) Handler() asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		_, err := s.Run(ctx)
		return err
	}
}

func NewSnapshotTask(queue string) (*asynq.Task, []asynq.Option) {
	return asynq.NewTask(TaskFleetSnapshot, nil), []asynq.Option{asynq.Queue(queue)}
}

// LatestSnapshot reads the last cached snapshot.
func LatestSnapshot(ctx context.Context, cache *cachex.Client) (app.FleetSummary, bool, error) {
	var sum app.FleetSummary
	ok, err := cache.GetJSON(ctx, SnapshotCacheKey, &sum)
	if err != nil || !ok {
		return app.FleetSummary{}, false, err
	}
	return sum, true, nil
}
