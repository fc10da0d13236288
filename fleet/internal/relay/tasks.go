package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"golfcart-fleet/shared/logx"
)

const (
	TaskOutboxScan         = "outbox.scan"
	TaskOutboxRequeueStale = "outbox.requeue_stale"
)

// NewScanTask builds the periodic scan task. Only one scan may be queued at a time so
// batches never overlap and per-aggregate order holds across workers.
func NewScanTask(queue string, interval time.Duration) (*asynq.Task, []asynq.Option) {
	return asynq.NewTask(TaskOutboxScan, nil), []asynq.Option{
		asynq.Queue(queue),
		asynq.Unique(max(interval, time.Second)),
	}
}

func NewRequeueTask(queue string) (*asynq.Task, []asynq.Option) {
	return asynq.NewTask(TaskOutboxRequeueStale, nil), []asynq.Option{asynq.Queue(queue)}
}

// ScanHandler runs one relay batch per task.
func (r *Relay) ScanHandler(owner string, limit int) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		res, err := r.RunBatch(ctx, owner, limit)
		if err != nil {
			r.log.Error(ctx, "outbox_scan_failed", "outbox scan failed", logx.Code("INTERNAL_ERROR"), logx.Err(err))
			return err
		}
		if res.Claimed > 0 {
			r.log.Debug(ctx, "outbox_scan", "outbox batch relayed",
				slog.Int("claimed", res.Claimed),
				slog.Int("published", res.Published),
				slog.Int("retried", res.Retried),
				slog.Int("dead", res.Dead),
				slog.Int("released", res.Released),
			)
		}
		return nil
	}
}

// RequeueHandler returns rows abandoned in sending and rows parked as dead to pending.
func (r *Relay) RequeueHandler(staleAfter time.Duration, deadAfter time.Duration) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		if _, err := r.RequeueStale(ctx, staleAfter); err != nil {
			return err
		}
		_, err := r.RequeueDead(ctx, deadAfter)
		return err
	}
}

// Register mounts both relay tasks on mux.
func (r *Relay) Register(mux *asynq.ServeMux, owner string, limit int, staleAfter time.Duration, deadAfter time.Duration) {
	mux.HandleFunc(TaskOutboxScan, r.ScanHandler(owner, limit))
	mux.HandleFunc(TaskOutboxRequeueStale, r.RequeueHandler(staleAfter, deadAfter))
}
