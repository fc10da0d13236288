package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"golfcart-fleet/fleet/internal/app"
	"golfcart-fleet/fleet/internal/eventbus"
	"golfcart-fleet/fleet/internal/jobs"
	"golfcart-fleet/fleet/internal/relay"
	"golfcart-fleet/fleet/internal/repos"
	"golfcart-fleet/fleet/internal/uow"
	"golfcart-fleet/shared/cachex"
	"golfcart-fleet/shared/config"
	"golfcart-fleet/shared/dbx"
	"golfcart-fleet/shared/influxx"
	"golfcart-fleet/shared/logx"
	"golfcart-fleet/shared/metricsx"
	"golfcart-fleet/shared/mqx"
	"golfcart-fleet/shared/observability"
	"golfcart-fleet/shared/resiliencex"
)

func main() {
	cfg, problems := config.Load("fleet-relay", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.RedisAddr == "" {
		problems = append(problems, config.Problem{Field: "REDIS_ADDR", Message: "REDIS_ADDR is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			logx.Code("FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	shutdownTracer, err := observability.Setup(context.Background(), cfg)
	if err == nil {
		defer func() { _ = shutdownTracer(context.Background()) }()
	}

	dbPool, err := dbx.NewPool(context.Background(), cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			logx.Code("FAILED_PRECONDITION"),
			logx.Err(err),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Error(context.Background(), "redis_init_failed", "redis init failed",
			logx.Code("FAILED_PRECONDITION"),
			logx.Err(err),
		)
		os.Exit(1)
	}
	defer cache.Close()

	relayOpts := []relay.Option{
		relay.WithMaxAttempts(cfg.OutboxMaxAttempts),
		relay.WithBreaker(resiliencex.NewBreaker(resiliencex.DefaultBreakerConfig("redis_stream"), logger)),
	}
	if cfg.KafkaMirrorEnabled {
		producer, err := mqx.NewProducer(cfg)
		if err != nil {
			logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
				logx.Code("FAILED_PRECONDITION"),
				logx.Err(err),
			)
			os.Exit(1)
		}
		defer producer.Close()
		relayOpts = append(relayOpts, relay.WithMirror(producer, ""))
	}
	outboxRelay := relay.New(
		repos.NewOutboxRepo(dbPool),
		eventbus.NewStreamBus(cache.Client(), cfg.EventStream),
		logger,
		relayOpts...,
	)

	var points jobs.PointWriter
	if influxx.Enabled(cfg) {
		influxClient, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "influx init failed", logx.Err(err))
		} else {
			defer influxClient.Close()
			points = influxClient
		}
	}
	carts := app.NewCartService(uow.NewPgUnitOfWork(dbPool, logger), logger)
	snapshotInterval := time.Duration(cfg.SnapshotSec) * time.Second
	snapshot := jobs.NewSnapshot(carts, cache, points, 2*snapshotInterval, logger)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	outboxRelay.Register(mux, cfg.ServiceName+"-"+cfg.ConsumerName, cfg.OutboxBatchSize,
		relay.DefaultStaleAfter, time.Duration(cfg.OutboxDeadSec)*time.Second)
	mux.HandleFunc(jobs.TaskFleetSnapshot, snapshot.Handler())

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()

	scanInterval := time.Duration(cfg.OutboxScanSec) * time.Second
	scanTask, scanOpts := relay.NewScanTask(cfg.AsynqQueue, scanInterval)
	requeueTask, requeueOpts := relay.NewRequeueTask(cfg.AsynqQueue)
	snapshotTask, snapshotOpts := jobs.NewSnapshotTask(cfg.AsynqQueue)
	schedule := []struct {
		every time.Duration
		task  *asynq.Task
		opts  []asynq.Option
	}{
		{scanInterval, scanTask, scanOpts},
		{time.Minute, requeueTask, requeueOpts},
		{snapshotInterval, snapshotTask, snapshotOpts},
	}
	for _, s := range schedule {
		spec := "@every " + strconv.Itoa(int(s.every.Seconds())) + "s"
		if _, err := scheduler.Register(spec, s.task, s.opts...); err != nil {
			logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
				logx.Code("FAILED_PRECONDITION"),
				slog.String("task", s.task.Type()),
				logx.Err(err),
			)
			os.Exit(1)
		}
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			logx.Code("INTERNAL_ERROR"),
			logx.Err(err),
		)
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "outbox relay started",
			slog.String("queue", cfg.AsynqQueue),
			slog.String("stream", cfg.EventStream),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Bool("kafka_mirror", cfg.KafkaMirrorEnabled),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				logx.Code("INTERNAL_ERROR"),
				logx.Err(err),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "outbox relay stopped")
}
