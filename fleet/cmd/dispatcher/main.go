package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/fleet/internal/eventbus"
	"golfcart-fleet/fleet/internal/handlers"
	"golfcart-fleet/fleet/internal/uow"
	"golfcart-fleet/shared/cachex"
	"golfcart-fleet/shared/config"
	"golfcart-fleet/shared/dbx"
	"golfcart-fleet/shared/httpx"
	"golfcart-fleet/shared/influxx"
	"golfcart-fleet/shared/logx"
	"golfcart-fleet/shared/metricsx"
	"golfcart-fleet/shared/observability"
)

func main() {
	cfg, problems := config.Load("fleet-dispatcher", 8082)
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

	dispatcher := eventbus.NewDispatcher(cache.Client(), eventbus.DispatcherConfigFrom(cfg), logger)
	dispatcher.Register(eventbus.AllEvents, "logging", handlers.NewLogging(logger))
	dispatcher.Register(eventbus.AllEvents, "auditing", handlers.NewAuditing(uow.NewPgUnitOfWork(dbPool, logger)))

	notify := handlers.NewNotificationHandler(handlers.NewLogNotifier(logger), cache, cfg.NotifyDedupeTTL(), logger)
	dispatcher.Register(domain.EventCartStatusChanged, "notification", notify)
	dispatcher.Register(domain.EventBatteryCritical, "notification", notify)

	if influxx.Enabled(cfg) {
		influxClient, err := influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "influx init failed",
				logx.Code("FAILED_PRECONDITION"),
				logx.Err(err),
			)
		} else {
			defer influxClient.Close()
			dispatcher.Register(domain.EventPositionUpdated, "position_history",
				handlers.NewPositionHistory(influxClient), eventbus.WithPolicy(eventbus.FailOpen))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": cfg.ServiceName})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "metrics_server_failed", "metrics server failed", logx.Err(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dispatcher.Run(ctx)
	}()

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown_signal", "received signal")
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn(context.Background(), "shutdown_timeout", "dispatcher did not stop in time")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info(context.Background(), "service_stop", "dispatcher stopped")
}
