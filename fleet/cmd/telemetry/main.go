package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golfcart-fleet/fleet/internal/app"
	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/fleet/internal/handlers"
	"golfcart-fleet/fleet/internal/uow"
	"golfcart-fleet/shared/config"
	"golfcart-fleet/shared/dbx"
	"golfcart-fleet/shared/events"
	"golfcart-fleet/shared/logx"
	"golfcart-fleet/shared/metricsx"
	"golfcart-fleet/shared/mqx"
	"golfcart-fleet/shared/observability"
)

func main() {
	cfg, problems := config.Load("fleet-telemetry", 8084)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
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

	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = cfg.ServiceName
	}
	reader, err := mqx.NewConsumer(cfg, events.TopicCartTelemetry, groupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka consumer init failed",
			logx.Code("FAILED_PRECONDITION"),
			logx.Err(err),
		)
		os.Exit(1)
	}
	defer reader.Close()

	cartOpts := []domain.CartOption{domain.WithConsumptionPolicy(domain.LinearConsumption{
		Rate:           cfg.BatteryRatePerHour,
		ReferenceSpeed: cfg.BatteryReferenceSpeedKMH,
	})}
	carts := app.NewCartService(uow.NewPgUnitOfWork(dbPool, logger, cartOpts...), logger, cartOpts...)
	ingest := handlers.NewTelemetryIngest(carts, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "consumer_start", "telemetry consumer started",
		slog.String("topic", events.TopicCartTelemetry),
		slog.String("group", groupID),
	)
	mqx.Consume(ctx, reader, logger, mqx.ConsumeOptions{Topic: events.TopicCartTelemetry, Group: groupID}, ingest.Handle)
	logger.Info(context.Background(), "consumer_stop", "telemetry consumer stopped")
}
