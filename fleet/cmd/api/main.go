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

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"golfcart-fleet/fleet/internal/app"
	"golfcart-fleet/fleet/internal/domain"
	"golfcart-fleet/fleet/internal/httpapi"
	"golfcart-fleet/fleet/internal/jobs"
	"golfcart-fleet/fleet/internal/middleware"
	"golfcart-fleet/fleet/internal/repos"
	"golfcart-fleet/fleet/internal/uow"
	"golfcart-fleet/shared/authx"
	"golfcart-fleet/shared/cachex"
	"golfcart-fleet/shared/config"
	"golfcart-fleet/shared/dbx"
	"golfcart-fleet/shared/httpx"
	"golfcart-fleet/shared/logx"
	"golfcart-fleet/shared/metricsx"
	"golfcart-fleet/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("fleet-api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	shutdownTracer, err := observability.Setup(context.Background(), cfg)
	if err != nil {
		logger.Warn(context.Background(), "otel_init_failed", "tracing disabled", logx.Err(err))
	} else {
		defer func() { _ = shutdownTracer(context.Background()) }()
	}

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}

	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		dbPool, err = dbx.NewPool(context.Background(), cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed",
				logx.Code("FAILED_PRECONDITION"),
				logx.Err(err),
			)
			dbPool = nil
		} else if err := repos.Migrate(context.Background(), dbPool); err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "schema migration failed"})
			logger.Error(context.Background(), "db_migrate_failed", "schema migration failed",
				logx.Code("FAILED_PRECONDITION"),
				logx.Err(err),
			)
		}
	}

	cartOpts := []domain.CartOption{domain.WithConsumptionPolicy(domain.LinearConsumption{
		Rate:           cfg.BatteryRatePerHour,
		ReferenceSpeed: cfg.BatteryReferenceSpeedKMH,
	})}
	var carts *app.CartService
	if dbPool != nil {
		carts = app.NewCartService(uow.NewPgUnitOfWork(dbPool, logger, cartOpts...), logger, cartOpts...)
	}

	var snapshots httpapi.SnapshotSource
	if cfg.RedisAddr != "" {
		cache, err := cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "redis_init_failed", "fleet snapshots unavailable", logx.Err(err))
		} else {
			defer cache.Close()
			snapshots = func(ctx context.Context) (app.FleetSummary, bool, error) {
				return jobs.LatestSnapshot(ctx, cache)
			}
		}
	}

	var verifier authx.Verifier
	if cfg.OIDCIssuer != "" || cfg.OIDCJWKSURL != "" {
		authCtx, cancelAuth := context.WithCancel(context.Background())
		defer cancelAuth()
		v, err := authx.NewJWTVerifier(authCtx, cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		} else {
			verifier = v
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	if carts != nil {
		httpapi.New(carts, snapshots, logger).Routes(mux)
	}

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	operational := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.DBRequiredMiddleware{
		Available: func() bool { return carts != nil },
		Skip:      operational,
	}.Wrap(handler)
	handler = middleware.RoleMiddleware{
		Enabled: cfg.AuthRequired,
		Roles:   []string{authx.RoleFleetOperator, authx.RoleFleetAdmin},
	}.Wrap(handler)
	handler = middleware.AuthMiddleware{
		Verifier: verifier,
		Required: cfg.AuthRequired,
		Skip:     operational,
	}.Wrap(handler)
	var limiter *middleware.IPRateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 2*time.Minute)
	}
	handler = middleware.RateLimitMiddleware{Limiter: limiter, Skip: operational}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = metricsx.Instrument(handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
			slog.Bool("auth_required", cfg.AuthRequired),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				logx.Code("INTERNAL_ERROR"),
				logx.Err(err),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			logx.Code("INTERNAL_ERROR"),
			logx.Err(err),
		)
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
