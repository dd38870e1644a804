package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/scripthub/licensing/internal/adapters/api"
	"github.com/scripthub/licensing/internal/adapters/ratelimit"
	"github.com/scripthub/licensing/internal/adapters/repository"
	"github.com/scripthub/licensing/internal/core/ports"
	"github.com/scripthub/licensing/internal/core/services"
	"github.com/scripthub/licensing/internal/infrastructure/config"
	"github.com/scripthub/licensing/internal/infrastructure/logging"
	"github.com/scripthub/licensing/internal/infrastructure/metrics"
)

const version = "0.1.0"

func main() {
	if err := run(os.Args); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run(args []string) error {
	command := "serve"
	if len(args) > 1 {
		command = args[1]
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", args[0])
		}
		return migrate(cfg, args[2])
	case "version":
		fmt.Printf("ScriptHub licensing v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	db.SetMaxIdleConns(cfg.Database.MinIdleConnections)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func migrate(cfg *config.Config, direction string) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := repository.Migrate(db, direction); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Printf("Migrations %s completed", direction)
	return nil
}

// newLimiter picks the shared Redis limiter when configured and the
// in-process token bucket otherwise.
func newLimiter(ctx context.Context, cfg *config.Config, handler *api.APIHandler) (ports.RateLimiter, func()) {
	if !cfg.RateLimit.Enabled {
		return nil, func() {}
	}
	if cfg.Redis.Enabled {
		limiter := ratelimit.NewRedisLimiter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.RateLimit.RequestsPerMinute, time.Minute)
		handler.WithHealthCheck("redis", limiter.Ping)
		return limiter, func() {
			if err := limiter.Close(); err != nil {
				slog.Warn("failed to close redis client", "error", err)
			}
		}
	}
	limiter := ratelimit.NewMemoryLimiter(float64(cfg.RateLimit.RequestsPerMinute)/60, cfg.RateLimit.Burst)
	go limiter.StartCleanup(ctx, time.Minute)
	return limiter, func() {}
}

func serve(cfg *config.Config) error {
	logger := logging.Setup(os.Stdout, cfg.Logging.Format, cfg.Logging.Level)

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Warn("could not ping database", "error", err)
	}

	if cfg.Database.MigrateOnStart {
		if err := repository.Migrate(db, "up"); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("database migrations applied")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	repo := repository.NewPostgresRepository(db)
	clock := services.SystemClock{}
	policy := cfg.PlanPolicy()
	licenses := services.NewLicenseService(repo, clock, policy, logger)
	quotas := services.NewQuotaService(repo, clock, policy, logger)
	plans := services.NewPlanService(repo, clock, policy, logger)

	handler := api.NewAPIHandler(licenses, quotas, plans, repo, clock, logger)
	limiter, closeLimiter := newLimiter(ctx, cfg, handler)
	defer closeLimiter()
	if limiter != nil {
		handler.WithRateLimiter(limiter)
	}

	if cfg.Sweeper.Enabled {
		go services.NewKeySweeper(licenses, cfg.Sweeper.Interval, logger).Start(ctx)
	}
	metrics.StartDBStatsCollector(ctx, db, 30*time.Second)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("licensing API listening", "addr", server.Addr, "redis", cfg.Redis.Enabled, "sweeper", cfg.Sweeper.Enabled)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
