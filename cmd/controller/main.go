// Package main is the entry point for the boardgen controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"boardgen/internal/config"
	"boardgen/internal/controller"
	"boardgen/internal/controller/handlers"
	"boardgen/internal/engine"
	"boardgen/internal/ledger"
	"boardgen/internal/logger"
	"boardgen/internal/observability"
	"boardgen/internal/pipeline"
	"boardgen/internal/provider"
	"boardgen/internal/store"
	"boardgen/internal/store/memory"
	"boardgen/internal/store/postgres"
	"boardgen/internal/store/sqlite"
	"boardgen/internal/stream"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// backend is what every store driver provides.
type backend interface {
	handlers.StoreFactory
	store.ExecutionRepository
	store.ContentSink
	store.CreditRepository
	Close() error
}

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting (postgres only)")
	configPath := flag.String("config", "", "Path to config file (YAML)")
	flag.Parse()

	// Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg, *migrateFlag, log)
	if err != nil {
		fatal(log, "Failed to open store", err)
	}
	defer db.Close()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, observability.DefaultServiceName, cfg.OTELEndpoint)
	if err != nil {
		fatal(log, "Failed to init tracing", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		fatal(log, "Failed to init metrics", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Error("failed to shutdown metrics", "error", err)
		}
	}()

	// Observed only when scraped
	meter := otel.Meter("boardgen-controller")
	_, err = meter.Int64ObservableGauge("boardgen.executions.running",
		metric.WithDescription("Current number of running executions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			running, err := db.ListExecutionsByStatus(ctx, store.ExecutionStatusRunning)
			if err != nil {
				log.Warn("failed to count running executions", "error", err)
				return nil // Don't fail the scrape on a store error
			}
			obs.Observe(int64(len(running)))
			return nil
		}),
	)
	if err != nil {
		log.Warn("failed to register running executions metric", "error", err)
	}

	// Generation
	text := provider.NewTextClient(cfg.TextProviderURL, cfg.ProviderAPIKey, cfg.ProviderTimeout)
	images := provider.NewImageClient(cfg.ImageProviderURL, cfg.ProviderAPIKey, cfg.ProviderTimeout)
	limiter := rate.NewLimiter(rate.Limit(cfg.ProviderRateLimit), cfg.ProviderBurst)
	gen := pipeline.New(text, images, limiter, pipeline.WithMaxParallelImages(cfg.MaxParallelImages))

	credits := ledger.New(db, log)
	eng := engine.New(engine.Config{
		Executions:        db,
		Candidates:        db,
		Content:           db,
		Ledger:            credits,
		Generator:         gen,
		Hub:               stream.NewHub(cfg.StreamBuffer, log),
		Logger:            log,
		OrphanGracePeriod: cfg.OrphanGracePeriod,
		InstanceID:        cfg.InstanceID,
		LeaseDuration:     cfg.LeaseDuration,
	})

	// Executions left running by a previous process
	if err := eng.Recover(ctx); err != nil {
		log.Error("recovery failed", "error", err)
	}

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.OrphanSweepSchedule, func() {
		res, err := eng.Sweep(ctx)
		if err != nil {
			log.Error("orphan sweep failed", "error", err)
			return
		}
		if res.Refunded > 0 {
			log.Info("orphan sweep refunded credits", "scanned", res.Scanned, "refunded", res.Refunded, "credits", res.Credits)
		}
		// Executions whose controller died since the last run
		if err := eng.Adopt(ctx); err != nil {
			log.Error("execution adoption failed", "error", err)
		}
	}); err != nil {
		fatal(log, "Invalid orphan sweep schedule", err)
	}
	sweeper.Start()

	// Start Server
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	h := handlers.New(eng, credits, db, log)
	srv := controller.New(addr, h, db, controller.Options{
		AdminSecret: cfg.AdminSecret,
		Metrics:     metricsHandler,
	})

	log.Info("boardgen controller starting", "addr", addr, "store", cfg.StoreDriver, "lease", cfg.LeaseDuration)
	if err := srv.Run(ctx); err != nil {
		log.Error("server stopped", "error", err)
	}

	// Graceful Shutdown
	log.Info("shutting down controller")
	<-sweeper.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error("engine forced to shutdown", "error", err)
	}
	log.Info("controller exited")
}

func openStore(ctx context.Context, cfg *config.Config, migrateFirst bool, log *slog.Logger) (backend, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.DriverMemory:
		log.Warn("using the in-memory store, nothing survives a restart")
		return memory.New(), nil
	}

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if migrateFirst {
		log.Info("running database migrations")
		version, err := postgres.Migrate(db.DB())
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		log.Info("migrations completed", "version", version)
	}
	return db, nil
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
