// Command recognition-server runs the comic recognition session service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/infernokun/InfernoComics-sub002/internal/catalog"
	"github.com/infernokun/InfernoComics-sub002/internal/classify"
	"github.com/infernokun/InfernoComics-sub002/internal/config"
	"github.com/infernokun/InfernoComics-sub002/internal/engine"
	"github.com/infernokun/InfernoComics-sub002/internal/progress"
	"github.com/infernokun/InfernoComics-sub002/internal/server"
	"github.com/infernokun/InfernoComics-sub002/internal/service/recognition"
	"github.com/infernokun/InfernoComics-sub002/internal/storage"
	"github.com/infernokun/InfernoComics-sub002/internal/telemetry"
	"github.com/infernokun/InfernoComics-sub002/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("RECOG_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("recognition server starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Session store: Postgres when DATABASE_URL is set, SQLite otherwise.
	store, storeKind, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer func() { _ = store.Close(context.Background()) }()
	slog.Info("session store ready", "backend", storeKind)

	// Progress hub: store-first publish, per-session fan-out.
	hub := progress.NewHub(store, logger, progress.HubConfig{
		SubscriberBufferSize: cfg.SubscriberBufferSize,
		IdleTimeout:          cfg.SubscriberIdleTimeout,
	})
	go hub.Start(ctx)

	// Live status aggregator; acquired for the process lifetime so its
	// push+poll refresh loop runs while the server is up.
	aggregator := progress.NewAggregator(store, hub, logger, progress.AggregatorConfig{
		PollInterval: cfg.StatusRefreshInterval,
		ListLimit:    cfg.StatusListLimit,
		StallWindow:  cfg.StallWindow,
	})
	aggregator.Acquire()
	defer aggregator.Release()

	// External collaborators.
	engineClient := engine.NewClient(cfg.EngineURL, cfg.EngineTimeout, logger)
	catalogClient := catalog.NewClient(cfg.CatalogURL, cfg.CatalogTimeout)

	svc := recognition.New(store, hub, engineClient, catalogClient, logger, recognition.Options{
		Thresholds: classify.Thresholds{
			High:   cfg.HighThreshold,
			Medium: cfg.MediumThreshold,
		},
		CommitParallelism: cfg.CommitParallelism,
	})

	// Retention sweep loop.
	go func() {
		ticker := time.NewTicker(cfg.RetentionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := svc.SweepRetention(ctx, cfg.SessionRetention); err != nil {
					logger.Warn("retention sweep failed", "error", err)
				}
			}
		}
	}()

	srv := server.New(server.Config{
		Store:               store,
		Hub:                 hub,
		Aggregator:          aggregator,
		Service:             svc,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		StoreKind:           storeKind,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxUploadBytes:      cfg.MaxUploadBytes,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		StatusListLimit:     cfg.StatusListLimit,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown, phase ordered: (1) stop accepting HTTP and drain
	// in-flight requests, (2) wait for background engine consumers so their
	// terminal events land in the store, (3) the deferred hub/store teardown
	// closes remaining subscribers and the pool.
	slog.Info("recognition server shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	done := make(chan struct{})
	go func() {
		svc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		slog.Warn("engine consumers still running at shutdown deadline")
	}

	slog.Info("recognition server stopped")
	return nil
}

// openStore selects and initializes the session store backend.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.SessionStore, string, error) {
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, "", err
		}
		if err := pg.RunMigrations(ctx, migrations.FS); err != nil {
			_ = pg.Close(ctx)
			return nil, "", fmt.Errorf("migrations: %w", err)
		}
		return pg, "postgres", nil
	}

	lite, err := storage.NewSQLite(cfg.SQLitePath, logger)
	if err != nil {
		return nil, "", err
	}
	return lite, "sqlite", nil
}
