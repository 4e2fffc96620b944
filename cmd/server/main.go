package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/endeavourhealth/transforms/internal/config"
	"github.com/endeavourhealth/transforms/internal/core"
	_ "github.com/endeavourhealth/transforms/internal/core/sources" // Register all sources
	"github.com/endeavourhealth/transforms/internal/logging"
	"github.com/endeavourhealth/transforms/internal/schema"
	"github.com/endeavourhealth/transforms/internal/store/memstore"
	"github.com/endeavourhealth/transforms/internal/store/pgstore"
	"github.com/endeavourhealth/transforms/internal/store/sqlitestore"
	"github.com/endeavourhealth/transforms/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_driver", cfg.Database.Driver,
		"pipeline_max_concurrent_runs", cfg.Pipeline.MaxConcurrentRuns,
		"input_dir", cfg.Pipeline.InputDir,
	)

	ctx := context.Background()
	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if cfg.Schema.Catalogue != "" {
		cat, err := schema.Load(cfg.Schema.Catalogue)
		if err != nil {
			slog.Error("failed to load catalogue", "path", cfg.Schema.Catalogue, "error", err)
			os.Exit(1)
		}
		if err := core.ReplaceCatalogue(cat); err != nil {
			slog.Error("failed to apply catalogue", "path", cfg.Schema.Catalogue, "error", err)
			os.Exit(1)
		}
		slog.Info("catalogue replaced", "source", cat.Source, "path", cfg.Schema.Catalogue)
	}

	service := core.NewService(st, core.ServiceConfig{
		BatchSize:         cfg.Pipeline.BatchSize,
		Workers:           cfg.Pipeline.Workers,
		MaxConcurrentRuns: cfg.Pipeline.MaxConcurrentRuns,
		MaxWaitTime:       cfg.Pipeline.MaxWaitTime,
		RunTimeout:        cfg.Pipeline.RunTimeout,
		Encoding:          cfg.Pipeline.Encoding,
	})

	// Log registered sources
	slog.Info("sources registered", "count", core.SourceCount())
	for _, info := range service.ListSources() {
		slog.Debug("source", "key", info.Key, "content_types", len(info.ContentTypes))
	}

	server := web.NewServer(service, cfg.Server, cfg.Pipeline.InputDir)

	// Create cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())

	go service.StartRetentionScheduler(jobCtx, core.RetentionConfig{
		RunHistoryDays: cfg.Retention.RunHistoryDays,
		CheckInterval:  cfg.Retention.CheckInterval,
	})

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		// Stop background jobs
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Wait for active runs to complete (with timeout)
		status := service.RunLimiterStatus()
		if status.Active > 0 {
			slog.Info("waiting for runs to complete", "active", status.Active)
			if err := service.WaitForRuns(shutdownCtx); err != nil {
				slog.Warn("runs did not complete in time", "error", err)
			} else {
				slog.Info("all runs completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	// Start server (uses addr from config internally)
	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil {
		slog.Info("server stopped", "error", err)
	}
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (core.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		slog.Warn("using in-memory store; nothing survives a restart")
		return memstore.New(), nil

	case config.DriverSQLite:
		st, err := sqlitestore.Open(cfg.URL)
		if err != nil {
			return nil, err
		}
		slog.Info("connected to database", "driver", cfg.Driver, "path", cfg.URL)
		return st, nil

	default:
		st, err := pgstore.Open(ctx, pgstore.Config{
			URL:             cfg.URL,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
			MaxConnIdleTime: cfg.MaxConnIdleTime,
		})
		if err != nil {
			return nil, err
		}
		// Log which database we connected to
		if u, err := url.Parse(cfg.URL); err == nil {
			slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
		} else {
			slog.Info("connected to database")
		}
		return st, nil
	}
}
