package core

// scheduler.go runs background maintenance for the service.
//
// The retention job deletes run history older than the configured number of
// days. It runs once at start and then on every tick until ctx is cancelled.
// A failed purge is logged and retried on the next tick.

import (
	"context"
	"log/slog"
	"time"
)

// RetentionConfig controls the run history retention job.
type RetentionConfig struct {
	RunHistoryDays int           // default: 90
	CheckInterval  time.Duration // default: 24h
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.RunHistoryDays <= 0 {
		c.RunHistoryDays = 90
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 24 * time.Hour
	}
	return c
}

// StartRetentionScheduler blocks, purging old run history periodically,
// until ctx is cancelled. Call it in its own goroutine.
func (s *Service) StartRetentionScheduler(ctx context.Context, cfg RetentionConfig) {
	cfg = cfg.withDefaults()
	slog.Info("retention scheduler started",
		"run_history_days", cfg.RunHistoryDays,
		"interval", cfg.CheckInterval,
	)

	s.runRetentionJob(ctx, cfg)

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention scheduler stopped")
			return
		case <-ticker.C:
			s.runRetentionJob(ctx, cfg)
		}
	}
}

// runRetentionJob performs one purge and returns the number of runs removed.
func (s *Service) runRetentionJob(ctx context.Context, cfg RetentionConfig) int64 {
	start := time.Now()
	cutoff := start.AddDate(0, 0, -cfg.RunHistoryDays)

	purged, err := s.store.PurgeRunsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("run history purge failed", "error", err)
		return 0
	}
	slog.Info("purged run history",
		"runs_purged", purged,
		"cutoff", cutoff.Format(time.DateOnly),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return purged
}
