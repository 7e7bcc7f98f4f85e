package service

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/macrelay/macrelay/internal/config"
	"github.com/macrelay/macrelay/internal/observability"
)

// Scheduler runs the periodic background refresh: channel cache sync followed
// by guide cache invalidation, on the configured cron expression.
type Scheduler struct {
	cron    *cron.Cron
	refresh *RefreshService
	guide   *GuideService
	spec    string
	logger  *slog.Logger
}

// NewScheduler creates a scheduler. An empty cron spec disables it.
func NewScheduler(cfg config.GuideConfig, refresh *RefreshService, guide *GuideService, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(),
		refresh: refresh,
		guide:   guide,
		spec:    cfg.RefreshCron,
		logger:  observability.WithComponent(logger, "scheduler"),
	}
}

// Start registers the refresh job and starts the cron loop.
func (s *Scheduler) Start() error {
	if s.spec == "" {
		s.logger.Info("scheduled refresh disabled")
		return nil
	}

	_, err := s.cron.AddFunc(s.spec, func() {
		ctx := context.Background()
		s.logger.Info("scheduled refresh starting")
		if err := s.refresh.RefreshAll(ctx); err != nil {
			s.logger.Error("scheduled refresh failed", slog.String("error", err.Error()))
		}
		s.guide.Invalidate()
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("scheduler started", slog.String("cron", s.spec))
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}
