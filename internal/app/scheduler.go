/**
 * @description
 * Cron scheduler setup for the charge-service batch jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/moneta-app/charge-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.AutoDeductSchedule, s.jobs.RunAutoDeductSweep); err != nil {
		s.logger.Error("failed to schedule auto-deduct sweep", "error", err)
	} else {
		s.logger.Info("scheduled auto-deduct sweep", "schedule", s.config.AutoDeductSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.OccurrenceSchedule, s.jobs.RunOccurrenceGeneration); err != nil {
		s.logger.Error("failed to schedule occurrence generation", "error", err)
	} else {
		s.logger.Info("scheduled occurrence generation", "schedule", s.config.OccurrenceSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
