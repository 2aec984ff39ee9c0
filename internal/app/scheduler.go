/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Schedules holds the cron expressions for each job.
type Schedules struct {
	Settlement string
	Reconcile  string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules Schedules
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedules Schedules) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedules.Settlement, s.jobs.SettleCompletedOrders); err != nil {
		s.logger.Error("failed to schedule auto-settlement job", "error", err)
	} else {
		s.logger.Info("scheduled auto-settlement job", "schedule", s.schedules.Settlement)
	}

	if _, err := s.cron.AddFunc(s.schedules.Reconcile, s.jobs.ReconcileLedger); err != nil {
		s.logger.Error("failed to schedule ledger reconciliation job", "error", err)
	} else {
		s.logger.Info("scheduled ledger reconciliation job", "schedule", s.schedules.Reconcile)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
