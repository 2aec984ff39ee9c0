/**
 * @description
 * Scheduled job implementations: auto-settlement of completed orders and the nightly
 * ledger reconciliation.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/transfa/escrow-service/internal/domain"
)

// Settler settles due orders.
type Settler interface {
	SettleDue(ctx context.Context, olderThan time.Duration, limit int) (SettlementRun, error)
}

// Reconciler checks every account against its history.
type Reconciler interface {
	ReconcileAll(ctx context.Context) ([]domain.ReconciliationReport, error)
}

// JobsConfig holds the tunables for scheduled jobs.
type JobsConfig struct {
	AutoSettleAfter     time.Duration
	SettlementBatchSize int
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	settler    Settler
	reconciler Reconciler
	logger     *slog.Logger
	config     JobsConfig
}

// NewJobs creates a new Jobs runner.
func NewJobs(settler Settler, reconciler Reconciler, logger *slog.Logger, cfg JobsConfig) *Jobs {
	return &Jobs{
		settler:    settler,
		reconciler: reconciler,
		logger:     logger,
		config:     cfg,
	}
}

// SettleCompletedOrders settles orders that have stayed COMPLETED past the auto-settle window.
func (j *Jobs) SettleCompletedOrders() {
	j.logger.Info("starting auto-settlement job")
	ctx := context.Background()

	run, err := j.settler.SettleDue(ctx, j.config.AutoSettleAfter, j.config.SettlementBatchSize)
	if err != nil {
		j.logger.Error("failed to run auto-settlement", "error", err)
		return
	}
	if run.Candidates == 0 {
		j.logger.Info("no completed orders due for settlement")
		return
	}

	j.logger.Info("auto-settlement job finished",
		"candidates", run.Candidates, "settled", run.Settled, "skipped", run.Skipped, "failed", run.Failed)
}

// ReconcileLedger replays every account's history and halts the ones that do not match.
func (j *Jobs) ReconcileLedger() {
	j.logger.Info("starting ledger reconciliation job")
	ctx := context.Background()

	reports, err := j.reconciler.ReconcileAll(ctx)
	if err != nil {
		j.logger.Error("failed to reconcile ledger", "error", err)
		return
	}

	mismatched := 0
	for _, report := range reports {
		if report.Balanced {
			continue
		}
		mismatched++
		j.logger.Error("account failed reconciliation",
			"account_id", report.AccountID,
			"available", report.AvailableBalance, "replayed", report.ReplayedBalance,
			"frozen", report.FrozenBalance, "expected_frozen", report.ExpectedFrozen)
	}

	j.logger.Info("ledger reconciliation job finished", "accounts", len(reports), "mismatched", mismatched)
}
