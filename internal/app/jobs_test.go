package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transfa/escrow-service/internal/domain"
)

type stubSettler struct {
	olderThan time.Duration
	limit     int
	run       SettlementRun
	err       error
	calls     int
}

func (s *stubSettler) SettleDue(ctx context.Context, olderThan time.Duration, limit int) (SettlementRun, error) {
	s.calls++
	s.olderThan = olderThan
	s.limit = limit
	return s.run, s.err
}

type stubReconciler struct {
	reports []domain.ReconciliationReport
	err     error
	calls   int
}

func (s *stubReconciler) ReconcileAll(ctx context.Context) ([]domain.ReconciliationReport, error) {
	s.calls++
	return s.reports, s.err
}

func TestSettleCompletedOrdersPassesPolicy(t *testing.T) {
	settler := &stubSettler{run: SettlementRun{Candidates: 2, Settled: 2}}
	jobs := NewJobs(settler, &stubReconciler{}, discardLogger(), JobsConfig{
		AutoSettleAfter:     72 * time.Hour,
		SettlementBatchSize: 50,
	})

	jobs.SettleCompletedOrders()

	if settler.calls != 1 {
		t.Fatalf("expected SettleDue to be called once, got %d", settler.calls)
	}
	if settler.olderThan != 72*time.Hour || settler.limit != 50 {
		t.Fatalf("unexpected settlement policy: %s/%d", settler.olderThan, settler.limit)
	}
}

func TestJobsSurviveFailures(t *testing.T) {
	settler := &stubSettler{err: errors.New("db down")}
	reconciler := &stubReconciler{err: errors.New("db down")}
	jobs := NewJobs(settler, reconciler, discardLogger(), JobsConfig{})

	jobs.SettleCompletedOrders()
	jobs.ReconcileLedger()

	if settler.calls != 1 || reconciler.calls != 1 {
		t.Fatalf("expected each job to run once")
	}
}

func TestReconcileLedgerRunsAgainstLedger(t *testing.T) {
	env := newTestEnv(t)
	env.openFunded(t, "acc-1", domain.RoleGrabber, 1000)
	jobs := NewJobs(env.orders, env.ledger, discardLogger(), JobsConfig{AutoSettleAfter: time.Hour, SettlementBatchSize: 10})

	jobs.ReconcileLedger()
	jobs.SettleCompletedOrders()

	if env.account(t, "acc-1").Halted {
		t.Fatalf("a balanced account must not be halted by reconciliation")
	}
}

func TestSchedulerStartStop(t *testing.T) {
	jobs := NewJobs(&stubSettler{}, &stubReconciler{}, discardLogger(), JobsConfig{})
	scheduler := NewScheduler(jobs, discardLogger(), Schedules{
		Settlement: "*/15 * * * *",
		Reconcile:  "not a schedule",
	})

	scheduler.Start()
	if got := len(scheduler.cron.Entries()); got != 1 {
		t.Fatalf("expected only the valid schedule to register, got %d entries", got)
	}

	select {
	case <-scheduler.Stop().Done():
	case <-time.After(time.Second):
		t.Fatalf("scheduler did not stop")
	}
}
