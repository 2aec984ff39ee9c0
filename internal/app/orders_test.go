package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

func TestCreateOrderFixesPricesAndRecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.openFunded(t, "pub", domain.RolePublisher, 0)

	order := env.publish(t, "pub", 800000)
	if order.Status != domain.OrderStatusPublished {
		t.Fatalf("expected PUBLISHED, got %s", order.Status)
	}
	if order.PlatformFee != 20000 || order.GrabPrice != 820000 || order.CommissionRuleID != "sh-onsite" {
		t.Fatalf("unexpected pricing: fee=%d grab=%d rule=%s", order.PlatformFee, order.GrabPrice, order.CommissionRuleID)
	}
	if order.OrderNo == "" || order.OrderNo[:13] != "ORD-20260301-" {
		t.Fatalf("unexpected order number %q", order.OrderNo)
	}

	history, err := env.orders.Transitions(ctx, order.ID)
	if err != nil {
		t.Fatalf("Transitions returned error: %v", err)
	}
	if len(history) != 1 || history[0].Event != domain.EventCreate || history[0].From != "" || history[0].To != domain.OrderStatusPublished {
		t.Fatalf("unexpected creation history: %+v", history)
	}
	if got := env.account(t, "pub"); got.FrozenBalance != 0 || got.AvailableBalance != 0 {
		t.Fatalf("publishing must not move money, got %+v", got)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.openFunded(t, "pub", domain.RolePublisher, 0)

	tests := map[string]struct {
		actor domain.Actor
		req   domain.CreateOrderRequest
		want  error
	}{
		"zero price":      {publisherActor("pub"), domain.CreateOrderRequest{CityCode: testCity, OrderType: testType}, domain.ErrInvalidAmount},
		"missing city":    {publisherActor("pub"), domain.CreateOrderRequest{OrderType: testType, PublishPrice: 100}, domain.ErrInvalidInput},
		"unknown account": {publisherActor("ghost"), domain.CreateOrderRequest{CityCode: testCity, OrderType: testType, PublishPrice: 100}, domain.ErrNotFound},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := env.orders.CreateOrder(ctx, tt.actor, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestGrabWithInsufficientFundsChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.openFunded(t, "pub", domain.RolePublisher, 0)
	env.openFunded(t, "grab", domain.RoleGrabber, 500000)
	order := env.publish(t, "pub", 800000)

	_, err := env.orders.Grab(ctx, grabberActor("grab"), order.ID)
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	after, _ := env.orders.Get(ctx, order.ID)
	if after.Status != domain.OrderStatusPublished || after.GrabberID != nil {
		t.Fatalf("order changed after failed grab: %+v", after)
	}
	if got := env.account(t, "pub").FrozenBalance; got != 0 {
		t.Fatalf("publisher frozen balance changed to %d", got)
	}
	if got := env.account(t, "grab").AvailableBalance; got != 500000 {
		t.Fatalf("grabber balance changed to %d", got)
	}
	history, _ := env.orders.Transitions(ctx, order.ID)
	if len(history) != 1 {
		t.Fatalf("expected only the creation row, got %d", len(history))
	}
}

func TestGrabDebitsGrabberAndEscrowsPublisher(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.grabbed(t)

	if order.Status != domain.OrderStatusProcessing || order.Grabber() != "grab" || order.GrabbedAt == nil {
		t.Fatalf("unexpected order after grab: %+v", order)
	}
	if got := env.account(t, "grab").AvailableBalance; got != 180000 {
		t.Fatalf("expected grabber available 180000, got %d", got)
	}
	if got := env.account(t, "pub").FrozenBalance; got != 800000 {
		t.Fatalf("expected publisher frozen 800000, got %d", got)
	}

	flows, _ := env.ledger.Flows(ctx, "grab")
	if countFlows(flows, domain.CategoryGrab) != 1 {
		t.Fatalf("expected one GRAB flow, got %+v", flows)
	}
	pubFlows, _ := env.ledger.Flows(ctx, "pub")
	if len(pubFlows) != 0 {
		t.Fatalf("escrow must not write a publisher flow, got %+v", pubFlows)
	}
	if len(env.sink.noticesFor("pub")) != 1 || len(env.sink.noticesFor("grab")) != 1 {
		t.Fatalf("expected one notification each for publisher and grabber")
	}
	if !containsAction(env.sink.actions(), "order.grab") {
		t.Fatalf("expected order.grab audit, got %v", env.sink.actions())
	}
}

func TestGrabRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.grabbed(t)
	env.openFunded(t, "late", domain.RoleGrabber, 1000000)

	if _, err := env.orders.Grab(ctx, grabberActor("late"), order.ID); !errors.Is(err, domain.ErrOrderNotClaimable) {
		t.Fatalf("expected ErrOrderNotClaimable, got %v", err)
	}

	env.openFunded(t, "rich-pub", domain.RolePublisher, 1000000)
	own := env.publish(t, "rich-pub", 1000)
	if _, err := env.orders.Grab(ctx, grabberActor("rich-pub"), own.ID); !errors.Is(err, domain.ErrSelfGrab) {
		t.Fatalf("expected ErrSelfGrab, got %v", err)
	}
	if got := env.account(t, "rich-pub"); got.AvailableBalance != 1000000 || got.FrozenBalance != 0 {
		t.Fatalf("self grab moved money: %+v", got)
	}
}

func TestConfirmExceptionRefundsGrabPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.inException(t)
	if order.Dispute == nil || order.Dispute.ExceptionReason != "customer not home" {
		t.Fatalf("expected dispute record, got %+v", order.Dispute)
	}

	out, err := env.orders.ConfirmException(ctx, publisherActor("pub"), order.ID, "agreed")
	if err != nil {
		t.Fatalf("ConfirmException returned error: %v", err)
	}
	if out.Status != domain.OrderStatusCancelled || out.ClosedAt == nil {
		t.Fatalf("expected CANCELLED and closed, got %+v", out)
	}
	if got := env.account(t, "pub").FrozenBalance; got != 0 {
		t.Fatalf("expected publisher frozen 0, got %d", got)
	}
	if got := env.account(t, "grab").AvailableBalance; got != 1000000 {
		t.Fatalf("expected grabber available back to 1000000, got %d", got)
	}
	flows, _ := env.ledger.Flows(ctx, "grab")
	if countFlows(flows, domain.CategoryRefund) != 1 {
		t.Fatalf("expected one REFUND flow, got %+v", flows)
	}
	assertReplayMatches(t, env, "grab")
	assertReplayMatches(t, env, "pub")
}

func TestSettleReleasesEscrowToPublisher(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.grabbed(t)

	completed, err := env.orders.Complete(ctx, grabberActor("grab"), order.ID, "done")
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if completed.CompletedAt == nil {
		t.Fatalf("expected completion time to be set")
	}

	out, err := env.orders.Settle(ctx, publisherActor("pub"), order.ID)
	if err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}
	if out.Status != domain.OrderStatusSettled {
		t.Fatalf("expected SETTLED, got %s", out.Status)
	}
	pub := env.account(t, "pub")
	if pub.FrozenBalance != 0 || pub.AvailableBalance != 800000 {
		t.Fatalf("expected publisher 800000/0, got %d/%d", pub.AvailableBalance, pub.FrozenBalance)
	}
	flows, _ := env.ledger.Flows(ctx, "pub")
	if countFlows(flows, domain.CategorySettlement) != 1 {
		t.Fatalf("expected one SETTLEMENT flow, got %+v", flows)
	}
	assertReplayMatches(t, env, "pub")

	history, _ := env.orders.Transitions(ctx, order.ID)
	events := make([]domain.OrderEvent, 0, len(history))
	for _, h := range history {
		events = append(events, h.Event)
	}
	want := []domain.OrderEvent{domain.EventCreate, domain.EventGrab, domain.EventComplete, domain.EventSettle}
	if len(events) != len(want) {
		t.Fatalf("expected history %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected history %v, got %v", want, events)
		}
	}
}

func TestAppealAndRulings(t *testing.T) {
	t.Run("for publisher settles", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		order := env.inException(t)

		mediating, err := env.orders.Appeal(ctx, publisherActor("pub"), order.ID, domain.AppealRequest{Reason: "work was done"})
		if err != nil {
			t.Fatalf("Appeal returned error: %v", err)
		}
		if mediating.Status != domain.OrderStatusMediating || mediating.Dispute.AppealReason != "work was done" {
			t.Fatalf("unexpected order after appeal: %+v", mediating)
		}
		if len(env.sink.broadcasts) != 1 {
			t.Fatalf("expected arbiters to be notified")
		}

		if _, err := env.orders.Settle(ctx, adminActor, order.ID); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("expected direct settle from MEDIATING to be rejected, got %v", err)
		}

		ruled, err := env.orders.Rule(ctx, arbiterActor, order.ID, domain.RulingRequest{Ruling: domain.RulingForPublisher})
		if err != nil {
			t.Fatalf("Rule returned error: %v", err)
		}
		if ruled.Status != domain.OrderStatusSettled || ruled.Ruling == nil || *ruled.Ruling != domain.RulingForPublisher {
			t.Fatalf("unexpected order after ruling: %+v", ruled)
		}
		if got := env.account(t, "pub").AvailableBalance; got != 800000 {
			t.Fatalf("expected publisher paid 800000, got %d", got)
		}
	})

	t.Run("for grabber refunds", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		order := env.inException(t)
		if _, err := env.orders.Appeal(ctx, publisherActor("pub"), order.ID, domain.AppealRequest{Reason: "disagree"}); err != nil {
			t.Fatalf("Appeal returned error: %v", err)
		}

		ruled, err := env.orders.Rule(ctx, arbiterActor, order.ID, domain.RulingRequest{Ruling: domain.RulingForGrabber})
		if err != nil {
			t.Fatalf("Rule returned error: %v", err)
		}
		if ruled.Status != domain.OrderStatusCancelled {
			t.Fatalf("expected CANCELLED, got %s", ruled.Status)
		}
		if got := env.account(t, "grab").AvailableBalance; got != 1000000 {
			t.Fatalf("expected grabber refunded to 1000000, got %d", got)
		}
		if got := env.account(t, "pub").FrozenBalance; got != 0 {
			t.Fatalf("expected publisher escrow released, got %d", got)
		}
	})

	t.Run("validation", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		order := env.inException(t)

		if _, err := env.orders.Appeal(ctx, publisherActor("pub"), order.ID, domain.AppealRequest{Reason: "   "}); !errors.Is(err, domain.ErrEmptyAppealReason) {
			t.Fatalf("expected ErrEmptyAppealReason, got %v", err)
		}
		if _, err := env.orders.Rule(ctx, arbiterActor, order.ID, domain.RulingRequest{Ruling: "SPLIT"}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := env.orders.Rule(ctx, arbiterActor, order.ID, domain.RulingRequest{Ruling: domain.RulingForGrabber}); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("expected ruling before appeal to be rejected, got %v", err)
		}
	})
}

func TestFileExceptionRequiresEvidence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.grabbed(t)

	requests := []domain.FileExceptionRequest{
		{Reason: "", Proofs: []string{"photo"}},
		{Reason: "broken", Proofs: nil},
		{Reason: "broken", Proofs: []string{"  "}},
	}
	for _, req := range requests {
		if _, err := env.orders.FileException(ctx, grabberActor("grab"), order.ID, req); !errors.Is(err, domain.ErrMissingDisputeEvidence) {
			t.Fatalf("expected ErrMissingDisputeEvidence for %+v, got %v", req, err)
		}
	}
	after, _ := env.orders.Get(ctx, order.ID)
	if after.Status != domain.OrderStatusProcessing || after.Dispute != nil {
		t.Fatalf("order changed after rejected dispute: %+v", after)
	}
}

func TestForceCancelFromProcessing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.grabbed(t)

	out, err := env.orders.ForceCancel(ctx, adminActor, order.ID, "fraud check")
	if err != nil {
		t.Fatalf("ForceCancel returned error: %v", err)
	}
	if out.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", out.Status)
	}
	if got := env.account(t, "grab").AvailableBalance; got != 1000000 {
		t.Fatalf("expected grabber refunded, got %d", got)
	}
}

type stateSnapshot struct {
	status   domain.OrderStatus
	balances map[string][2]int64
	flows    int
	history  int
}

func takeSnapshot(t *testing.T, env *testEnv, order *domain.Order) stateSnapshot {
	t.Helper()
	ctx := context.Background()
	current, err := env.orders.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	snap := stateSnapshot{status: current.Status, balances: make(map[string][2]int64)}
	for _, id := range []string{"pub", "grab", "other"} {
		acc := env.account(t, id)
		snap.balances[id] = [2]int64{acc.AvailableBalance, acc.FrozenBalance}
		flows, _ := env.ledger.Flows(ctx, id)
		snap.flows += len(flows)
	}
	history, _ := env.orders.Transitions(ctx, order.ID)
	snap.history = len(history)
	return snap
}

// orderIn drives a fresh order between pub and grab into status.
func orderIn(t *testing.T, env *testEnv, status domain.OrderStatus) *domain.Order {
	t.Helper()
	ctx := context.Background()
	if status == domain.OrderStatusPublished {
		env.openFunded(t, "pub", domain.RolePublisher, 0)
		env.openFunded(t, "grab", domain.RoleGrabber, 1000000)
		return env.publish(t, "pub", 800000)
	}

	var (
		order *domain.Order
		err   error
	)
	switch status {
	case domain.OrderStatusProcessing:
		order = env.grabbed(t)
	case domain.OrderStatusCompleted:
		order = env.grabbed(t)
		order, err = env.orders.Complete(ctx, grabberActor("grab"), order.ID, "")
	case domain.OrderStatusException:
		order = env.inException(t)
	case domain.OrderStatusMediating:
		order = env.inException(t)
		order, err = env.orders.Appeal(ctx, publisherActor("pub"), order.ID, domain.AppealRequest{Reason: "no"})
	case domain.OrderStatusSettled:
		order = env.grabbed(t)
		if _, err = env.orders.Complete(ctx, grabberActor("grab"), order.ID, ""); err == nil {
			order, err = env.orders.Settle(ctx, publisherActor("pub"), order.ID)
		}
	case domain.OrderStatusCancelled:
		order = env.inException(t)
		order, err = env.orders.ConfirmException(ctx, publisherActor("pub"), order.ID, "")
	}
	if err != nil {
		t.Fatalf("drive order to %s: %v", status, err)
	}
	return order
}

func applyEvent(env *testEnv, event domain.OrderEvent, order *domain.Order) error {
	ctx := context.Background()
	var err error
	switch event {
	case domain.EventGrab:
		_, err = env.orders.Grab(ctx, grabberActor("other"), order.ID)
	case domain.EventComplete:
		_, err = env.orders.Complete(ctx, grabberActor("grab"), order.ID, "")
	case domain.EventFileException:
		_, err = env.orders.FileException(ctx, grabberActor("grab"), order.ID, domain.FileExceptionRequest{Reason: "r", Proofs: []string{"p"}})
	case domain.EventConfirmException:
		_, err = env.orders.ConfirmException(ctx, publisherActor("pub"), order.ID, "")
	case domain.EventAppeal:
		_, err = env.orders.Appeal(ctx, publisherActor("pub"), order.ID, domain.AppealRequest{Reason: "r"})
	case domain.EventRuleForGrabber:
		_, err = env.orders.Rule(ctx, arbiterActor, order.ID, domain.RulingRequest{Ruling: domain.RulingForGrabber})
	case domain.EventRuleForPublisher:
		_, err = env.orders.Rule(ctx, arbiterActor, order.ID, domain.RulingRequest{Ruling: domain.RulingForPublisher})
	case domain.EventSettle:
		_, err = env.orders.Settle(ctx, adminActor, order.ID)
	case domain.EventForceCancel:
		_, err = env.orders.ForceCancel(ctx, adminActor, order.ID, "")
	}
	return err
}

func TestIllegalEventsLeaveStateUntouched(t *testing.T) {
	for _, status := range domain.AllOrderStatuses {
		for _, event := range domain.AllOrderEvents {
			if _, ok := domain.NextStatus(status, event); ok {
				continue
			}
			t.Run(string(status)+"/"+string(event), func(t *testing.T) {
				env := newTestEnv(t)
				order := orderIn(t, env, status)
				env.openFunded(t, "other", domain.RoleGrabber, 1000000)

				before := takeSnapshot(t, env, order)
				err := applyEvent(env, event, order)
				if !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, domain.ErrOrderNotClaimable) {
					t.Fatalf("expected a rejected transition, got %v", err)
				}
				after := takeSnapshot(t, env, order)

				if before.status != after.status || before.flows != after.flows || before.history != after.history {
					t.Fatalf("state changed: before=%+v after=%+v", before, after)
				}
				for id, bal := range before.balances {
					if after.balances[id] != bal {
						t.Fatalf("balance of %s changed from %v to %v", id, bal, after.balances[id])
					}
				}
				if env.account(t, "pub").Halted || env.account(t, "grab").Halted {
					t.Fatalf("a rejected transition must not halt accounts")
				}
			})
		}
	}
}

func TestMoneyIsConserved(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.openFunded(t, "pub", domain.RolePublisher, 0)
	env.openFunded(t, "grab", domain.RoleGrabber, 5000000)

	var retainedFees int64
	settled := env.publish(t, "pub", 800000)
	cancelled := env.publish(t, "pub", 300000)
	open := env.publish(t, "pub", 120000)
	mediated := env.publish(t, "pub", 450000)
	for _, o := range []*domain.Order{settled, cancelled, open, mediated} {
		if _, err := env.orders.Grab(ctx, grabberActor("grab"), o.ID); err != nil {
			t.Fatalf("grab %s: %v", o.OrderNo, err)
		}
	}
	retainedFees += settled.PlatformFee + open.PlatformFee + mediated.PlatformFee

	if _, err := env.orders.Complete(ctx, grabberActor("grab"), settled.ID, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.orders.Settle(ctx, publisherActor("pub"), settled.ID); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := env.orders.ForceCancel(ctx, adminActor, cancelled.ID, ""); err != nil {
		t.Fatalf("force cancel: %v", err)
	}
	if _, err := env.orders.FileException(ctx, grabberActor("grab"), mediated.ID, domain.FileExceptionRequest{Reason: "r", Proofs: []string{"p"}}); err != nil {
		t.Fatalf("file exception: %v", err)
	}
	if _, err := env.orders.Appeal(ctx, publisherActor("pub"), mediated.ID, domain.AppealRequest{Reason: "r"}); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	if _, err := env.orders.Rule(ctx, arbiterActor, mediated.ID, domain.RulingRequest{Ruling: domain.RulingForPublisher}); err != nil {
		t.Fatalf("rule: %v", err)
	}

	w, err := env.ledger.RequestWithdrawal(ctx, publisherActor("pub"), "pub", domain.WithdrawalRequest{Amount: 100000})
	if err != nil {
		t.Fatalf("request withdrawal: %v", err)
	}
	if _, err := env.ledger.CompleteWithdrawal(ctx, adminActor, w.ID); err != nil {
		t.Fatalf("complete withdrawal: %v", err)
	}

	var held int64
	for _, id := range []string{"pub", "grab"} {
		acc := env.account(t, id)
		if acc.AvailableBalance < 0 || acc.FrozenBalance < 0 {
			t.Fatalf("negative balance on %s: %+v", id, acc)
		}
		held += acc.AvailableBalance + acc.FrozenBalance
		assertReplayMatches(t, env, id)
	}
	if want := int64(5000000) - 100000; held+retainedFees != want {
		t.Fatalf("money not conserved: held=%d fees=%d want=%d", held, retainedFees, want)
	}

	reports, err := env.ledger.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("ReconcileAll returned error: %v", err)
	}
	for _, r := range reports {
		if !r.Balanced {
			t.Fatalf("expected every account to reconcile, got %+v", r)
		}
	}
}

func TestSinkFailureDoesNotRollBack(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	env := newTestEnv(t, func(o *Options) { o.Metrics = metrics })
	env.sink.err = errors.New("broker down")

	order := env.grabbed(t)
	if order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected grab to commit despite sink failure, got %s", order.Status)
	}
	if got := env.account(t, "grab").AvailableBalance; got != 180000 {
		t.Fatalf("expected committed debit, got %d", got)
	}

	trail, err := env.orders.AuditTrail(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("AuditTrail returned error: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("expected persisted audit lines for create and grab, got %d", len(trail))
	}
	if got := testutil.ToFloat64(metrics.sinkFailures.WithLabelValues("record")); got == 0 {
		t.Fatalf("expected sink failures to be counted")
	}
	if got := testutil.ToFloat64(metrics.transitions.WithLabelValues(string(domain.EventGrab), string(domain.OrderStatusProcessing))); got != 1 {
		t.Fatalf("expected one grab transition counted, got %v", got)
	}
}

type denyLimiter struct{ calls int }

func (d *denyLimiter) Allow(ctx context.Context, subject string) (bool, int, error) {
	d.calls++
	return false, 42, nil
}

func TestGrabIsThrottled(t *testing.T) {
	limiter := &denyLimiter{}
	env := newTestEnv(t, func(o *Options) { o.GrabLimiter = limiter })
	env.openFunded(t, "pub", domain.RolePublisher, 0)
	env.openFunded(t, "grab", domain.RoleGrabber, 1000000)
	order := env.publish(t, "pub", 800000)

	_, err := env.orders.Grab(context.Background(), grabberActor("grab"), order.ID)
	var limited *domain.RateLimitError
	if !errors.As(err, &limited) || limited.RetryAfterSeconds != 42 {
		t.Fatalf("expected RateLimitError with retry 42, got %v", err)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected limiter to be consulted once, got %d", limiter.calls)
	}
	if got := env.account(t, "grab").AvailableBalance; got != 1000000 {
		t.Fatalf("throttled grab moved money")
	}
}

func TestLockTimeoutReturnsBusy(t *testing.T) {
	locker := NewMemoryLocker(20 * time.Millisecond)
	env := newTestEnv(t, func(o *Options) { o.Locker = locker })
	order := env.grabbed(t)

	release, err := locker.Acquire(context.Background(), lockKeys(&order.ID))
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	defer release()

	if _, err := env.orders.Complete(context.Background(), grabberActor("grab"), order.ID, ""); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy while the order is locked, got %v", err)
	}
}

func TestSettleDueSettlesOnlyOldCompletions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.openFunded(t, "pub", domain.RolePublisher, 0)
	env.openFunded(t, "grab", domain.RoleGrabber, 5000000)

	old := env.publish(t, "pub", 100000)
	fresh := env.publish(t, "pub", 200000)
	processing := env.publish(t, "pub", 300000)
	for _, o := range []*domain.Order{old, fresh, processing} {
		if _, err := env.orders.Grab(ctx, grabberActor("grab"), o.ID); err != nil {
			t.Fatalf("grab: %v", err)
		}
	}
	if _, err := env.orders.Complete(ctx, grabberActor("grab"), old.ID, ""); err != nil {
		t.Fatalf("complete old: %v", err)
	}
	env.clock.Advance(80 * time.Hour)
	if _, err := env.orders.Complete(ctx, grabberActor("grab"), fresh.ID, ""); err != nil {
		t.Fatalf("complete fresh: %v", err)
	}

	run, err := env.orders.SettleDue(ctx, 72*time.Hour, 10)
	if err != nil {
		t.Fatalf("SettleDue returned error: %v", err)
	}
	if run.Candidates != 1 || run.Settled != 1 || run.Failed != 0 {
		t.Fatalf("unexpected run: %+v", run)
	}
	if got, _ := env.orders.Get(ctx, old.ID); got.Status != domain.OrderStatusSettled {
		t.Fatalf("expected old order settled, got %s", got.Status)
	}
	if got, _ := env.orders.Get(ctx, fresh.ID); got.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected fresh order untouched, got %s", got.Status)
	}
	history, _ := env.orders.Transitions(ctx, old.ID)
	if last := history[len(history)-1]; last.ActorRole != domain.RoleSystem {
		t.Fatalf("expected scheduled settlement to be attributed to the system, got %+v", last)
	}
}

func TestListRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.orders.List(context.Background(), domain.OrderFilter{Status: "LOST"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestConcurrentGrabsClaimOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const grabbers = 8
	env.openFunded(t, "pub", domain.RolePublisher, 0)
	for i := 0; i < grabbers; i++ {
		env.openFunded(t, fmt.Sprintf("grab-%d", i), domain.RoleGrabber, 1000000)
	}
	order := env.publish(t, "pub", 800000)

	var wg sync.WaitGroup
	errs := make([]error, grabbers)
	start := make(chan struct{})
	for i := 0; i < grabbers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = env.orders.Grab(ctx, grabberActor(fmt.Sprintf("grab-%d", i)), order.ID)
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, domain.ErrOrderNotClaimable), errors.Is(err, domain.ErrBusy):
		default:
			t.Fatalf("grabber %d: unexpected error %v", i, err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one successful grab, got %d", winners)
	}

	if got := env.account(t, "pub").FrozenBalance; got != 800000 {
		t.Fatalf("expected publisher escrow of one order, got %d", got)
	}
	var total int64
	debited := 0
	for i := 0; i < grabbers; i++ {
		acc := env.account(t, fmt.Sprintf("grab-%d", i))
		total += acc.AvailableBalance + acc.FrozenBalance
		if acc.AvailableBalance != 1000000 {
			debited++
		}
	}
	if debited != 1 {
		t.Fatalf("expected exactly one grabber debited, got %d", debited)
	}
	pub := env.account(t, "pub")
	total += pub.AvailableBalance + pub.FrozenBalance
	if want := int64(grabbers*1000000) - order.PlatformFee; total != want {
		t.Fatalf("expected balances to total %d after one grab, got %d", want, total)
	}
}

func TestAppealWithoutDisputeRecordIsCounted(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	env := newTestEnv(t, func(o *Options) { o.Metrics = metrics })
	ctx := context.Background()
	order := env.inException(t)

	err := env.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.GetOrderForUpdate(ctx, order.ID)
		if err != nil {
			return err
		}
		o.Dispute = nil
		return tx.UpdateOrder(ctx, o)
	})
	if err != nil {
		t.Fatalf("clear dispute: %v", err)
	}

	_, err = env.orders.Appeal(ctx, publisherActor("pub"), order.ID, domain.AppealRequest{Reason: "work was done"})
	var ce *domain.ConsistencyError
	if !errors.As(err, &ce) || ce.OrderID != order.ID.String() || ce.AccountID != "" {
		t.Fatalf("expected an order-scoped ConsistencyError, got %v", err)
	}
	if got := testutil.ToFloat64(metrics.consistencyFailures); got != 1 {
		t.Fatalf("expected the broken invariant to be counted, got %v", got)
	}
	for _, id := range []string{"pub", "grab"} {
		if env.account(t, id).Halted {
			t.Fatalf("an order-level inconsistency must not halt account %s", id)
		}
	}
	current, _ := env.orders.Get(ctx, order.ID)
	if current.Status != domain.OrderStatusException {
		t.Fatalf("expected order to stay in EXCEPTION, got %s", current.Status)
	}
}

func TestLedgerOpsCountedOnlyOnCommit(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	env := newTestEnv(t, func(o *Options) { o.Metrics = metrics })
	ctx := context.Background()
	env.openFunded(t, "pub", domain.RolePublisher, 0)
	env.openFunded(t, "grab", domain.RoleGrabber, 1000000)
	order := env.publish(t, "pub", 800000)
	debits := metrics.ledgerOps.WithLabelValues("debit", string(domain.CategoryGrab))

	if err := env.repo.HaltAccount(ctx, "pub", "under review"); err != nil {
		t.Fatalf("halt publisher: %v", err)
	}
	if _, err := env.orders.Grab(ctx, grabberActor("grab"), order.ID); !errors.Is(err, domain.ErrAccountHalted) {
		t.Fatalf("expected grab to fail on the halted publisher, got %v", err)
	}
	if got := testutil.ToFloat64(debits); got != 0 {
		t.Fatalf("a rolled-back debit must not be counted, got %v", got)
	}
	if got := env.account(t, "grab").AvailableBalance; got != 1000000 {
		t.Fatalf("expected the debit to roll back, got %d", got)
	}

	env.openFunded(t, "pub-2", domain.RolePublisher, 0)
	fresh := env.publish(t, "pub-2", 800000)
	if _, err := env.orders.Grab(ctx, grabberActor("grab"), fresh.ID); err != nil {
		t.Fatalf("grab: %v", err)
	}
	if got := testutil.ToFloat64(debits); got != 1 {
		t.Fatalf("expected one committed debit counted, got %v", got)
	}
}
