package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

const (
	testCity = "SH"
	testType = "上门服务"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink keeps every delivered side effect and optionally fails.
type recordingSink struct {
	mu         sync.Mutex
	audits     []domain.AuditEntry
	notices    map[string][]domain.Notification
	broadcasts []domain.Notification
	err        error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notices: make(map[string][]domain.Notification)}
}

func (s *recordingSink) Record(ctx context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return s.err
}

func (s *recordingSink) Notify(ctx context.Context, accountID string, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices[accountID] = append(s.notices[accountID], n)
	return s.err
}

func (s *recordingSink) Broadcast(ctx context.Context, roles []domain.Role, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts = append(s.broadcasts, n)
	return s.err
}

func (s *recordingSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.audits))
	for _, a := range s.audits {
		out = append(out, a.Action)
	}
	return out
}

func (s *recordingSink) noticesFor(accountID string) []domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Notification(nil), s.notices[accountID]...)
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	repo   *store.MemoryRepository
	sink   *recordingSink
	clock  *testClock
	ledger *Ledger
	orders *OrderService
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	repo := store.NewMemoryRepository()
	repo.SetCommissionRules([]domain.CommissionRule{
		{ID: "sh-onsite", CityCode: testCity, OrderType: testType, SkillCategory: domain.Wildcard, Mode: domain.CommissionFixed, Value: decimal.NewFromInt(200), Active: true},
	})
	sink := newRecordingSink()
	clock := newTestClock()
	opts := Options{
		Locker: NewMemoryLocker(time.Second),
		Sink:   sink,
		Logger: discardLogger(),
		Clock:  clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	ledger := NewLedger(repo, opts)
	orders := NewOrderService(repo, ledger, NewCommissionMatcher(repo, decimal.NewFromInt(5)), opts)
	return &testEnv{repo: repo, sink: sink, clock: clock, ledger: ledger, orders: orders}
}

func publisherActor(id string) domain.Actor { return domain.Actor{ID: id, Role: domain.RolePublisher} }
func grabberActor(id string) domain.Actor   { return domain.Actor{ID: id, Role: domain.RoleGrabber} }

var (
	adminActor   = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	arbiterActor = domain.Actor{ID: "arbiter-1", Role: domain.RoleArbiter}
)

// openFunded opens an account and tops it up with amount cents when amount > 0.
func (e *testEnv) openFunded(t *testing.T, id string, role domain.Role, amount int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.ledger.OpenAccount(ctx, adminActor, domain.OpenAccountRequest{ID: id, DisplayName: id, Role: role}); err != nil {
		t.Fatalf("open account %s: %v", id, err)
	}
	if amount > 0 {
		if _, err := e.ledger.TopUp(ctx, adminActor, id, domain.TopUpRequest{Amount: amount, ProofRef: "seed-" + id}); err != nil {
			t.Fatalf("top up %s: %v", id, err)
		}
	}
}

func (e *testEnv) account(t *testing.T, id string) domain.Account {
	t.Helper()
	acc, err := e.ledger.Balance(context.Background(), id)
	if err != nil {
		t.Fatalf("load account %s: %v", id, err)
	}
	return *acc
}

func (e *testEnv) publish(t *testing.T, publisherID string, price int64) *domain.Order {
	t.Helper()
	order, err := e.orders.CreateOrder(context.Background(), publisherActor(publisherID), domain.CreateOrderRequest{
		CityCode:     testCity,
		OrderType:    testType,
		Title:        "Fix the sink",
		PublishPrice: price,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

// grabbed returns a PROCESSING order between pub and grab, both funded for one grab.
func (e *testEnv) grabbed(t *testing.T) *domain.Order {
	t.Helper()
	e.openFunded(t, "pub", domain.RolePublisher, 0)
	e.openFunded(t, "grab", domain.RoleGrabber, 1000000)
	order := e.publish(t, "pub", 800000)
	out, err := e.orders.Grab(context.Background(), grabberActor("grab"), order.ID)
	if err != nil {
		t.Fatalf("grab order: %v", err)
	}
	return out
}

func (e *testEnv) inException(t *testing.T) *domain.Order {
	t.Helper()
	order := e.grabbed(t)
	out, err := e.orders.FileException(context.Background(), grabberActor("grab"), order.ID, domain.FileExceptionRequest{
		Reason: "customer not home",
		Proofs: []string{"photo-1"},
	})
	if err != nil {
		t.Fatalf("file exception: %v", err)
	}
	return out
}

func countFlows(flows []domain.FlowRecord, category domain.FlowCategory) int {
	n := 0
	for _, f := range flows {
		if f.Category == category {
			n++
		}
	}
	return n
}
