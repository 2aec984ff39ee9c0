package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
)

// MemoryRepository is an in-process Store. Transactions are serialized behind a single
// write lock and staged in an overlay, so a failed callback leaves no trace.
type MemoryRepository struct {
	mu          sync.RWMutex
	accounts    map[string]domain.Account
	orders      map[uuid.UUID]domain.Order
	flows       []domain.FlowRecord
	transitions []domain.OrderTransition
	audits      []domain.AuditEntry
	withdrawals map[uuid.UUID]domain.Withdrawal
	rules       []domain.CommissionRule
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:    make(map[string]domain.Account),
		orders:      make(map[uuid.UUID]domain.Order),
		withdrawals: make(map[uuid.UUID]domain.Withdrawal),
	}
}

// SetCommissionRules replaces the rule set. Order is preserved for tie-breaking.
func (r *MemoryRepository) SetCommissionRules(rules []domain.CommissionRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append([]domain.CommissionRule(nil), rules...)
}

func (r *MemoryRepository) FindAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &acc, nil
}

func (r *MemoryRepository) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Account, 0, len(r.accounts))
	for _, acc := range r.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) FindOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	out := order.Clone()
	return &out, nil
}

func (r *MemoryRepository) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Order
	for _, order := range r.orders {
		if !matchesFilter(order, filter) {
			continue
		}
		out = append(out, order.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderNo < out[j].OrderNo
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(order domain.Order, filter domain.OrderFilter) bool {
	if filter.Status != "" && order.Status != filter.Status {
		return false
	}
	if filter.PublisherID != "" && order.PublisherID != filter.PublisherID {
		return false
	}
	if filter.GrabberID != "" && order.Grabber() != filter.GrabberID {
		return false
	}
	if filter.CompletedUpTo != nil {
		if order.CompletedAt == nil || order.CompletedAt.After(*filter.CompletedUpTo) {
			return false
		}
	}
	return true
}

func (r *MemoryRepository) ListFlows(ctx context.Context, accountID string) ([]domain.FlowRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.FlowRecord
	for _, flow := range r.flows {
		if flow.AccountID == accountID {
			out = append(out, flow)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListTransitions(ctx context.Context, orderID uuid.UUID) ([]domain.OrderTransition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.OrderTransition
	for _, t := range r.transitions {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListAuditEntries(ctx context.Context, orderID uuid.UUID) ([]domain.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.AuditEntry
	for _, entry := range r.audits {
		if entry.OrderID != nil && *entry.OrderID == orderID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (r *MemoryRepository) FindWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*domain.Withdrawal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.withdrawals[withdrawalID]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return &w, nil
}

func (r *MemoryRepository) ListPendingWithdrawals(ctx context.Context, accountID string) ([]domain.Withdrawal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Withdrawal
	for _, w := range r.withdrawals {
		if w.AccountID == accountID && w.Status == domain.WithdrawalPending {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) ListActiveCommissionRules(ctx context.Context) ([]domain.CommissionRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.CommissionRule
	for _, rule := range r.rules {
		if rule.Active {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (r *MemoryRepository) HaltAccount(ctx context.Context, accountID string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	acc.Halted = true
	acc.HaltedReason = reason
	r.accounts[accountID] = acc
	return nil
}

// WithinTx stages every write in an overlay and applies it only when fn succeeds.
func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryTx{
		repo:        r,
		accounts:    make(map[string]domain.Account),
		orders:      make(map[uuid.UUID]domain.Order),
		withdrawals: make(map[uuid.UUID]domain.Withdrawal),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for id, acc := range tx.accounts {
		r.accounts[id] = acc
	}
	for id, order := range tx.orders {
		r.orders[id] = order
	}
	for id, w := range tx.withdrawals {
		r.withdrawals[id] = w
	}
	r.flows = append(r.flows, tx.flows...)
	r.transitions = append(r.transitions, tx.transitions...)
	r.audits = append(r.audits, tx.audits...)
	return nil
}

type memoryTx struct {
	repo        *MemoryRepository
	accounts    map[string]domain.Account
	orders      map[uuid.UUID]domain.Order
	withdrawals map[uuid.UUID]domain.Withdrawal
	flows       []domain.FlowRecord
	transitions []domain.OrderTransition
	audits      []domain.AuditEntry
}

func (t *memoryTx) account(id string) (domain.Account, bool) {
	if acc, ok := t.accounts[id]; ok {
		return acc, true
	}
	acc, ok := t.repo.accounts[id]
	return acc, ok
}

func (t *memoryTx) CreateAccount(ctx context.Context, account *domain.Account) error {
	if _, ok := t.account(account.ID); ok {
		return domain.ErrAccountExists
	}
	t.accounts[account.ID] = *account
	return nil
}

func (t *memoryTx) GetAccountForUpdate(ctx context.Context, accountID string) (*domain.Account, error) {
	acc, ok := t.account(accountID)
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &acc, nil
}

func (t *memoryTx) UpdateAccountBalances(ctx context.Context, account *domain.Account) error {
	if account.AvailableBalance < 0 || account.FrozenBalance < 0 {
		return errors.New("balance check constraint violated")
	}
	if _, ok := t.account(account.ID); !ok {
		return ErrAccountNotFound
	}
	t.accounts[account.ID] = *account
	return nil
}

func (t *memoryTx) AppendFlow(ctx context.Context, flow *domain.FlowRecord) error {
	t.flows = append(t.flows, *flow)
	return nil
}

func (t *memoryTx) FlowExists(ctx context.Context, category domain.FlowCategory, proofRef string) (bool, error) {
	check := func(flows []domain.FlowRecord) bool {
		for _, f := range flows {
			if f.Category == category && f.ProofRef != nil && *f.ProofRef == proofRef {
				return true
			}
		}
		return false
	}
	return check(t.repo.flows) || check(t.flows), nil
}

func (t *memoryTx) CreateOrder(ctx context.Context, order *domain.Order) error {
	t.orders[order.ID] = order.Clone()
	return nil
}

func (t *memoryTx) GetOrderForUpdate(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	order, ok := t.orders[orderID]
	if !ok {
		order, ok = t.repo.orders[orderID]
	}
	if !ok {
		return nil, ErrOrderNotFound
	}
	out := order.Clone()
	return &out, nil
}

func (t *memoryTx) UpdateOrder(ctx context.Context, order *domain.Order) error {
	if _, ok := t.orders[order.ID]; !ok {
		if _, ok := t.repo.orders[order.ID]; !ok {
			return ErrOrderNotFound
		}
	}
	t.orders[order.ID] = order.Clone()
	return nil
}

func (t *memoryTx) AppendTransition(ctx context.Context, transition *domain.OrderTransition) error {
	t.transitions = append(t.transitions, *transition)
	return nil
}

func (t *memoryTx) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	t.audits = append(t.audits, *entry)
	return nil
}

func (t *memoryTx) CreateWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	t.withdrawals[w.ID] = *w
	return nil
}

func (t *memoryTx) GetWithdrawalForUpdate(ctx context.Context, withdrawalID uuid.UUID) (*domain.Withdrawal, error) {
	w, ok := t.withdrawals[withdrawalID]
	if !ok {
		w, ok = t.repo.withdrawals[withdrawalID]
	}
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return &w, nil
}

func (t *memoryTx) UpdateWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	t.withdrawals[w.ID] = *w
	return nil
}
