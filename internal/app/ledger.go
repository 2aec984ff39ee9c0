/**
 * @description
 * The ledger owns every account's available and frozen balances and the append-only flow
 * log. Primitives run inside a caller's transaction; standalone operations (top-ups,
 * withdrawals, reconciliation) take their own locks and transaction.
 *
 * Key invariants:
 * - available >= 0 and frozen >= 0 after every primitive. A violation is a
 *   ConsistencyError that aborts the transaction and halts the account.
 * - Replaying an account's flow amounts from zero yields its available balance. Moves
 *   between available and frozen on the same account therefore carry a flow when they
 *   change available, and none when they only change frozen.
 *
 * @dependencies
 * - log/slog: Structured logging.
 * - github.com/google/uuid: For record identifiers.
 * - internal/domain, internal/store: For domain models and persistence.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

// FlowRef ties a ledger movement to its business context.
type FlowRef struct {
	OrderID     *uuid.UUID
	Description string
	ProofRef    string
}

// Ledger applies balance movements and keeps their flow records.
type Ledger struct {
	store   store.Store
	locker  Locker
	events  dispatcher
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewLedger creates a new ledger over st.
func NewLedger(st store.Store, opts Options) *Ledger {
	opts = opts.withDefaults(st)
	return &Ledger{
		store:   st,
		locker:  opts.Locker,
		events:  opts.dispatcher(),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Clock,
	}
}

func (l *Ledger) loadForUpdate(ctx context.Context, tx store.Tx, accountID string) (*domain.Account, error) {
	acc, err := tx.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.Halted {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountHalted, accountID)
	}
	return acc, nil
}

// save checks the balance invariant and persists acc.
func (l *Ledger) save(ctx context.Context, tx store.Tx, acc *domain.Account, op string) error {
	if acc.AvailableBalance < 0 || acc.FrozenBalance < 0 {
		return &domain.ConsistencyError{
			AccountID: acc.ID,
			Op:        op,
			Reason:    fmt.Sprintf("negative balance (available=%d frozen=%d)", acc.AvailableBalance, acc.FrozenBalance),
		}
	}
	acc.UpdatedAt = l.now()
	return tx.UpdateAccountBalances(ctx, acc)
}

// fits reports whether amount can be added to balance without overflowing.
func fits(balance, amount int64) bool {
	return amount <= math.MaxInt64-balance
}

func (l *Ledger) appendFlow(ctx context.Context, tx store.Tx, accountID string, amount int64, category domain.FlowCategory, ref FlowRef) error {
	direction := domain.DirectionIncome
	if amount < 0 {
		direction = domain.DirectionExpense
	}
	flow := &domain.FlowRecord{
		ID:          uuid.New(),
		AccountID:   accountID,
		OrderID:     ref.OrderID,
		Amount:      amount,
		Direction:   direction,
		Category:    category,
		Description: ref.Description,
		CreatedAt:   l.now(),
	}
	if ref.ProofRef != "" {
		proof := ref.ProofRef
		flow.ProofRef = &proof
	}
	return tx.AppendFlow(ctx, flow)
}

// Debit removes amount from the available balance with an EXPENSE flow.
func (l *Ledger) Debit(ctx context.Context, tx store.Tx, accountID string, amount int64, category domain.FlowCategory, ref FlowRef) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	acc, err := l.loadForUpdate(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if acc.AvailableBalance < amount {
		return fmt.Errorf("%w: account %s has %d, needs %d", domain.ErrInsufficientFunds, accountID, acc.AvailableBalance, amount)
	}
	acc.AvailableBalance -= amount
	if err := l.save(ctx, tx, acc, "debit"); err != nil {
		return err
	}
	outboxFrom(ctx).countOp("debit", category)
	return l.appendFlow(ctx, tx, accountID, -amount, category, ref)
}

// CreditToFrozen escrows amount on the frozen balance. No flow is written until it resolves.
func (l *Ledger) CreditToFrozen(ctx context.Context, tx store.Tx, accountID string, amount int64, category domain.FlowCategory, ref FlowRef) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	acc, err := l.loadForUpdate(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if !fits(acc.FrozenBalance, amount) {
		return fmt.Errorf("%w: frozen balance of %s cannot hold %d more", domain.ErrInvalidAmount, accountID, amount)
	}
	acc.FrozenBalance += amount
	if err := l.save(ctx, tx, acc, "credit_to_frozen"); err != nil {
		return err
	}
	outboxFrom(ctx).countOp("credit_to_frozen", category)
	return nil
}

// ReleaseFrozenToAvailable moves escrowed funds to the same account's available balance.
func (l *Ledger) ReleaseFrozenToAvailable(ctx context.Context, tx store.Tx, accountID string, amount int64, category domain.FlowCategory, ref FlowRef) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	acc, err := l.loadForUpdate(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if acc.FrozenBalance < amount {
		return &domain.ConsistencyError{
			AccountID: accountID,
			Op:        "release_frozen_to_available",
			Reason:    fmt.Sprintf("frozen balance %d below release amount %d", acc.FrozenBalance, amount),
		}
	}
	if !fits(acc.AvailableBalance, amount) {
		return fmt.Errorf("%w: available balance of %s cannot hold %d more", domain.ErrInvalidAmount, accountID, amount)
	}
	acc.FrozenBalance -= amount
	acc.AvailableBalance += amount
	if err := l.save(ctx, tx, acc, "release_frozen_to_available"); err != nil {
		return err
	}
	outboxFrom(ctx).countOp("release_frozen_to_available", category)
	return l.appendFlow(ctx, tx, accountID, amount, category, ref)
}

// ReleaseFrozenAsVoid voids payerAmount of the payer's escrow and credits payeeAmount to the
// payee's available balance with a REFUND flow. Both sides land in the same transaction.
func (l *Ledger) ReleaseFrozenAsVoid(ctx context.Context, tx store.Tx, payerID, payeeID string, payerAmount, payeeAmount int64, ref FlowRef) error {
	if payerAmount <= 0 || payeeAmount <= 0 {
		return domain.ErrInvalidAmount
	}
	payer, err := l.loadForUpdate(ctx, tx, payerID)
	if err != nil {
		return err
	}
	if payer.FrozenBalance < payerAmount {
		return &domain.ConsistencyError{
			AccountID: payerID,
			Op:        "release_frozen_as_void",
			Reason:    fmt.Sprintf("frozen balance %d below void amount %d", payer.FrozenBalance, payerAmount),
		}
	}
	payer.FrozenBalance -= payerAmount
	if err := l.save(ctx, tx, payer, "release_frozen_as_void"); err != nil {
		return err
	}
	outboxFrom(ctx).countOp("release_frozen_as_void", domain.CategoryRefund)
	return l.Credit(ctx, tx, payeeID, payeeAmount, domain.CategoryRefund, ref)
}

// Credit adds amount to the available balance with an INCOME flow.
func (l *Ledger) Credit(ctx context.Context, tx store.Tx, accountID string, amount int64, category domain.FlowCategory, ref FlowRef) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	acc, err := l.loadForUpdate(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if !fits(acc.AvailableBalance, amount) {
		return fmt.Errorf("%w: available balance of %s cannot hold %d more", domain.ErrInvalidAmount, accountID, amount)
	}
	acc.AvailableBalance += amount
	if err := l.save(ctx, tx, acc, "credit"); err != nil {
		return err
	}
	outboxFrom(ctx).countOp("credit", category)
	return l.appendFlow(ctx, tx, accountID, amount, category, ref)
}

// escalate counts a ConsistencyError and halts the account it names. Other errors pass through untouched.
func (l *Ledger) escalate(ctx context.Context, err error) {
	var ce *domain.ConsistencyError
	if !errors.As(err, &ce) {
		return
	}
	l.metrics.consistencyFailure()
	if ce.AccountID == "" {
		l.logger.Error("order invariant violated", "order_id", ce.OrderID, "op", ce.Op, "reason", ce.Reason)
		return
	}
	l.logger.Error("ledger invariant violated; halting account", "account_id", ce.AccountID, "op", ce.Op, "reason", ce.Reason)

	haltCtx := context.WithoutCancel(ctx)
	if haltErr := l.store.HaltAccount(haltCtx, ce.AccountID, ce.Error()); haltErr != nil {
		l.logger.Error("failed to halt account", "account_id", ce.AccountID, "error", haltErr)
		return
	}
	box := &outbox{}
	entry := newAudit("account.halted", domain.SystemActor, l.now())
	entry.AccountID = ce.AccountID
	entry.Detail = ce.Error()
	box.audit(entry)
	box.broadcast([]domain.Role{domain.RoleAdmin}, domain.Notification{
		Title:    "Account halted",
		Body:     fmt.Sprintf("Account %s was halted: %s", ce.AccountID, ce.Reason),
		Category: domain.NotifyFunds,
	})
	l.events.deliver(haltCtx, box)
}

// run executes fn under the locks for keys inside one transaction, escalating broken
// invariants and delivering side effects after commit.
func (l *Ledger) run(ctx context.Context, keys []string, fn func(ctx context.Context, tx store.Tx, box *outbox) error) error {
	release, err := acquire(ctx, l.locker, l.metrics, keys)
	if err != nil {
		return err
	}
	defer release()

	box := &outbox{}
	err = l.store.WithinTx(withOutbox(ctx, box), func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, tx, box)
	})
	if err != nil {
		l.escalate(ctx, err)
		return err
	}
	l.events.deliver(ctx, box)
	return nil
}

// OpenAccount registers a partner account with zero balances.
func (l *Ledger) OpenAccount(ctx context.Context, actor domain.Actor, req domain.OpenAccountRequest) (*domain.Account, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: account id is required", domain.ErrInvalidInput)
	}
	role := req.Role
	if role == "" {
		role = domain.RolePublisher
	}
	now := l.now()
	acc := &domain.Account{
		ID:          id,
		DisplayName: strings.TrimSpace(req.DisplayName),
		Role:        role,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := l.run(ctx, lockKeys(nil, id), func(ctx context.Context, tx store.Tx, box *outbox) error {
		if err := tx.CreateAccount(ctx, acc); err != nil {
			return err
		}
		entry := newAudit("account.opened", actor, now)
		entry.AccountID = id
		entry.Detail = fmt.Sprintf("role=%s", role)
		if err := tx.AppendAudit(ctx, &entry); err != nil {
			return err
		}
		box.audit(entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// TopUp credits external funds once per proof reference.
func (l *Ledger) TopUp(ctx context.Context, actor domain.Actor, accountID string, req domain.TopUpRequest) (*domain.Account, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	proof := strings.TrimSpace(req.ProofRef)
	if proof == "" {
		return nil, fmt.Errorf("%w: proof reference is required", domain.ErrInvalidInput)
	}

	var out *domain.Account
	err := l.run(ctx, lockKeys(nil, accountID), func(ctx context.Context, tx store.Tx, box *outbox) error {
		exists, err := tx.FlowExists(ctx, domain.CategoryTopUp, proof)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateTopUp, proof)
		}
		ref := FlowRef{Description: "Top-up", ProofRef: proof}
		if err := l.Credit(ctx, tx, accountID, req.Amount, domain.CategoryTopUp, ref); err != nil {
			return err
		}
		acc, err := tx.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		out = acc

		entry := newAudit("account.topped_up", actor, l.now())
		entry.AccountID = accountID
		entry.Detail = fmt.Sprintf("amount=%d proof=%s", req.Amount, proof)
		if err := tx.AppendAudit(ctx, &entry); err != nil {
			return err
		}
		box.audit(entry)
		box.notify(accountID, domain.Notification{
			Title:    "Funds received",
			Body:     fmt.Sprintf("%s was added to your balance.", formatCents(req.Amount)),
			Category: domain.NotifyFunds,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RequestWithdrawal holds amount from the available balance until the payout resolves.
func (l *Ledger) RequestWithdrawal(ctx context.Context, actor domain.Actor, accountID string, req domain.WithdrawalRequest) (*domain.Withdrawal, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	now := l.now()
	w := &domain.Withdrawal{
		ID:        uuid.New(),
		AccountID: accountID,
		Amount:    req.Amount,
		Status:    domain.WithdrawalPending,
		Note:      strings.TrimSpace(req.Note),
		CreatedAt: now,
	}

	err := l.run(ctx, lockKeys(nil, accountID), func(ctx context.Context, tx store.Tx, box *outbox) error {
		acc, err := l.loadForUpdate(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if acc.AvailableBalance < req.Amount {
			return fmt.Errorf("%w: account %s has %d, needs %d", domain.ErrInsufficientFunds, accountID, acc.AvailableBalance, req.Amount)
		}
		if !fits(acc.FrozenBalance, req.Amount) {
			return fmt.Errorf("%w: frozen balance of %s cannot hold %d more", domain.ErrInvalidAmount, accountID, req.Amount)
		}
		acc.AvailableBalance -= req.Amount
		acc.FrozenBalance += req.Amount
		if err := l.save(ctx, tx, acc, "request_withdrawal"); err != nil {
			return err
		}
		box.countOp("request_withdrawal", domain.CategoryWithdrawal)
		if err := l.appendFlow(ctx, tx, accountID, -req.Amount, domain.CategoryWithdrawal, FlowRef{Description: "Withdrawal requested", ProofRef: w.ID.String()}); err != nil {
			return err
		}
		if err := tx.CreateWithdrawal(ctx, w); err != nil {
			return err
		}

		entry := newAudit("withdrawal.requested", actor, now)
		entry.AccountID = accountID
		entry.Detail = fmt.Sprintf("withdrawal=%s amount=%d", w.ID, req.Amount)
		if err := tx.AppendAudit(ctx, &entry); err != nil {
			return err
		}
		box.audit(entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// CompleteWithdrawal lets the held funds leave the platform.
func (l *Ledger) CompleteWithdrawal(ctx context.Context, actor domain.Actor, withdrawalID uuid.UUID) (*domain.Withdrawal, error) {
	return l.resolveWithdrawal(ctx, actor, withdrawalID, domain.WithdrawalCompleted)
}

// RejectWithdrawal returns the held funds to the available balance.
func (l *Ledger) RejectWithdrawal(ctx context.Context, actor domain.Actor, withdrawalID uuid.UUID) (*domain.Withdrawal, error) {
	return l.resolveWithdrawal(ctx, actor, withdrawalID, domain.WithdrawalRejected)
}

func (l *Ledger) resolveWithdrawal(ctx context.Context, actor domain.Actor, withdrawalID uuid.UUID, outcome domain.WithdrawalStatus) (*domain.Withdrawal, error) {
	snapshot, err := l.store.FindWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}

	var out *domain.Withdrawal
	err = l.run(ctx, lockKeys(nil, snapshot.AccountID), func(ctx context.Context, tx store.Tx, box *outbox) error {
		w, err := tx.GetWithdrawalForUpdate(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if w.Status != domain.WithdrawalPending {
			return fmt.Errorf("%w: %s is %s", domain.ErrNotPending, w.ID, w.Status)
		}
		acc, err := l.loadForUpdate(ctx, tx, w.AccountID)
		if err != nil {
			return err
		}
		if acc.FrozenBalance < w.Amount {
			return &domain.ConsistencyError{
				AccountID: acc.ID,
				Op:        "resolve_withdrawal",
				Reason:    fmt.Sprintf("frozen balance %d below withdrawal hold %d", acc.FrozenBalance, w.Amount),
			}
		}
		acc.FrozenBalance -= w.Amount

		title := "Withdrawal paid out"
		if outcome == domain.WithdrawalRejected {
			if !fits(acc.AvailableBalance, w.Amount) {
				return fmt.Errorf("%w: available balance of %s cannot take back %d", domain.ErrInvalidAmount, acc.ID, w.Amount)
			}
			acc.AvailableBalance += w.Amount
			title = "Withdrawal rejected"
		}
		if err := l.save(ctx, tx, acc, "resolve_withdrawal"); err != nil {
			return err
		}
		box.countOp("resolve_withdrawal", domain.CategoryWithdrawal)
		if outcome == domain.WithdrawalRejected {
			ref := FlowRef{Description: "Withdrawal rejected", ProofRef: w.ID.String()}
			if err := l.appendFlow(ctx, tx, acc.ID, w.Amount, domain.CategoryRefund, ref); err != nil {
				return err
			}
		}

		now := l.now()
		w.Status = outcome
		w.ResolvedAt = &now
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return err
		}
		out = w

		entry := newAudit("withdrawal."+strings.ToLower(string(outcome)), actor, now)
		entry.AccountID = acc.ID
		entry.Detail = fmt.Sprintf("withdrawal=%s amount=%d", w.ID, w.Amount)
		if err := tx.AppendAudit(ctx, &entry); err != nil {
			return err
		}
		box.audit(entry)
		box.notify(acc.ID, domain.Notification{
			Title:    title,
			Body:     fmt.Sprintf("Your withdrawal of %s is %s.", formatCents(w.Amount), strings.ToLower(string(outcome))),
			Category: domain.NotifyFunds,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Balance returns a snapshot of the account.
func (l *Ledger) Balance(ctx context.Context, accountID string) (*domain.Account, error) {
	return l.store.FindAccount(ctx, accountID)
}

// Flows returns the account's flow log.
func (l *Ledger) Flows(ctx context.Context, accountID string) ([]domain.FlowRecord, error) {
	if _, err := l.store.FindAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return l.store.ListFlows(ctx, accountID)
}

// Reconcile checks the account against its history: flow replay must equal the available
// balance, and the frozen balance must equal in-flight escrow plus pending withdrawals.
// A mismatch halts the account.
func (l *Ledger) Reconcile(ctx context.Context, accountID string) (*domain.ReconciliationReport, error) {
	release, err := acquire(ctx, l.locker, l.metrics, lockKeys(nil, accountID))
	if err != nil {
		return nil, err
	}
	defer release()

	acc, err := l.store.FindAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	flows, err := l.store.ListFlows(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	orders, err := l.store.ListOrders(ctx, domain.OrderFilter{PublisherID: accountID})
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	pending, err := l.store.ListPendingWithdrawals(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}

	report := &domain.ReconciliationReport{
		AccountID:        accountID,
		AvailableBalance: acc.AvailableBalance,
		FrozenBalance:    acc.FrozenBalance,
		CheckedAt:        l.now(),
	}
	for _, f := range flows {
		report.ReplayedBalance += f.Amount
	}
	for _, o := range orders {
		if o.Status.HoldsEscrow() {
			report.ExpectedFrozen += o.PublishPrice
		}
	}
	for _, w := range pending {
		report.ExpectedFrozen += w.Amount
	}
	report.Balanced = report.ReplayedBalance == report.AvailableBalance && report.ExpectedFrozen == report.FrozenBalance

	if !report.Balanced && !acc.Halted {
		l.escalate(ctx, &domain.ConsistencyError{
			AccountID: accountID,
			Op:        "reconcile",
			Reason: fmt.Sprintf("available=%d replayed=%d frozen=%d expected_frozen=%d",
				report.AvailableBalance, report.ReplayedBalance, report.FrozenBalance, report.ExpectedFrozen),
		})
	}
	return report, nil
}

// ReconcileAll reconciles every account, continuing past individual failures.
func (l *Ledger) ReconcileAll(ctx context.Context) ([]domain.ReconciliationReport, error) {
	accounts, err := l.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	reports := make([]domain.ReconciliationReport, 0, len(accounts))
	for _, acc := range accounts {
		report, err := l.Reconcile(ctx, acc.ID)
		if err != nil {
			l.logger.Warn("reconcile account failed", "account_id", acc.ID, "error", err)
			continue
		}
		reports = append(reports, *report)
	}
	return reports, nil
}

func formatCents(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}
