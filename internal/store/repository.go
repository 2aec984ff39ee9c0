/**
 * @description
 * This file defines the `Store` contract used by the escrow engine. Reads run against a
 * committed snapshot; every mutation goes through `WithinTx`, so a balance change, its
 * flow record, the order update and the audit line either all commit or none do.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For order and record identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
)

// Lookup failures wrap domain.ErrNotFound so callers can match either.
var (
	ErrAccountNotFound    = fmt.Errorf("account %w", domain.ErrNotFound)
	ErrOrderNotFound      = fmt.Errorf("order %w", domain.ErrNotFound)
	ErrWithdrawalNotFound = fmt.Errorf("withdrawal %w", domain.ErrNotFound)
)

// Reader exposes snapshot reads. Results must never be used to decide a mutation.
type Reader interface {
	FindAccount(ctx context.Context, accountID string) (*domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	FindOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	ListFlows(ctx context.Context, accountID string) ([]domain.FlowRecord, error)
	ListTransitions(ctx context.Context, orderID uuid.UUID) ([]domain.OrderTransition, error)
	ListAuditEntries(ctx context.Context, orderID uuid.UUID) ([]domain.AuditEntry, error)
	FindWithdrawal(ctx context.Context, withdrawalID uuid.UUID) (*domain.Withdrawal, error)
	ListPendingWithdrawals(ctx context.Context, accountID string) ([]domain.Withdrawal, error)
	ListActiveCommissionRules(ctx context.Context) ([]domain.CommissionRule, error)
}

// Tx is the unit of work handed to WithinTx callbacks. Getters lock the row they return.
type Tx interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
	GetAccountForUpdate(ctx context.Context, accountID string) (*domain.Account, error)
	UpdateAccountBalances(ctx context.Context, account *domain.Account) error
	AppendFlow(ctx context.Context, flow *domain.FlowRecord) error
	FlowExists(ctx context.Context, category domain.FlowCategory, proofRef string) (bool, error)

	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrderForUpdate(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	UpdateOrder(ctx context.Context, order *domain.Order) error
	AppendTransition(ctx context.Context, transition *domain.OrderTransition) error

	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error

	CreateWithdrawal(ctx context.Context, w *domain.Withdrawal) error
	GetWithdrawalForUpdate(ctx context.Context, withdrawalID uuid.UUID) (*domain.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *domain.Withdrawal) error
}

// Store is the persistence boundary of the engine.
type Store interface {
	Reader

	// WithinTx runs fn in a single atomic transaction; any returned error rolls it back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// HaltAccount marks an account as frozen for mutation outside any business transaction.
	HaltAccount(ctx context.Context, accountID string, reason string) error
}
