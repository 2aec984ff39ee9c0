package domain

import (
	"time"

	"github.com/google/uuid"
)

// Direction tells whether a flow added to or removed from the available balance.
type Direction string

const (
	DirectionIncome  Direction = "INCOME"
	DirectionExpense Direction = "EXPENSE"
)

// FlowCategory is the business reason behind a money movement.
type FlowCategory string

const (
	CategoryGrab       FlowCategory = "GRAB"
	CategorySettlement FlowCategory = "SETTLEMENT"
	CategoryWithdrawal FlowCategory = "WITHDRAWAL"
	CategoryTopUp      FlowCategory = "TOPUP"
	CategoryRefund     FlowCategory = "REFUND"
)

// Valid reports whether c is a known category.
func (c FlowCategory) Valid() bool {
	switch c {
	case CategoryGrab, CategorySettlement, CategoryWithdrawal, CategoryTopUp, CategoryRefund:
		return true
	default:
		return false
	}
}

// Account holds the two balances of a partner. Balances are in cents.
type Account struct {
	ID               string    `json:"id"`
	DisplayName      string    `json:"display_name"`
	Role             Role      `json:"role"`
	AvailableBalance int64     `json:"available_balance"`
	FrozenBalance    int64     `json:"frozen_balance"`
	Halted           bool      `json:"halted"`
	HaltedReason     string    `json:"halted_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// FlowRecord is an immutable ledger line. Amount is signed: positive for INCOME.
type FlowRecord struct {
	ID          uuid.UUID    `json:"id"`
	AccountID   string       `json:"account_id"`
	OrderID     *uuid.UUID   `json:"order_id,omitempty"`
	Amount      int64        `json:"amount"`
	Direction   Direction    `json:"direction"`
	Category    FlowCategory `json:"category"`
	Description string       `json:"description"`
	ProofRef    *string      `json:"proof_ref,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// WithdrawalStatus tracks a withdrawal hold.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "PENDING"
	WithdrawalCompleted WithdrawalStatus = "COMPLETED"
	WithdrawalRejected  WithdrawalStatus = "REJECTED"
)

// Withdrawal is a request to move available funds out of the platform.
type Withdrawal struct {
	ID         uuid.UUID        `json:"id"`
	AccountID  string           `json:"account_id"`
	Amount     int64            `json:"amount"`
	Status     WithdrawalStatus `json:"status"`
	Note       string           `json:"note,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}

// ReconciliationReport compares an account's balances against what its history implies.
type ReconciliationReport struct {
	AccountID        string    `json:"account_id"`
	AvailableBalance int64     `json:"available_balance"`
	ReplayedBalance  int64     `json:"replayed_balance"`
	FrozenBalance    int64     `json:"frozen_balance"`
	ExpectedFrozen   int64     `json:"expected_frozen"`
	Balanced         bool      `json:"balanced"`
	CheckedAt        time.Time `json:"checked_at"`
}

// OpenAccountRequest is the DTO for registering a partner account.
type OpenAccountRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// TopUpRequest is the DTO for crediting external funds.
type TopUpRequest struct {
	Amount   int64  `json:"amount"` // in cents
	ProofRef string `json:"proof_ref"`
}

// WithdrawalRequest is the DTO for requesting a withdrawal.
type WithdrawalRequest struct {
	Amount int64  `json:"amount"` // in cents
	Note   string `json:"note,omitempty"`
}
