package domain

import (
	"errors"
	"fmt"
)

// Validation errors: the caller asked for something the lifecycle does not allow.
var (
	ErrInvalidTransition      = errors.New("invalid order transition")
	ErrMissingDisputeEvidence = errors.New("dispute requires a reason and at least one proof")
	ErrEmptyAppealReason      = errors.New("appeal reason must not be empty")
	ErrInvalidAmount          = errors.New("amount must be greater than zero")
	ErrInvalidInput           = errors.New("invalid input")
	ErrSelfGrab               = errors.New("publisher cannot grab their own order")
)

// Business-rule failures: expected and recoverable by the caller.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOrderNotClaimable = errors.New("order is not claimable")
	ErrBusy              = errors.New("resource busy, retry later")
	ErrRateLimited       = errors.New("too many attempts, retry later")
	ErrNotFound          = errors.New("not found")
	ErrAccountExists     = errors.New("account already exists")
	ErrDuplicateTopUp    = errors.New("top-up already applied")
	ErrNotPending        = errors.New("withdrawal is no longer pending")
)

// Internal-consistency failures: a prior bug, never retried.
var (
	ErrInconsistentState = errors.New("inconsistent ledger state")
	ErrAccountHalted     = errors.New("account halted pending reconciliation")
)

// ConsistencyError describes a broken invariant on one account or, when AccountID is
// empty, on one order.
type ConsistencyError struct {
	AccountID string
	OrderID   string
	Op        string
	Reason    string
}

func (e *ConsistencyError) Error() string {
	if e.AccountID == "" {
		return fmt.Sprintf("%s on order %s: %s", e.Op, e.OrderID, e.Reason)
	}
	return fmt.Sprintf("ledger %s on account %s: %s", e.Op, e.AccountID, e.Reason)
}

func (e *ConsistencyError) Unwrap() error {
	return ErrInconsistentState
}

// IsFatal reports whether err signals a broken invariant rather than a normal failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInconsistentState) || errors.Is(err, ErrAccountHalted)
}

// RateLimitError is returned when an actor ran out of grab attempts for the current window.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", ErrRateLimited, e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
