package domain

import (
	"errors"
	"testing"
)

func TestNextStatusFollowsLifecycleTable(t *testing.T) {
	tests := []struct {
		from  OrderStatus
		event OrderEvent
		want  OrderStatus
	}{
		{OrderStatusPublished, EventGrab, OrderStatusProcessing},
		{OrderStatusProcessing, EventComplete, OrderStatusCompleted},
		{OrderStatusProcessing, EventFileException, OrderStatusException},
		{OrderStatusProcessing, EventForceCancel, OrderStatusCancelled},
		{OrderStatusCompleted, EventFileException, OrderStatusException},
		{OrderStatusCompleted, EventSettle, OrderStatusSettled},
		{OrderStatusException, EventConfirmException, OrderStatusCancelled},
		{OrderStatusException, EventAppeal, OrderStatusMediating},
		{OrderStatusException, EventForceCancel, OrderStatusCancelled},
		{OrderStatusMediating, EventRuleForGrabber, OrderStatusCancelled},
		{OrderStatusMediating, EventRuleForPublisher, OrderStatusSettled},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			got, ok := NextStatus(tt.from, tt.event)
			if !ok {
				t.Fatalf("expected %s to accept %s", tt.from, tt.event)
			}
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestNextStatusRejectsEverythingElse(t *testing.T) {
	legal := 0
	for _, from := range AllOrderStatuses {
		for _, event := range AllOrderEvents {
			if _, ok := NextStatus(from, event); ok {
				legal++
				if from.IsTerminal() {
					t.Fatalf("terminal status %s accepted %s", from, event)
				}
			}
		}
	}
	if legal != 11 {
		t.Fatalf("expected 11 legal (status, event) pairs, got %d", legal)
	}

	if _, ok := NextStatus(OrderStatusMediating, EventSettle); ok {
		t.Fatalf("mediating orders must only settle through a ruling")
	}
	if _, ok := NextStatus(OrderStatusPublished, EventCreate); ok {
		t.Fatalf("create is not a transition of an existing order")
	}
}

func TestHoldsEscrowMatchesInFlightStatuses(t *testing.T) {
	for _, status := range AllOrderStatuses {
		want := status == OrderStatusProcessing || status == OrderStatusCompleted ||
			status == OrderStatusException || status == OrderStatusMediating
		if status.HoldsEscrow() != want {
			t.Fatalf("HoldsEscrow(%s) = %t, want %t", status, status.HoldsEscrow(), want)
		}
	}
}

func TestRulingEvent(t *testing.T) {
	if event, ok := RulingForGrabber.Event(); !ok || event != EventRuleForGrabber {
		t.Fatalf("unexpected event for grabber ruling: %s %t", event, ok)
	}
	if event, ok := RulingForPublisher.Event(); !ok || event != EventRuleForPublisher {
		t.Fatalf("unexpected event for publisher ruling: %s %t", event, ok)
	}
	if _, ok := Ruling("SPLIT").Event(); ok {
		t.Fatalf("unknown ruling must not map to an event")
	}
}

func TestCloneDoesNotShareDispute(t *testing.T) {
	grabber := "g-1"
	original := Order{
		GrabberID: &grabber,
		Dispute:   &Dispute{ExceptionReason: "late", ExceptionProofs: []string{"photo-1"}},
	}
	clone := original.Clone()
	clone.Dispute.ExceptionProofs[0] = "changed"
	*clone.GrabberID = "g-2"

	if original.Dispute.ExceptionProofs[0] != "photo-1" {
		t.Fatalf("clone shares proofs slice with original")
	}
	if original.Grabber() != "g-1" {
		t.Fatalf("clone shares grabber pointer with original")
	}
}

func TestConsistencyErrorIsFatal(t *testing.T) {
	err := error(&ConsistencyError{AccountID: "acc-1", Op: "debit", Reason: "negative"})
	if !errors.Is(err, ErrInconsistentState) {
		t.Fatalf("expected ConsistencyError to unwrap to ErrInconsistentState")
	}
	if !IsFatal(err) || !IsFatal(ErrAccountHalted) {
		t.Fatalf("expected consistency and halted errors to be fatal")
	}
	if IsFatal(ErrInsufficientFunds) {
		t.Fatalf("business errors must not be fatal")
	}

	limited := error(&RateLimitError{RetryAfterSeconds: 7})
	if !errors.Is(limited, ErrRateLimited) {
		t.Fatalf("expected RateLimitError to unwrap to ErrRateLimited")
	}
}
