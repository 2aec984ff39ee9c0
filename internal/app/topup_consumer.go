package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/pkg/rabbitmq"
)

// RoutingKeyTopUpCompleted is published by the payments side once external funds land.
const RoutingKeyTopUpCompleted = "wallet.topup.completed"

// TopUpEvent is the payload of a completed external top-up.
type TopUpEvent struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// TopUpApplier credits a top-up to an account.
type TopUpApplier interface {
	TopUp(ctx context.Context, actor domain.Actor, accountID string, req domain.TopUpRequest) (*domain.Account, error)
}

// TopUpConsumer applies top-up events from the message broker.
type TopUpConsumer struct {
	ledger TopUpApplier
	logger *slog.Logger
}

func NewTopUpConsumer(ledger TopUpApplier, logger *slog.Logger) *TopUpConsumer {
	return &TopUpConsumer{ledger: ledger, logger: logger}
}

// HandleMessage applies one top-up event. Funds that cannot be credited are dead-lettered
// to the parking queue, never dropped; only transient failures are requeued.
func (c *TopUpConsumer) HandleMessage(body []byte) rabbitmq.Outcome {
	var event TopUpEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error("topup-consumer: failed to unmarshal payload; parking", "error", err)
		return rabbitmq.DeadLetter
	}
	event.AccountID = strings.TrimSpace(event.AccountID)
	event.Reference = strings.TrimSpace(event.Reference)
	if event.AccountID == "" || event.Reference == "" || event.Amount <= 0 {
		c.logger.Error("topup-consumer: incomplete event; parking", "account_id", event.AccountID, "reference", event.Reference, "amount", event.Amount)
		return rabbitmq.DeadLetter
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := c.ledger.TopUp(ctx, domain.SystemActor, event.AccountID, domain.TopUpRequest{
		Amount:   event.Amount,
		ProofRef: event.Reference,
	})
	switch {
	case err == nil:
		c.logger.Info("topup-consumer: applied top-up", "account_id", event.AccountID, "reference", event.Reference, "amount", event.Amount)
		return rabbitmq.Ack
	case errors.Is(err, domain.ErrDuplicateTopUp):
		c.logger.Info("topup-consumer: top-up already applied; acknowledging", "reference", event.Reference)
		return rabbitmq.Ack
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrInvalidInput):
		c.logger.Error("topup-consumer: unprocessable top-up; parking", "account_id", event.AccountID, "reference", event.Reference, "error", err)
		return rabbitmq.DeadLetter
	case domain.IsFatal(err):
		// A halted account needs an operator; the event waits in the parking queue until then.
		c.logger.Error("topup-consumer: account halted; parking", "account_id", event.AccountID, "reference", event.Reference, "error", err)
		return rabbitmq.DeadLetter
	default:
		c.logger.Warn("topup-consumer: processing error; requeueing", "account_id", event.AccountID, "reference", event.Reference, "error", err)
		return rabbitmq.Requeue
	}
}
