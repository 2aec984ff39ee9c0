/**
 * @description
 * The notification/audit sink receives side effects after a mutation has committed.
 * Delivery is fire-and-forget: a failing sink is logged and counted, never surfaced to
 * the caller, and never rolls back the committed change.
 *
 * @dependencies
 * - log/slog: Structured logging.
 * - pkg/rabbitmq: For publishing audit and notification events.
 */

package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
	"github.com/transfa/escrow-service/pkg/rabbitmq"
)

const sinkDeliveryTimeout = 5 * time.Second

// Sink is the push-only collaborator for audit lines and user notifications.
type Sink interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
	Notify(ctx context.Context, accountID string, n domain.Notification) error
	Broadcast(ctx context.Context, roles []domain.Role, n domain.Notification) error
}

// Directory resolves display names for notification text.
type Directory interface {
	DisplayName(ctx context.Context, accountID string) string
}

// StoreDirectory reads display names from the account table.
type StoreDirectory struct {
	reader store.Reader
}

func NewStoreDirectory(reader store.Reader) *StoreDirectory {
	return &StoreDirectory{reader: reader}
}

func (d *StoreDirectory) DisplayName(ctx context.Context, accountID string) string {
	acc, err := d.reader.FindAccount(ctx, accountID)
	if err != nil || acc.DisplayName == "" {
		return accountID
	}
	return acc.DisplayName
}

// LogSink writes every side effect to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, entry domain.AuditEntry) error {
	s.logger.Info("audit", "action", entry.Action, "actor_id", entry.ActorID, "actor_role", entry.ActorRole,
		"order_id", entry.OrderID, "account_id", entry.AccountID, "from", entry.FromStatus, "to", entry.ToStatus, "detail", entry.Detail)
	return nil
}

func (s *LogSink) Notify(ctx context.Context, accountID string, n domain.Notification) error {
	s.logger.Info("notify", "account_id", accountID, "category", n.Category, "title", n.Title)
	return nil
}

func (s *LogSink) Broadcast(ctx context.Context, roles []domain.Role, n domain.Notification) error {
	s.logger.Info("broadcast", "roles", roles, "category", n.Category, "title", n.Title)
	return nil
}

// Routing keys used by PublisherSink.
const (
	RoutingKeyAuditRecorded         = "escrow.audit.recorded"
	RoutingKeyNotificationAccount   = "escrow.notification.account"
	RoutingKeyNotificationBroadcast = "escrow.notification.broadcast"
)

// NotificationEvent is the payload published for account and broadcast notifications.
type NotificationEvent struct {
	AccountID string                      `json:"account_id,omitempty"`
	Roles     []domain.Role               `json:"roles,omitempty"`
	Title     string                      `json:"title"`
	Body      string                      `json:"body"`
	Category  domain.NotificationCategory `json:"category"`
	Timestamp time.Time                   `json:"timestamp"`
}

// PublisherSink forwards side effects to a RabbitMQ topic exchange for the notification service.
type PublisherSink struct {
	publisher rabbitmq.Publisher
	exchange  string
}

func NewPublisherSink(publisher rabbitmq.Publisher, exchange string) *PublisherSink {
	return &PublisherSink{publisher: publisher, exchange: exchange}
}

func (s *PublisherSink) Record(ctx context.Context, entry domain.AuditEntry) error {
	return s.publisher.Publish(ctx, s.exchange, RoutingKeyAuditRecorded, entry)
}

func (s *PublisherSink) Notify(ctx context.Context, accountID string, n domain.Notification) error {
	return s.publisher.Publish(ctx, s.exchange, RoutingKeyNotificationAccount, NotificationEvent{
		AccountID: accountID,
		Title:     n.Title,
		Body:      n.Body,
		Category:  n.Category,
		Timestamp: time.Now().UTC(),
	})
}

func (s *PublisherSink) Broadcast(ctx context.Context, roles []domain.Role, n domain.Notification) error {
	return s.publisher.Publish(ctx, s.exchange, RoutingKeyNotificationBroadcast, NotificationEvent{
		Roles:     roles,
		Title:     n.Title,
		Body:      n.Body,
		Category:  n.Category,
		Timestamp: time.Now().UTC(),
	})
}

// FanoutSink delivers to every wrapped sink and reports the first failure.
type FanoutSink []Sink

func (f FanoutSink) Record(ctx context.Context, entry domain.AuditEntry) error {
	var first error
	for _, s := range f {
		if err := s.Record(ctx, entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f FanoutSink) Notify(ctx context.Context, accountID string, n domain.Notification) error {
	var first error
	for _, s := range f {
		if err := s.Notify(ctx, accountID, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f FanoutSink) Broadcast(ctx context.Context, roles []domain.Role, n domain.Notification) error {
	var first error
	for _, s := range f {
		if err := s.Broadcast(ctx, roles, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// outbox collects the side effects of one transaction for delivery after commit.
type outbox struct {
	audits  []domain.AuditEntry
	notices []notice
	ops     []ledgerOpCount
}

type ledgerOpCount struct {
	op       string
	category domain.FlowCategory
}

type outboxKey struct{}

// withOutbox lets ledger primitives running inside a transaction reach its outbox.
func withOutbox(ctx context.Context, box *outbox) context.Context {
	return context.WithValue(ctx, outboxKey{}, box)
}

func outboxFrom(ctx context.Context) *outbox {
	box, _ := ctx.Value(outboxKey{}).(*outbox)
	return box
}

// countOp records a ledger primitive to be counted once the transaction commits.
func (o *outbox) countOp(op string, category domain.FlowCategory) {
	if o == nil {
		return
	}
	o.ops = append(o.ops, ledgerOpCount{op: op, category: category})
}

type notice struct {
	accountID string
	roles     []domain.Role
	n         domain.Notification
}

func (o *outbox) audit(entry domain.AuditEntry) {
	o.audits = append(o.audits, entry)
}

func (o *outbox) notify(accountID string, n domain.Notification) {
	if accountID == "" {
		return
	}
	o.notices = append(o.notices, notice{accountID: accountID, n: n})
}

func (o *outbox) broadcast(roles []domain.Role, n domain.Notification) {
	o.notices = append(o.notices, notice{roles: roles, n: n})
}

// dispatcher delivers an outbox to the sink once its transaction has committed.
type dispatcher struct {
	sink    Sink
	logger  *slog.Logger
	metrics *Metrics
}

func (d dispatcher) deliver(ctx context.Context, box *outbox) {
	if box == nil {
		return
	}
	for _, c := range box.ops {
		d.metrics.ledgerOp(c.op, c.category)
	}
	if d.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkDeliveryTimeout)
	defer cancel()

	for _, entry := range box.audits {
		if err := d.sink.Record(ctx, entry); err != nil {
			d.metrics.sinkFailure("record")
			d.logger.Warn("audit sink record failed", "action", entry.Action, "error", err)
		}
	}
	for _, nt := range box.notices {
		if nt.accountID != "" {
			if err := d.sink.Notify(ctx, nt.accountID, nt.n); err != nil {
				d.metrics.sinkFailure("notify")
				d.logger.Warn("notification delivery failed", "account_id", nt.accountID, "title", nt.n.Title, "error", err)
			}
			continue
		}
		if err := d.sink.Broadcast(ctx, nt.roles, nt.n); err != nil {
			d.metrics.sinkFailure("broadcast")
			d.logger.Warn("broadcast delivery failed", "roles", nt.roles, "title", nt.n.Title, "error", err)
		}
	}
}
