/**
 * @description
 * This file defines the order model and the order lifecycle table. The table is the
 * single source of truth for which events are legal in which status; every mutation
 * performed by the order service is validated against it before any money moves.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (cents). `PublishPrice`,
 *   `PlatformFee` and `GrabPrice` are fixed when the order is created and never recomputed.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the current state of an order in its lifecycle.
type OrderStatus string

const (
	OrderStatusPublished  OrderStatus = "PUBLISHED"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
	OrderStatusException  OrderStatus = "EXCEPTION"
	OrderStatusMediating  OrderStatus = "MEDIATING"
	OrderStatusSettled    OrderStatus = "SETTLED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// AllOrderStatuses lists every status in lifecycle order.
var AllOrderStatuses = []OrderStatus{
	OrderStatusPublished,
	OrderStatusProcessing,
	OrderStatusCompleted,
	OrderStatusException,
	OrderStatusMediating,
	OrderStatusSettled,
	OrderStatusCancelled,
}

// IsTerminal reports whether no further transition may leave the status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusSettled || s == OrderStatusCancelled
}

// HoldsEscrow reports whether the publisher's frozen balance carries this order's publish price.
func (s OrderStatus) HoldsEscrow() bool {
	switch s {
	case OrderStatusProcessing, OrderStatusCompleted, OrderStatusException, OrderStatusMediating:
		return true
	default:
		return false
	}
}

// InDispute reports whether the order carries an open dispute.
func (s OrderStatus) InDispute() bool {
	return s == OrderStatusException || s == OrderStatusMediating
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	for _, known := range AllOrderStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// OrderEvent names an action that may move an order between statuses.
type OrderEvent string

const (
	EventCreate           OrderEvent = "CREATE"
	EventGrab             OrderEvent = "GRAB"
	EventComplete         OrderEvent = "COMPLETE"
	EventFileException    OrderEvent = "FILE_EXCEPTION"
	EventConfirmException OrderEvent = "CONFIRM_EXCEPTION"
	EventAppeal           OrderEvent = "APPEAL"
	EventRuleForGrabber   OrderEvent = "RULE_FOR_GRABBER"
	EventRuleForPublisher OrderEvent = "RULE_FOR_PUBLISHER"
	EventSettle           OrderEvent = "SETTLE"
	EventForceCancel      OrderEvent = "FORCE_CANCEL"
)

// AllOrderEvents lists every event that moves an existing order. EventCreate only
// appears in history rows.
var AllOrderEvents = []OrderEvent{
	EventGrab,
	EventComplete,
	EventFileException,
	EventConfirmException,
	EventAppeal,
	EventRuleForGrabber,
	EventRuleForPublisher,
	EventSettle,
	EventForceCancel,
}

// orderTransitions maps (from, event) to the resulting status.
var orderTransitions = map[OrderStatus]map[OrderEvent]OrderStatus{
	OrderStatusPublished: {
		EventGrab: OrderStatusProcessing,
	},
	OrderStatusProcessing: {
		EventComplete:      OrderStatusCompleted,
		EventFileException: OrderStatusException,
		EventForceCancel:   OrderStatusCancelled,
	},
	OrderStatusCompleted: {
		EventFileException: OrderStatusException,
		EventSettle:        OrderStatusSettled,
	},
	OrderStatusException: {
		EventConfirmException: OrderStatusCancelled,
		EventAppeal:           OrderStatusMediating,
		EventForceCancel:      OrderStatusCancelled,
	},
	OrderStatusMediating: {
		EventRuleForGrabber:   OrderStatusCancelled,
		EventRuleForPublisher: OrderStatusSettled,
	},
}

// NextStatus returns the status reached by applying event in status from.
func NextStatus(from OrderStatus, event OrderEvent) (OrderStatus, bool) {
	next, ok := orderTransitions[from][event]
	return next, ok
}

// Ruling is an arbiter's decision on a mediated dispute.
type Ruling string

const (
	RulingForPublisher Ruling = "FOR_PUBLISHER"
	RulingForGrabber   Ruling = "FOR_GRABBER"
)

// Event maps a ruling onto the lifecycle event it triggers.
func (r Ruling) Event() (OrderEvent, bool) {
	switch r {
	case RulingForPublisher:
		return EventRuleForPublisher, true
	case RulingForGrabber:
		return EventRuleForGrabber, true
	default:
		return "", false
	}
}

// Order is a service order posted by a publisher and claimed by a grabber.
type Order struct {
	ID               uuid.UUID   `json:"id"`
	OrderNo          string      `json:"order_no"`
	CityCode         string      `json:"city_code"`
	OrderType        string      `json:"order_type"`
	SkillCategory    string      `json:"skill_category,omitempty"`
	Title            string      `json:"title"`
	Description      string      `json:"description,omitempty"`
	PublishPrice     int64       `json:"publish_price"` // in cents
	PlatformFee      int64       `json:"platform_fee"`  // in cents
	GrabPrice        int64       `json:"grab_price"`    // in cents
	CommissionRuleID string      `json:"commission_rule_id"`
	PublisherID      string      `json:"publisher_id"`
	GrabberID        *string     `json:"grabber_id,omitempty"`
	Status           OrderStatus `json:"status"`
	Dispute          *Dispute    `json:"dispute,omitempty"`
	Ruling           *Ruling     `json:"ruling,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	GrabbedAt        *time.Time  `json:"grabbed_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	ClosedAt         *time.Time  `json:"closed_at,omitempty"`
}

// Dispute is the exception/appeal sub-record of an order.
type Dispute struct {
	ExceptionReason string     `json:"exception_reason"`
	ExceptionProofs []string   `json:"exception_proofs"`
	ExceptionTime   time.Time  `json:"exception_time"`
	AppealReason    string     `json:"appeal_reason,omitempty"`
	AppealTime      *time.Time `json:"appeal_time,omitempty"`
}

// Grabber returns the bound grabber id, or "" before the order is grabbed.
func (o *Order) Grabber() string {
	if o.GrabberID == nil {
		return ""
	}
	return *o.GrabberID
}

// Clone returns a deep copy of the order.
func (o Order) Clone() Order {
	out := o
	if o.GrabberID != nil {
		g := *o.GrabberID
		out.GrabberID = &g
	}
	if o.Dispute != nil {
		d := *o.Dispute
		d.ExceptionProofs = append([]string(nil), o.Dispute.ExceptionProofs...)
		if o.Dispute.AppealTime != nil {
			t := *o.Dispute.AppealTime
			d.AppealTime = &t
		}
		out.Dispute = &d
	}
	if o.Ruling != nil {
		r := *o.Ruling
		out.Ruling = &r
	}
	out.GrabbedAt = cloneTime(o.GrabbedAt)
	out.CompletedAt = cloneTime(o.CompletedAt)
	out.ClosedAt = cloneTime(o.ClosedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// OrderTransition is one row of an order's state history.
type OrderTransition struct {
	ID        uuid.UUID   `json:"id"`
	OrderID   uuid.UUID   `json:"order_id"`
	From      OrderStatus `json:"from_status,omitempty"`
	To        OrderStatus `json:"to_status"`
	Event     OrderEvent  `json:"event"`
	ActorID   string      `json:"actor_id"`
	ActorRole Role        `json:"actor_role"`
	Note      string      `json:"note,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// OrderFilter narrows order listings. Zero values match everything.
type OrderFilter struct {
	Status        OrderStatus
	PublisherID   string
	GrabberID     string
	CompletedUpTo *time.Time
	Limit         int
	Offset        int
}

// CreateOrderRequest is the DTO for publishing a new order.
type CreateOrderRequest struct {
	CityCode      string `json:"city_code"`
	OrderType     string `json:"order_type"`
	SkillCategory string `json:"skill_category,omitempty"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	PublishPrice  int64  `json:"publish_price"` // in cents
}

// FileExceptionRequest is the DTO for a grabber's dispute.
type FileExceptionRequest struct {
	Reason string   `json:"reason"`
	Proofs []string `json:"proofs"`
}

// AppealRequest is the DTO for a publisher rejecting a dispute.
type AppealRequest struct {
	Reason string `json:"reason"`
}

// RulingRequest is the DTO for an arbiter's decision.
type RulingRequest struct {
	Ruling Ruling `json:"ruling"`
	Note   string `json:"note,omitempty"`
}
