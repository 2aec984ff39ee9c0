package domain

import (
	"time"

	"github.com/google/uuid"
)

// Role is the part an account plays when acting on an order.
type Role string

const (
	RolePublisher Role = "publisher"
	RoleGrabber   Role = "grabber"
	RoleArbiter   Role = "arbiter"
	RoleAdmin     Role = "admin"
	RoleSystem    Role = "system"
)

// Actor identifies who triggered an operation. It is recorded, never used for authorization.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is used by scheduled jobs and consumers.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// AuditEntry is one line of the system log.
type AuditEntry struct {
	ID         uuid.UUID   `json:"id"`
	Action     string      `json:"action"`
	ActorID    string      `json:"actor_id"`
	ActorRole  Role        `json:"actor_role"`
	OrderID    *uuid.UUID  `json:"order_id,omitempty"`
	AccountID  string      `json:"account_id,omitempty"`
	FromStatus OrderStatus `json:"from_status,omitempty"`
	ToStatus   OrderStatus `json:"to_status,omitempty"`
	Detail     string      `json:"detail"`
	CreatedAt  time.Time   `json:"created_at"`
}

// NotificationCategory groups user-facing messages.
type NotificationCategory string

const (
	NotifyOrder      NotificationCategory = "order"
	NotifyDispute    NotificationCategory = "dispute"
	NotifySettlement NotificationCategory = "settlement"
	NotifyFunds      NotificationCategory = "funds"
)

// Notification is a message for one account or a set of roles.
type Notification struct {
	Title    string               `json:"title"`
	Body     string               `json:"body"`
	Category NotificationCategory `json:"category"`
}
