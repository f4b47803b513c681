package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle position of an escrow transaction.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusReleased Status = "released"
	StatusDisputed Status = "disputed"
	StatusFailed   Status = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusFailed
}

// ReleaseTrigger identifies which event caused a paid escrow to release.
type ReleaseTrigger string

const (
	TriggerDeliveryConfirmed ReleaseTrigger = "delivery_confirmed"
	TriggerAdminOverride     ReleaseTrigger = "admin_override"
	TriggerHoldExpired       ReleaseTrigger = "hold_expired"
	TriggerDisputeResolved   ReleaseTrigger = "dispute_resolved"
)

// Transaction mirrors the escrow_transactions table. Rows are never deleted;
// the full transition history lives in escrow_status_history.
type Transaction struct {
	ID               string
	OrderID          string
	CustomerID       string
	MerchantID       string
	Amount           decimal.Decimal
	Status           Status
	PaymentReference string
	DisputeID        *string
	CreatedAt        time.Time
	PaidAt           *time.Time
	ReleasedAt       *time.Time
	ReleaseDueAt     *time.Time
}

// StatusChange is one append-only audit row for a transaction.
type StatusChange struct {
	ID            int64
	TransactionID string
	FromStatus    *Status
	ToStatus      Status
	Trigger       string
	ActorID       *string
	CreatedAt     time.Time
}

// InitiateParams carries everything needed to open a new escrow hold.
type InitiateParams struct {
	OrderID    string
	CustomerID string
	MerchantID string
	Amount     decimal.Decimal
}

const (
	// OutboxTopicStatusChanged is published on every escrow transition.
	OutboxTopicStatusChanged = "escrow.status_changed"
)
