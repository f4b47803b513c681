package dispute

import "time"

// Type classifies what the filer claims went wrong.
type Type string

const (
	TypeNotDelivered Type = "not_delivered"
	TypeDamaged      Type = "damaged"
	TypeWrongItem    Type = "wrong_item"
	TypeOvercharge   Type = "overcharge"
	TypeOther        Type = "other"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusClosed        Status = "closed"
)

// Resolution is the admin's verdict on a dispute.
type Resolution string

const (
	ResolutionRelease Resolution = "release"
	ResolutionRefund  Resolution = "refund"
)

// Record mirrors the disputes table. Each dispute references exactly one
// escrow transaction.
type Record struct {
	ID          string
	EscrowID    string
	FiledBy     string
	Type        Type
	Reason      string
	Status      Status
	Resolution  *Resolution
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ResolvedAt  *time.Time
}
