package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus reflects the escrow outcome onto the order.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "payment_failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// DeliveryStatus tracks fulfilment.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryAssigned  DeliveryStatus = "assigned"
	DeliveryDelivered DeliveryStatus = "delivered"
)

// Order mirrors the orders table.
type Order struct {
	ID             string
	CustomerID     string
	MerchantID     string
	DriverID       *string
	Total          decimal.Decimal
	PaymentStatus  PaymentStatus
	DeliveryStatus DeliveryStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreateParams captures a new order request.
type CreateParams struct {
	CustomerID string
	MerchantID string
	Total      decimal.Decimal
}
