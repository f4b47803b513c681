package order

import (
	"context"
	"fmt"

	"courierpay/escrow"
)

// OrderStore is the repository surface the service needs.
type OrderStore interface {
	Insert(ctx context.Context, params CreateParams) (Order, error)
	Get(ctx context.Context, id string) (Order, error)
	AssignDriver(ctx context.Context, id, driverID string) (Order, error)
	MarkDelivered(ctx context.Context, id, driverID string) (Order, error)
	EscrowIDForOrder(ctx context.Context, orderID string) (string, error)
}

// EscrowReleaser is the slice of the escrow service delivery confirmation
// drives.
type EscrowReleaser interface {
	Release(ctx context.Context, id string, trigger escrow.ReleaseTrigger, actorID *string) (escrow.Transaction, error)
}

type Service struct {
	repo    OrderStore
	escrows EscrowReleaser
}

func NewService(repo OrderStore, escrows EscrowReleaser) *Service {
	return &Service{repo: repo, escrows: escrows}
}

// Create validates and stores a new order.
func (s *Service) Create(ctx context.Context, params CreateParams) (Order, error) {
	if params.CustomerID == "" || params.MerchantID == "" {
		return Order{}, fmt.Errorf("order: customer and merchant are required")
	}
	if !params.Total.IsPositive() {
		return Order{}, fmt.Errorf("order: total must be positive, got %s", params.Total)
	}
	return s.repo.Insert(ctx, params)
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	return s.repo.Get(ctx, id)
}

// AssignDriver puts a driver on a paid order.
func (s *Service) AssignDriver(ctx context.Context, orderID, driverID string) (Order, error) {
	return s.repo.AssignDriver(ctx, orderID, driverID)
}

// ConfirmDelivery records the driver's confirmation and releases the escrow
// hold to the merchant. Release is idempotent, so a confirmation racing the
// hold-expiry worker settles on whichever applied first.
func (s *Service) ConfirmDelivery(ctx context.Context, orderID, driverID string) (Order, error) {
	rec, err := s.repo.MarkDelivered(ctx, orderID, driverID)
	if err != nil {
		return Order{}, err
	}

	escrowID, err := s.repo.EscrowIDForOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if _, err := s.escrows.Release(ctx, escrowID, escrow.TriggerDeliveryConfirmed, &driverID); err != nil {
		return Order{}, fmt.Errorf("order: release escrow for %s: %w", orderID, err)
	}

	return rec, nil
}
