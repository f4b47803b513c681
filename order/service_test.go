package order

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"courierpay/escrow"
)

type fakeOrderStore struct {
	orders   map[string]Order
	escrowID string
	nextID   int
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: make(map[string]Order), nextID: 1}
}

func (f *fakeOrderStore) Insert(_ context.Context, params CreateParams) (Order, error) {
	rec := Order{
		ID:             "order-1",
		CustomerID:     params.CustomerID,
		MerchantID:     params.MerchantID,
		Total:          params.Total,
		PaymentStatus:  PaymentUnpaid,
		DeliveryStatus: DeliveryPending,
	}
	f.orders[rec.ID] = rec
	return rec, nil
}

func (f *fakeOrderStore) Get(_ context.Context, id string) (Order, error) {
	rec, ok := f.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return rec, nil
}

func (f *fakeOrderStore) AssignDriver(_ context.Context, id, driverID string) (Order, error) {
	rec, ok := f.orders[id]
	if !ok || rec.PaymentStatus != PaymentPaid || rec.DeliveryStatus != DeliveryPending {
		return Order{}, ErrBadStatus
	}
	rec.DriverID = &driverID
	rec.DeliveryStatus = DeliveryAssigned
	f.orders[id] = rec
	return rec, nil
}

func (f *fakeOrderStore) MarkDelivered(_ context.Context, id, driverID string) (Order, error) {
	rec, ok := f.orders[id]
	if !ok || rec.DeliveryStatus != DeliveryAssigned || rec.DriverID == nil || *rec.DriverID != driverID {
		return Order{}, ErrBadStatus
	}
	rec.DeliveryStatus = DeliveryDelivered
	f.orders[id] = rec
	return rec, nil
}

func (f *fakeOrderStore) EscrowIDForOrder(context.Context, string) (string, error) {
	if f.escrowID == "" {
		return "", ErrNotFound
	}
	return f.escrowID, nil
}

type fakeReleaser struct {
	calls       int
	lastTrigger escrow.ReleaseTrigger
	lastActor   *string
	err         error
}

func (f *fakeReleaser) Release(_ context.Context, _ string, trigger escrow.ReleaseTrigger, actorID *string) (escrow.Transaction, error) {
	if f.err != nil {
		return escrow.Transaction{}, f.err
	}
	f.calls++
	f.lastTrigger = trigger
	f.lastActor = actorID
	return escrow.Transaction{Status: escrow.StatusReleased}, nil
}

func TestCreate_Validation(t *testing.T) {
	svc := NewService(newFakeOrderStore(), &fakeReleaser{})

	if _, err := svc.Create(context.Background(), CreateParams{
		CustomerID: "cust-1",
		MerchantID: "merch-1",
		Total:      decimal.Zero,
	}); err == nil {
		t.Fatal("expected error for zero total")
	}

	if _, err := svc.Create(context.Background(), CreateParams{
		CustomerID: "cust-1",
		Total:      decimal.New(10, 0),
	}); err == nil {
		t.Fatal("expected error for missing merchant")
	}
}

func TestAssignDriver_RequiresPaidOrder(t *testing.T) {
	store := newFakeOrderStore()
	svc := NewService(store, &fakeReleaser{})

	rec, err := svc.Create(context.Background(), CreateParams{
		CustomerID: "cust-1",
		MerchantID: "merch-1",
		Total:      decimal.RequireFromString("25.00"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Still unpaid: driver assignment is premature.
	if _, err := svc.AssignDriver(context.Background(), rec.ID, "driver-1"); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus, got %v", err)
	}

	rec.PaymentStatus = PaymentPaid
	store.orders[rec.ID] = rec

	assigned, err := svc.AssignDriver(context.Background(), rec.ID, "driver-1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned.DeliveryStatus != DeliveryAssigned {
		t.Fatalf("expected assigned, got %s", assigned.DeliveryStatus)
	}
}

func TestConfirmDelivery_ReleasesEscrow(t *testing.T) {
	store := newFakeOrderStore()
	store.escrowID = "esc-1"
	releaser := &fakeReleaser{}
	svc := NewService(store, releaser)

	driver := "driver-1"
	store.orders["order-1"] = Order{
		ID:             "order-1",
		CustomerID:     "cust-1",
		MerchantID:     "merch-1",
		DriverID:       &driver,
		Total:          decimal.New(100, 0),
		PaymentStatus:  PaymentPaid,
		DeliveryStatus: DeliveryAssigned,
	}

	rec, err := svc.ConfirmDelivery(context.Background(), "order-1", driver)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if rec.DeliveryStatus != DeliveryDelivered {
		t.Fatalf("expected delivered, got %s", rec.DeliveryStatus)
	}
	if releaser.calls != 1 {
		t.Fatalf("expected one release, got %d", releaser.calls)
	}
	if releaser.lastTrigger != escrow.TriggerDeliveryConfirmed {
		t.Fatalf("expected delivery_confirmed trigger, got %s", releaser.lastTrigger)
	}
	if releaser.lastActor == nil || *releaser.lastActor != driver {
		t.Fatalf("expected driver as actor, got %v", releaser.lastActor)
	}
}

func TestConfirmDelivery_WrongDriver(t *testing.T) {
	store := newFakeOrderStore()
	store.escrowID = "esc-1"
	releaser := &fakeReleaser{}
	svc := NewService(store, releaser)

	driver := "driver-1"
	store.orders["order-1"] = Order{
		ID:             "order-1",
		DriverID:       &driver,
		DeliveryStatus: DeliveryAssigned,
	}

	if _, err := svc.ConfirmDelivery(context.Background(), "order-1", "driver-2"); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus, got %v", err)
	}
	if releaser.calls != 0 {
		t.Fatal("escrow must not release for a rejected confirmation")
	}
}
