package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"courierpay/gateway"
	"courierpay/wallet"
)

var (
	// ErrInvalidTransition signals a request for an edge the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("escrow: invalid status transition")
	// ErrAmountMismatch signals the gateway reported a different amount than
	// the one held in escrow.
	ErrAmountMismatch = errors.New("escrow: webhook amount mismatch")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access the service needs from the repository.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, params InitiateParams, reference string) (Transaction, error)
	GetByReferenceForUpdate(ctx context.Context, tx pgx.Tx, reference string) (Transaction, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error)
	MarkPaid(ctx context.Context, tx pgx.Tx, id string, holdPeriod time.Duration) (Transaction, error)
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, from Status) (Transaction, error)
	MarkReleased(ctx context.Context, tx pgx.Tx, id string, from Status) (Transaction, error)
	MarkDisputed(ctx context.Context, tx pgx.Tx, id, disputeID string) (Transaction, error)
	AppendStatusChange(ctx context.Context, tx pgx.Tx, change StatusChange) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	SetOrderPaymentStatus(ctx context.Context, tx pgx.Tx, orderID, paymentStatus string) error
	ListReleaseDue(ctx context.Context, tx pgx.Tx, limit int) ([]Transaction, error)
}

// Ledger is the wallet operation escrow transitions depend on.
type Ledger interface {
	Credit(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal, reference, reason string) error
}

// PayoutSettler resolves merchant payouts from gateway transfer events.
type PayoutSettler interface {
	SettlePayout(ctx context.Context, tx pgx.Tx, reference string, succeeded bool) (wallet.Payout, error)
}

// Charger initializes charges with the payment gateway.
type Charger interface {
	InitializeCharge(ctx context.Context, reference, customerEmail string, amount decimal.Decimal) (gateway.Charge, error)
}

// Refunder reverses captured charges at the gateway.
type Refunder interface {
	Refund(ctx context.Context, reference string, amount decimal.Decimal) error
}

// Service drives every escrow transition. All writes for one transition
// (status flip, audit row, order and wallet side effects, outbox message)
// commit in a single transaction, and the escrow row is locked first, so
// concurrent webhook deliveries for one payment serialize instead of
// double-crediting.
type Service struct {
	pool     TxBeginner
	repo     Store
	wallets  Ledger
	payouts  PayoutSettler
	charger  Charger
	refunder Refunder

	feeRate    decimal.Decimal
	holdPeriod time.Duration
}

type ServiceConfig struct {
	// FeeRate is the platform cut applied on release, e.g. 0.015 for 1.5%.
	FeeRate decimal.Decimal
	// HoldPeriod is how long a paid escrow waits before auto-release.
	HoldPeriod time.Duration
}

func NewService(pool TxBeginner, repo Store, wallets Ledger, payouts PayoutSettler, charger Charger, refunder Refunder, cfg ServiceConfig) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if cfg.HoldPeriod <= 0 {
		cfg.HoldPeriod = 72 * time.Hour
	}
	return &Service{
		pool:       pool,
		repo:       repo,
		wallets:    wallets,
		payouts:    payouts,
		charger:    charger,
		refunder:   refunder,
		feeRate:    cfg.FeeRate,
		holdPeriod: cfg.HoldPeriod,
	}
}

// InitiateResult bundles the stored transaction with the gateway checkout.
type InitiateResult struct {
	Transaction Transaction
	CheckoutURL string
}

// InitiatePayment opens a pending escrow hold for an order and registers the
// charge with the gateway.
func (s *Service) InitiatePayment(ctx context.Context, params InitiateParams, customerEmail string) (InitiateResult, error) {
	if !params.Amount.IsPositive() {
		return InitiateResult{}, fmt.Errorf("escrow: amount must be positive, got %s", params.Amount)
	}
	if params.OrderID == "" || params.CustomerID == "" || params.MerchantID == "" {
		return InitiateResult{}, fmt.Errorf("escrow: order, customer and merchant ids are required")
	}

	reference := "esc_" + uuid.NewString()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Insert(ctx, tx, params, reference)
	if err != nil {
		return InitiateResult{}, err
	}
	if err := s.recordTransition(ctx, tx, rec, nil, "payment_initiated", nil, nil); err != nil {
		return InitiateResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return InitiateResult{}, fmt.Errorf("escrow: commit tx: %w", err)
	}

	charge, err := s.charger.InitializeCharge(ctx, reference, customerEmail, params.Amount)
	if err != nil {
		// The hold exists but the customer has no way to pay it. Close it out
		// so the order can be retried with a fresh reference.
		if _, failErr := s.Fail(ctx, rec.ID, "charge_init_failed", nil); failErr != nil {
			log.Printf("escrow: close %s after charge init failure: %v", rec.ID, failErr)
		}
		return InitiateResult{}, fmt.Errorf("escrow: initialize charge: %w", err)
	}

	return InitiateResult{Transaction: rec, CheckoutURL: charge.CheckoutURL}, nil
}

// HandleGatewayEvent applies one verified webhook delivery. Duplicate and
// out-of-order deliveries are acknowledged as no-ops; only malformed or
// inconsistent payloads return an error.
func (s *Service) HandleGatewayEvent(ctx context.Context, ev gateway.Event) error {
	switch ev.Kind {
	case gateway.EventChargeSuccess:
		return s.applyChargeSuccess(ctx, ev)
	case gateway.EventChargeFailed:
		return s.applyChargeFailed(ctx, ev)
	case gateway.EventTransferSuccess:
		return s.settleTransfer(ctx, ev, true)
	case gateway.EventTransferFailed:
		return s.settleTransfer(ctx, ev, false)
	default:
		log.Printf("escrow: ignoring unhandled gateway event %q (reference %s)", ev.Kind, ev.Reference)
		return nil
	}
}

func (s *Service) applyChargeSuccess(ctx context.Context, ev gateway.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetByReferenceForUpdate(ctx, tx, ev.Reference)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Printf("escrow: charge.success for unknown reference %s, ignoring", ev.Reference)
			return nil
		}
		return err
	}

	if rec.Status != StatusPending {
		// At-least-once delivery: a replay against paid or later is the
		// expected duplicate and must not credit twice.
		log.Printf("escrow: duplicate charge.success for %s (status %s), no-op", ev.Reference, rec.Status)
		return nil
	}
	if !ev.Amount.Equal(rec.Amount) {
		log.Printf("escrow: charge.success amount %s does not match held %s for %s", ev.Amount, rec.Amount, ev.Reference)
		return ErrAmountMismatch
	}

	updated, err := s.repo.MarkPaid(ctx, tx, rec.ID, s.holdPeriod)
	if err != nil {
		return err
	}
	if err := s.repo.SetOrderPaymentStatus(ctx, tx, rec.OrderID, "paid"); err != nil {
		return err
	}
	if err := s.recordTransition(ctx, tx, updated, &rec.Status, "charge.success", nil, nil); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit tx: %w", err)
	}
	return nil
}

func (s *Service) applyChargeFailed(ctx context.Context, ev gateway.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetByReferenceForUpdate(ctx, tx, ev.Reference)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Printf("escrow: charge.failed for unknown reference %s, ignoring", ev.Reference)
			return nil
		}
		return err
	}

	if rec.Status != StatusPending {
		log.Printf("escrow: charge.failed for %s in status %s, no-op", ev.Reference, rec.Status)
		return nil
	}

	updated, err := s.repo.MarkFailed(ctx, tx, rec.ID, StatusPending)
	if err != nil {
		return err
	}
	if err := s.repo.SetOrderPaymentStatus(ctx, tx, rec.OrderID, "payment_failed"); err != nil {
		return err
	}
	if err := s.recordTransition(ctx, tx, updated, &rec.Status, "charge.failed", nil, nil); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit tx: %w", err)
	}
	return nil
}

func (s *Service) settleTransfer(ctx context.Context, ev gateway.Event, succeeded bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	payout, err := s.payouts.SettlePayout(ctx, tx, ev.Reference, succeeded)
	if err != nil {
		if errors.Is(err, wallet.ErrPayoutNotFound) {
			log.Printf("escrow: transfer event for unknown payout %s, ignoring", ev.Reference)
			return nil
		}
		return err
	}

	if err := s.repo.EnqueueOutbox(ctx, tx, "payout.status_changed", map[string]any{
		"payout_id":   payout.ID,
		"merchant_id": payout.MerchantID,
		"reference":   payout.Reference,
		"status":      string(payout.Status),
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit tx: %w", err)
	}
	return nil
}

// Release moves a paid escrow to released and credits the merchant wallet
// with the amount minus the platform fee. Releasing an already-released
// transaction is a no-op so near-simultaneous triggers (delivery confirmation
// racing the hold timer) resolve as first-wins.
func (s *Service) Release(ctx context.Context, id string, trigger ReleaseTrigger, actorID *string) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.ReleaseInTx(ctx, tx, id, trigger, actorID)
	if err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return rec, nil
}

// ReleaseInTx is Release running inside a caller-owned transaction, used by
// the dispute resolution flow.
func (s *Service) ReleaseInTx(ctx context.Context, tx pgx.Tx, id string, trigger ReleaseTrigger, actorID *string) (Transaction, error) {
	rec, err := s.repo.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}

	if rec.Status == StatusReleased {
		log.Printf("escrow: %s already released, %s trigger is a no-op", id, trigger)
		return rec, nil
	}

	from := rec.Status
	switch trigger {
	case TriggerDisputeResolved:
		if from != StatusDisputed {
			return Transaction{}, fmt.Errorf("%w: %s -> released via %s", ErrInvalidTransition, from, trigger)
		}
	default:
		if from != StatusPaid {
			return Transaction{}, fmt.Errorf("%w: %s -> released via %s", ErrInvalidTransition, from, trigger)
		}
	}

	return s.releaseLocked(ctx, tx, rec, trigger, actorID)
}

func (s *Service) releaseLocked(ctx context.Context, tx pgx.Tx, rec Transaction, trigger ReleaseTrigger, actorID *string) (Transaction, error) {
	from := rec.Status
	updated, err := s.repo.MarkReleased(ctx, tx, rec.ID, from)
	if err != nil {
		return Transaction{}, err
	}

	fee := rec.Amount.Mul(s.feeRate).Round(2)
	net := rec.Amount.Sub(fee)
	if err := s.wallets.Credit(ctx, tx, rec.MerchantID, net, rec.PaymentReference, "escrow_release"); err != nil {
		// The tx rolls back, so the status flip is undone with the credit.
		return Transaction{}, fmt.Errorf("escrow: credit merchant on release: %w", err)
	}

	extra := map[string]any{"fee": fee.String(), "net": net.String()}
	if err := s.recordTransition(ctx, tx, updated, &from, string(trigger), actorID, extra); err != nil {
		return Transaction{}, err
	}
	return updated, nil
}

// OpenDisputeInTx freezes a paid escrow while a dispute is investigated. The
// hold timer stops implicitly: the release scanner only considers paid rows.
func (s *Service) OpenDisputeInTx(ctx context.Context, tx pgx.Tx, id, disputeID string, actorID *string) (Transaction, error) {
	rec, err := s.repo.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	if rec.Status != StatusPaid {
		return Transaction{}, fmt.Errorf("%w: %s -> disputed", ErrInvalidTransition, rec.Status)
	}

	updated, err := s.repo.MarkDisputed(ctx, tx, id, disputeID)
	if err != nil {
		return Transaction{}, err
	}

	from := StatusPaid
	extra := map[string]any{"dispute_id": disputeID}
	if err := s.recordTransition(ctx, tx, updated, &from, "dispute_filed", actorID, extra); err != nil {
		return Transaction{}, err
	}
	return updated, nil
}

// RefundInTx resolves a disputed escrow in the customer's favor: the gateway
// charge is reversed, then the escrow is closed as failed. A refund that
// succeeds at the gateway but fails to record locally is a fatal
// inconsistency and is logged for alerting before the error is returned.
func (s *Service) RefundInTx(ctx context.Context, tx pgx.Tx, id string, actorID *string) (Transaction, error) {
	rec, err := s.repo.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	if rec.Status == StatusFailed {
		log.Printf("escrow: %s already failed, refund is a no-op", id)
		return rec, nil
	}
	if rec.Status != StatusDisputed {
		return Transaction{}, fmt.Errorf("%w: %s -> failed via refund", ErrInvalidTransition, rec.Status)
	}

	if err := s.refunder.Refund(ctx, rec.PaymentReference, rec.Amount); err != nil {
		return Transaction{}, fmt.Errorf("escrow: refund %s: %w", rec.PaymentReference, err)
	}

	updated, err := s.repo.MarkFailed(ctx, tx, id, StatusDisputed)
	if err != nil {
		log.Printf("escrow: ALERT: refund for %s succeeded at gateway but local close failed: %v", rec.PaymentReference, err)
		return Transaction{}, err
	}
	if err := s.repo.SetOrderPaymentStatus(ctx, tx, rec.OrderID, "refunded"); err != nil {
		log.Printf("escrow: ALERT: refund for %s succeeded at gateway but order update failed: %v", rec.PaymentReference, err)
		return Transaction{}, err
	}

	from := StatusDisputed
	if err := s.recordTransition(ctx, tx, updated, &from, "dispute_refund", actorID, nil); err != nil {
		log.Printf("escrow: ALERT: refund for %s succeeded at gateway but audit write failed: %v", rec.PaymentReference, err)
		return Transaction{}, err
	}
	return updated, nil
}

// Fail closes a non-terminal escrow without funds movement.
func (s *Service) Fail(ctx context.Context, id, trigger string, actorID *string) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return Transaction{}, err
	}
	if rec.Status.IsTerminal() {
		return Transaction{}, fmt.Errorf("%w: %s -> failed", ErrInvalidTransition, rec.Status)
	}

	updated, err := s.repo.MarkFailed(ctx, tx, id, rec.Status)
	if err != nil {
		return Transaction{}, err
	}
	from := rec.Status
	if err := s.recordTransition(ctx, tx, updated, &from, trigger, actorID, nil); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return updated, nil
}

// ReleaseDueOnce releases one batch of paid escrows whose hold window has
// expired. Returns how many were released.
func (s *Service) ReleaseDueOnce(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 20
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	due, err := s.repo.ListReleaseDue(ctx, tx, batchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, rec := range due {
		if _, err := s.releaseLocked(ctx, tx, rec, TriggerHoldExpired, nil); err != nil {
			return 0, err
		}
		released++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return released, nil
}

func (s *Service) recordTransition(ctx context.Context, tx pgx.Tx, rec Transaction, from *Status, trigger string, actorID *string, extra map[string]any) error {
	if err := s.repo.AppendStatusChange(ctx, tx, StatusChange{
		TransactionID: rec.ID,
		FromStatus:    from,
		ToStatus:      rec.Status,
		Trigger:       trigger,
		ActorID:       actorID,
	}); err != nil {
		return err
	}

	payload := map[string]any{
		"transaction_id": rec.ID,
		"order_id":       rec.OrderID,
		"customer_id":    rec.CustomerID,
		"merchant_id":    rec.MerchantID,
		"reference":      rec.PaymentReference,
		"status":         string(rec.Status),
		"trigger":        trigger,
	}
	if from != nil {
		payload["previous_status"] = string(*from)
	}
	for k, v := range extra {
		payload[k] = v
	}
	return s.repo.EnqueueOutbox(ctx, tx, OutboxTopicStatusChanged, payload)
}
