package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"courierpay/dispute"
	"courierpay/escrow"
	"courierpay/gateway"
	"courierpay/notify"
	"courierpay/order"
	"courierpay/wallet"
)

// Services bundles the wired application services the actors drive. Actors go
// through the service layer, never raw SQL, so the invariants the oracles
// check are the ones production code paths maintain.
type Services struct {
	Escrow  *escrow.Service
	Orders  *order.Service
	Dispute *dispute.Service
	Wallet  *wallet.Service
	Relay   *notify.Relay
}

// Seed identifies the users every actor shares.
type Seed struct {
	CustomerIDs []string
	MerchantID  string
	DriverID    string
	AdminID     string
}

// ignorable covers outcomes the harness deliberately provokes: contention on
// the same rows and connections killed by the chaos routine.
func ignorable(err error) bool {
	if errors.Is(err, escrow.ErrInvalidTransition) ||
		errors.Is(err, escrow.ErrNotFound) ||
		errors.Is(err, escrow.ErrStaleStatus) ||
		errors.Is(err, order.ErrBadStatus) ||
		errors.Is(err, order.ErrNotFound) ||
		errors.Is(err, dispute.ErrBadStatus) ||
		errors.Is(err, dispute.ErrNotFound) ||
		errors.Is(err, wallet.ErrInsufficientFunds) ||
		errors.Is(err, wallet.ErrPayoutNotFound) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01", "25P06", "57P01", "08006":
			return true
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Shopper runs full purchase flows: order, escrow hold, charge webhook with a
// deliberate duplicate delivery, then either hands the order to the driver or
// leaves it for the hold scanner.
func Shopper(ctx context.Context, svcs Services, seed Seed, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		customerID := seed.CustomerIDs[rand.Intn(len(seed.CustomerIDs))]
		amount := decimal.New(int64(500+rand.Intn(20000)), -2)

		ord, err := svcs.Orders.Create(ctx, order.CreateParams{
			CustomerID: customerID,
			MerchantID: seed.MerchantID,
			Total:      amount,
		})
		if err != nil {
			return fmt.Errorf("shopper create order: %w", err)
		}

		result, err := svcs.Escrow.InitiatePayment(ctx, escrow.InitiateParams{
			OrderID:    ord.ID,
			CustomerID: ord.CustomerID,
			MerchantID: ord.MerchantID,
			Amount:     ord.Total,
		}, "shopper@example.com")
		if err != nil {
			return fmt.Errorf("shopper initiate: %w", err)
		}

		ev := gateway.Event{
			Kind:      gateway.EventChargeSuccess,
			Reference: result.Transaction.PaymentReference,
			Amount:    amount,
		}
		// At-least-once delivery: the gateway replays the same webhook.
		for i := 0; i < 1+rand.Intn(2); i++ {
			if err := svcs.Escrow.HandleGatewayEvent(ctx, ev); err != nil && !ignorable(err) {
				return fmt.Errorf("shopper webhook: %w", err)
			}
		}

		if rand.Intn(3) != 0 {
			if _, err := svcs.Orders.AssignDriver(ctx, ord.ID, seed.DriverID); err != nil && !ignorable(err) {
				return fmt.Errorf("shopper assign: %w", err)
			}
			if _, err := svcs.Orders.ConfirmDelivery(ctx, ord.ID, seed.DriverID); err != nil && !ignorable(err) {
				return fmt.Errorf("shopper deliver: %w", err)
			}
		}

		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Releaser grabs random paid escrows and fires release triggers at them,
// racing the hold scanner and other releasers. Only one credit may land.
func Releaser(ctx context.Context, pool *pgxpool.Pool, svcs Services, adminID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id string
		err := pool.QueryRow(ctx,
			`SELECT id FROM escrow_transactions WHERE status = 'paid' ORDER BY random() LIMIT 1`,
		).Scan(&id)
		if err == nil {
			if _, err := svcs.Escrow.Release(ctx, id, escrow.TriggerAdminOverride, &adminID); err != nil && !ignorable(err) {
				return fmt.Errorf("releaser: %w", err)
			}
		} else if !errors.Is(err, pgx.ErrNoRows) && ctx.Err() == nil {
			return fmt.Errorf("releaser pick: %w", err)
		}

		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// HoldScanner drives the auto-release worker loop.
func HoldScanner(ctx context.Context, svcs Services, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svcs.Escrow.ReleaseDueOnce(ctx, 20); err != nil && !ignorable(err) && ctx.Err() == nil {
			return fmt.Errorf("hold scanner: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(40)) * time.Millisecond)
	}
}

// Disputer files disputes against random paid escrows and resolves them with
// a random verdict.
func Disputer(ctx context.Context, pool *pgxpool.Pool, svcs Services, adminID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var escrowID, customerID string
		err := pool.QueryRow(ctx,
			`SELECT id, customer_id FROM escrow_transactions WHERE status = 'paid' ORDER BY random() LIMIT 1`,
		).Scan(&escrowID, &customerID)
		if err == nil {
			rec, err := svcs.Dispute.File(ctx, escrowID, customerID, dispute.TypeNotDelivered, "stress filing")
			if err != nil && !ignorable(err) {
				return fmt.Errorf("disputer file: %w", err)
			}
			if err == nil {
				resolution := dispute.ResolutionRelease
				if rand.Intn(2) == 0 {
					resolution = dispute.ResolutionRefund
				}
				if _, err := svcs.Dispute.Resolve(ctx, rec.ID, resolution, adminID); err != nil && !ignorable(err) {
					return fmt.Errorf("disputer resolve: %w", err)
				}
			}
		} else if !errors.Is(err, pgx.ErrNoRows) && ctx.Err() == nil {
			return fmt.Errorf("disputer pick: %w", err)
		}

		time.Sleep(time.Duration(100+rand.Intn(150)) * time.Millisecond)
	}
}

// PayoutCycler withdraws from the merchant wallet and settles the transfer
// with a random outcome; failed transfers must restore the balance.
func PayoutCycler(ctx context.Context, svcs Services, merchantID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		payout, err := svcs.Wallet.RequestPayout(ctx, merchantID, decimal.New(int64(100+rand.Intn(500)), -2))
		if err != nil && !ignorable(err) && ctx.Err() == nil {
			return fmt.Errorf("payout request: %w", err)
		}
		if err == nil {
			kind := gateway.EventTransferSuccess
			if rand.Intn(3) == 0 {
				kind = gateway.EventTransferFailed
			}
			if err := svcs.Escrow.HandleGatewayEvent(ctx, gateway.Event{Kind: kind, Reference: payout.Reference}); err != nil && !ignorable(err) {
				return fmt.Errorf("payout settle: %w", err)
			}
		}

		time.Sleep(time.Duration(150+rand.Intn(200)) * time.Millisecond)
	}
}

// OutboxWorker drains the transactional outbox the way the production relay
// does.
func OutboxWorker(ctx context.Context, svcs Services, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svcs.Relay.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("outbox drain: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(50)) * time.Millisecond)
	}
}
