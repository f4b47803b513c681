package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("order: not found")
	ErrBadStatus = errors.New("order: invalid delivery transition")
)

const orderColumns = `id, customer_id, merchant_id, driver_id, total::text, payment_status::text, delivery_status::text, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert creates a new unpaid order.
func (r *Repository) Insert(ctx context.Context, params CreateParams) (Order, error) {
	const query = `
		INSERT INTO orders (customer_id, merchant_id, total, payment_status, delivery_status)
		VALUES ($1, $2, $3::numeric, 'unpaid', 'pending')
		RETURNING ` + orderColumns

	rec, err := scanOrder(r.pool.QueryRow(ctx, query, params.CustomerID, params.MerchantID, params.Total.String()))
	if err != nil {
		return Order{}, fmt.Errorf("order: insert: %w", err)
	}
	return rec, nil
}

// Get fetches one order.
func (r *Repository) Get(ctx context.Context, id string) (Order, error) {
	const query = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	rec, err := scanOrder(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, fmt.Errorf("order: get: %w", err)
	}
	return rec, nil
}

// AssignDriver attaches a driver to a paid order.
func (r *Repository) AssignDriver(ctx context.Context, id, driverID string) (Order, error) {
	const query = `
		UPDATE orders
		SET driver_id = $2, delivery_status = 'assigned', updated_at = now()
		WHERE id = $1 AND payment_status = 'paid' AND delivery_status = 'pending'
		RETURNING ` + orderColumns

	rec, err := scanOrder(r.pool.QueryRow(ctx, query, id, driverID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrBadStatus
		}
		return Order{}, fmt.Errorf("order: assign driver: %w", err)
	}
	return rec, nil
}

// MarkDelivered records the driver's confirmation.
func (r *Repository) MarkDelivered(ctx context.Context, id, driverID string) (Order, error) {
	const query = `
		UPDATE orders
		SET delivery_status = 'delivered', updated_at = now()
		WHERE id = $1 AND driver_id = $2 AND delivery_status = 'assigned'
		RETURNING ` + orderColumns

	rec, err := scanOrder(r.pool.QueryRow(ctx, query, id, driverID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrBadStatus
		}
		return Order{}, fmt.Errorf("order: mark delivered: %w", err)
	}
	return rec, nil
}

// EscrowIDForOrder finds the escrow transaction anchored to an order.
func (r *Repository) EscrowIDForOrder(ctx context.Context, orderID string) (string, error) {
	var escrowID string
	err := r.pool.QueryRow(ctx,
		`SELECT id FROM escrow_transactions WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`,
		orderID,
	).Scan(&escrowID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("order: find escrow: %w", err)
	}
	return escrowID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (Order, error) {
	var (
		rec      Order
		total    string
		payment  string
		delivery string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.CustomerID,
		&rec.MerchantID,
		&rec.DriverID,
		&total,
		&payment,
		&delivery,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return Order{}, err
	}

	amt, err := decimal.NewFromString(total)
	if err != nil {
		return Order{}, fmt.Errorf("order: parse total %q: %w", total, err)
	}
	rec.Total = amt
	rec.PaymentStatus = PaymentStatus(payment)
	rec.DeliveryStatus = DeliveryStatus(delivery)
	return rec, nil
}
