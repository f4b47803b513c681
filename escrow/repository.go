package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no escrow row exists for the identifier.
	ErrNotFound = errors.New("escrow: not found")
	// ErrDuplicateReference signals the payment reference is already reserved.
	ErrDuplicateReference = errors.New("escrow: duplicate payment reference")
	// ErrStaleStatus signals the row moved under us between read and write.
	ErrStaleStatus = errors.New("escrow: stale status")
)

const txColumns = `id, order_id, customer_id, merchant_id, amount::text, status::text,
	payment_reference, dispute_id, created_at, paid_at, released_at, release_due_at`

// Repository performs all escrow_transactions access. Every mutating method
// takes an open pgx.Tx so the service can keep a transition, its audit row,
// its order/wallet side effects, and the outbox write in one transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Insert opens a new pending escrow hold.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params InitiateParams, reference string) (Transaction, error) {
	const query = `
		INSERT INTO escrow_transactions (order_id, customer_id, merchant_id, amount, payment_reference, status)
		VALUES ($1, $2, $3, $4::numeric, $5, 'pending')
		RETURNING ` + txColumns

	rec, err := scanTransaction(tx.QueryRow(ctx, query,
		params.OrderID, params.CustomerID, params.MerchantID, params.Amount.String(), reference))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Transaction{}, ErrDuplicateReference
		}
		return Transaction{}, fmt.Errorf("escrow: insert: %w", err)
	}
	return rec, nil
}

// GetByReferenceForUpdate locks the row for the gateway reference, serializing
// concurrent webhook deliveries for the same payment.
func (r *Repository) GetByReferenceForUpdate(ctx context.Context, tx pgx.Tx, reference string) (Transaction, error) {
	const query = `SELECT ` + txColumns + ` FROM escrow_transactions WHERE payment_reference = $1 FOR UPDATE`

	rec, err := scanTransaction(tx.QueryRow(ctx, query, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: fetch by reference: %w", err)
	}
	return rec, nil
}

// GetByIDForUpdate locks the row by primary key.
func (r *Repository) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	const query = `SELECT ` + txColumns + ` FROM escrow_transactions WHERE id = $1 FOR UPDATE`

	rec, err := scanTransaction(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: fetch by id: %w", err)
	}
	return rec, nil
}

// GetByID reads a row without locking it.
func (r *Repository) GetByID(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	const query = `SELECT ` + txColumns + ` FROM escrow_transactions WHERE id = $1`

	rec, err := scanTransaction(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("escrow: fetch by id: %w", err)
	}
	return rec, nil
}

// MarkPaid flips pending->paid and stamps the hold window.
func (r *Repository) MarkPaid(ctx context.Context, tx pgx.Tx, id string, holdPeriod time.Duration) (Transaction, error) {
	const query = `
		UPDATE escrow_transactions
		SET status = 'paid',
		    paid_at = now(),
		    release_due_at = now() + $2::interval
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + txColumns

	return r.applyUpdate(ctx, tx, query, id, fmt.Sprintf("%d seconds", int(holdPeriod.Seconds())))
}

// MarkFailed moves any non-terminal row to failed.
func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id string, from Status) (Transaction, error) {
	const query = `
		UPDATE escrow_transactions
		SET status = 'failed'
		WHERE id = $1 AND status = $2::escrow_status
		RETURNING ` + txColumns

	return r.applyUpdate(ctx, tx, query, id, string(from))
}

// MarkReleased flips paid/disputed->released and stamps released_at.
func (r *Repository) MarkReleased(ctx context.Context, tx pgx.Tx, id string, from Status) (Transaction, error) {
	const query = `
		UPDATE escrow_transactions
		SET status = 'released',
		    released_at = now()
		WHERE id = $1 AND status = $2::escrow_status
		RETURNING ` + txColumns

	return r.applyUpdate(ctx, tx, query, id, string(from))
}

// MarkDisputed flips paid->disputed and links the dispute record.
func (r *Repository) MarkDisputed(ctx context.Context, tx pgx.Tx, id, disputeID string) (Transaction, error) {
	const query = `
		UPDATE escrow_transactions
		SET status = 'disputed',
		    dispute_id = $2
		WHERE id = $1 AND status = 'paid'
		RETURNING ` + txColumns

	return r.applyUpdate(ctx, tx, query, id, disputeID)
}

func (r *Repository) applyUpdate(ctx context.Context, tx pgx.Tx, query, id string, arg any) (Transaction, error) {
	rec, err := scanTransaction(tx.QueryRow(ctx, query, id, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The guarded WHERE matched nothing: either the row is gone or
			// another writer already advanced it.
			return Transaction{}, ErrStaleStatus
		}
		return Transaction{}, fmt.Errorf("escrow: update status: %w", err)
	}
	return rec, nil
}

// AppendStatusChange writes one audit row for the transition.
func (r *Repository) AppendStatusChange(ctx context.Context, tx pgx.Tx, change StatusChange) error {
	const query = `
		INSERT INTO escrow_status_history (transaction_id, from_status, to_status, trigger, actor_id)
		VALUES ($1, $2, $3::escrow_status, $4, $5)
	`

	var from any
	if change.FromStatus != nil {
		from = string(*change.FromStatus)
	}
	var actor any
	if change.ActorID != nil {
		actor = *change.ActorID
	}
	if _, err := tx.Exec(ctx, query, change.TransactionID, from, string(change.ToStatus), change.Trigger, actor); err != nil {
		return fmt.Errorf("escrow: append status history: %w", err)
	}
	return nil
}

// EnqueueOutbox records a notification message in the same transaction as the
// transition it announces.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}

// SetOrderPaymentStatus reflects the escrow outcome onto the order row.
func (r *Repository) SetOrderPaymentStatus(ctx context.Context, tx pgx.Tx, orderID, paymentStatus string) error {
	tag, err := tx.Exec(ctx, `UPDATE orders SET payment_status = $2, updated_at = now() WHERE id = $1`, orderID, paymentStatus)
	if err != nil {
		return fmt.Errorf("escrow: update order payment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow: order %s not found", orderID)
	}
	return nil
}

// ListReleaseDue returns paid transactions whose hold window has expired.
// Rows are locked with SKIP LOCKED so concurrent scanners never double-pick.
func (r *Repository) ListReleaseDue(ctx context.Context, tx pgx.Tx, limit int) ([]Transaction, error) {
	const query = `
		SELECT ` + txColumns + `
		FROM escrow_transactions
		WHERE status = 'paid' AND release_due_at <= now()
		ORDER BY release_due_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: list release due: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, limit)
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan release due: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate release due: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var (
		rec    Transaction
		amount string
		status string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.OrderID,
		&rec.CustomerID,
		&rec.MerchantID,
		&amount,
		&status,
		&rec.PaymentReference,
		&rec.DisputeID,
		&rec.CreatedAt,
		&rec.PaidAt,
		&rec.ReleasedAt,
		&rec.ReleaseDueAt,
	); err != nil {
		return Transaction{}, err
	}

	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return Transaction{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	rec.Amount = amt
	rec.Status = Status(status)
	return rec, nil
}
