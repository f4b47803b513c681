package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrWalletNotFound is returned when the user has no wallet row.
	ErrWalletNotFound = errors.New("wallet: not found")
	// ErrPayoutNotFound is returned when no payout matches the reference.
	ErrPayoutNotFound = errors.New("wallet: payout not found")
	// ErrInsufficientFunds signals a debit larger than the current balance.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
)

// Repository moves money between wallet rows and their ledger. All mutations
// take a pgx.Tx so callers can bundle them with the state change that caused
// them; reads go through the pool.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByUserID returns the wallet row for a user.
func (r *Repository) GetByUserID(ctx context.Context, userID string) (Wallet, error) {
	const query = `SELECT id, user_id, balance::text, updated_at FROM wallets WHERE user_id = $1`

	var (
		w       Wallet
		balance string
	)
	err := r.pool.QueryRow(ctx, query, userID).Scan(&w.ID, &w.UserID, &balance, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, fmt.Errorf("wallet: fetch by user: %w", err)
	}
	bal, err := decimal.NewFromString(balance)
	if err != nil {
		return Wallet{}, fmt.Errorf("wallet: parse balance %q: %w", balance, err)
	}
	w.Balance = bal
	return w, nil
}

// Credit adds amount to the user's wallet and records the ledger entry inside
// the caller's transaction. The wallet row is locked so two concurrent credits
// cannot read the same starting balance.
func (r *Repository) Credit(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal, reference, reason string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("wallet: credit amount must be positive, got %s", amount)
	}

	var walletID string
	err := tx.QueryRow(ctx, `SELECT id FROM wallets WHERE user_id = $1 FOR UPDATE`, userID).Scan(&walletID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrWalletNotFound
		}
		return fmt.Errorf("wallet: lock for credit: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE wallets SET balance = balance + $2::numeric, updated_at = now() WHERE id = $1
	`, walletID, amount.String()); err != nil {
		return fmt.Errorf("wallet: apply credit: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO wallet_entries (wallet_id, amount, reference, reason)
		VALUES ($1, $2::numeric, $3, $4)
	`, walletID, amount.String(), reference, reason); err != nil {
		return fmt.Errorf("wallet: record entry: %w", err)
	}

	return nil
}

// Debit subtracts amount from the user's wallet, refusing to go negative.
func (r *Repository) Debit(ctx context.Context, tx pgx.Tx, userID string, amount decimal.Decimal, reference, reason string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("wallet: debit amount must be positive, got %s", amount)
	}

	var (
		walletID string
		balance  string
	)
	err := tx.QueryRow(ctx, `SELECT id, balance::text FROM wallets WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&walletID, &balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrWalletNotFound
		}
		return fmt.Errorf("wallet: lock for debit: %w", err)
	}
	bal, err := decimal.NewFromString(balance)
	if err != nil {
		return fmt.Errorf("wallet: parse balance %q: %w", balance, err)
	}
	if bal.LessThan(amount) {
		return ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `
		UPDATE wallets SET balance = balance - $2::numeric, updated_at = now() WHERE id = $1
	`, walletID, amount.String()); err != nil {
		return fmt.Errorf("wallet: apply debit: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO wallet_entries (wallet_id, amount, reference, reason)
		VALUES ($1, $2::numeric, $3, $4)
	`, walletID, amount.Neg().String(), reference, reason); err != nil {
		return fmt.Errorf("wallet: record entry: %w", err)
	}

	return nil
}

// ListEntries returns the most recent ledger lines for a wallet.
func (r *Repository) ListEntries(ctx context.Context, walletID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	const query = `
		SELECT id, wallet_id, amount::text, reference, reason, created_at
		FROM wallet_entries
		WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("wallet: list entries: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e      Entry
			amount string
		)
		if err := rows.Scan(&e.ID, &e.WalletID, &amount, &e.Reference, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("wallet: scan entry: %w", err)
		}
		amt, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("wallet: parse entry amount %q: %w", amount, err)
		}
		e.Amount = amt
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("wallet: iterate entries: %w", err)
	}
	return out, nil
}

// InsertPayout records a pending merchant withdrawal.
func (r *Repository) InsertPayout(ctx context.Context, tx pgx.Tx, merchantID string, amount decimal.Decimal, reference string) (Payout, error) {
	const query = `
		INSERT INTO payouts (merchant_id, amount, reference, status)
		VALUES ($1, $2::numeric, $3, 'pending')
		RETURNING id, merchant_id, amount::text, reference, status::text, created_at, settled_at
	`

	return scanPayout(tx.QueryRow(ctx, query, merchantID, amount.String(), reference))
}

// SettlePayout resolves a pending payout from a gateway transfer event.
func (r *Repository) SettlePayout(ctx context.Context, tx pgx.Tx, reference string, status PayoutStatus) (Payout, error) {
	const query = `
		UPDATE payouts
		SET status = $2::payout_status,
		    settled_at = CASE WHEN $2 = 'settled' THEN now() ELSE settled_at END
		WHERE reference = $1 AND status = 'pending'
		RETURNING id, merchant_id, amount::text, reference, status::text, created_at, settled_at
	`

	p, err := scanPayout(tx.QueryRow(ctx, query, reference, string(status)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payout{}, ErrPayoutNotFound
		}
		return Payout{}, err
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayout(row rowScanner) (Payout, error) {
	var (
		p      Payout
		amount string
		status string
	)
	if err := row.Scan(&p.ID, &p.MerchantID, &amount, &p.Reference, &status, &p.CreatedAt, &p.SettledAt); err != nil {
		return Payout{}, err
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return Payout{}, fmt.Errorf("wallet: parse payout amount %q: %w", amount, err)
	}
	p.Amount = amt
	p.Status = PayoutStatus(status)
	return p, nil
}
