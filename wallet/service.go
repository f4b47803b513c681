package wallet

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service exposes wallet reads and the merchant withdrawal flow. Credits and
// debits tied to escrow transitions go through Repository directly inside the
// escrow service's transaction.
type Service struct {
	pool TxBeginner
	repo *Repository
}

func NewService(pool TxBeginner, repo *Repository) *Service {
	return &Service{pool: pool, repo: repo}
}

// Balance returns the wallet for a user.
func (s *Service) Balance(ctx context.Context, userID string) (Wallet, error) {
	return s.repo.GetByUserID(ctx, userID)
}

// Statement returns the wallet plus its recent ledger lines.
func (s *Service) Statement(ctx context.Context, userID string, limit int) (Wallet, []Entry, error) {
	w, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return Wallet{}, nil, err
	}
	entries, err := s.repo.ListEntries(ctx, w.ID, limit)
	if err != nil {
		return Wallet{}, nil, err
	}
	return w, entries, nil
}

// RequestPayout debits the merchant wallet and records a pending payout; the
// gateway transfer result arrives later as a transfer.* webhook.
func (s *Service) RequestPayout(ctx context.Context, merchantID string, amount decimal.Decimal) (Payout, error) {
	if !amount.IsPositive() {
		return Payout{}, fmt.Errorf("wallet: payout amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payout{}, fmt.Errorf("wallet: begin payout tx: %w", err)
	}
	defer tx.Rollback(ctx)

	reference := "po_" + uuid.NewString()
	if err := s.repo.Debit(ctx, tx, merchantID, amount, reference, "payout_requested"); err != nil {
		return Payout{}, err
	}

	payout, err := s.repo.InsertPayout(ctx, tx, merchantID, amount, reference)
	if err != nil {
		return Payout{}, fmt.Errorf("wallet: insert payout: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Payout{}, fmt.Errorf("wallet: commit payout tx: %w", err)
	}
	return payout, nil
}

// SettlePayout applies a gateway transfer outcome. A failed transfer returns
// the debited amount to the merchant wallet.
func (s *Service) SettlePayout(ctx context.Context, tx pgx.Tx, reference string, succeeded bool) (Payout, error) {
	status := PayoutSettled
	if !succeeded {
		status = PayoutFailed
	}

	payout, err := s.repo.SettlePayout(ctx, tx, reference, status)
	if err != nil {
		return Payout{}, err
	}

	if !succeeded {
		if err := s.repo.Credit(ctx, tx, payout.MerchantID, payout.Amount, reference, "payout_reversed"); err != nil {
			return Payout{}, fmt.Errorf("wallet: reverse payout: %w", err)
		}
	}
	return payout, nil
}
