package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"courierpay/escrow"
)

// ErrForbidden signals the caller is not a party to the escrow transaction.
var ErrForbidden = errors.New("dispute: forbidden")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EscrowCoordinator is the slice of the escrow service the dispute flow
// drives. Filing freezes the escrow; resolving releases or refunds it, all
// inside the dispute's transaction.
type EscrowCoordinator interface {
	OpenDisputeInTx(ctx context.Context, tx pgx.Tx, id, disputeID string, actorID *string) (escrow.Transaction, error)
	ReleaseInTx(ctx context.Context, tx pgx.Tx, id string, trigger escrow.ReleaseTrigger, actorID *string) (escrow.Transaction, error)
	RefundInTx(ctx context.Context, tx pgx.Tx, id string, actorID *string) (escrow.Transaction, error)
}

// DisputeStore is the repository surface the service needs.
type DisputeStore interface {
	Insert(ctx context.Context, tx pgx.Tx, id, escrowID, filedBy string, dtype Type, reason string) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	ListForUser(ctx context.Context, userID string) ([]Record, error)
	MarkInvestigating(ctx context.Context, id string) (Record, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, id string, resolution Resolution) (Record, error)
	MarkClosed(ctx context.Context, id string) (Record, error)
}

type Service struct {
	pool    TxBeginner
	repo    DisputeStore
	escrows EscrowCoordinator
}

func NewService(pool TxBeginner, repo DisputeStore, escrows EscrowCoordinator) *Service {
	return &Service{pool: pool, repo: repo, escrows: escrows}
}

// File opens a dispute against a paid escrow and freezes its release timer.
// Only the customer or merchant on the transaction may file.
func (s *Service) File(ctx context.Context, escrowID, filedBy string, dtype Type, reason string) (Record, error) {
	if escrowID == "" || filedBy == "" {
		return Record{}, fmt.Errorf("dispute: escrow id and filer are required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	disputeID := uuid.NewString()
	escrowRec, err := s.escrows.OpenDisputeInTx(ctx, tx, escrowID, disputeID, &filedBy)
	if err != nil {
		return Record{}, err
	}
	if filedBy != escrowRec.CustomerID && filedBy != escrowRec.MerchantID {
		return Record{}, ErrForbidden
	}

	rec, err := s.repo.Insert(ctx, tx, disputeID, escrowID, filedBy, dtype, reason)
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit tx: %w", err)
	}
	return rec, nil
}

// Get returns one dispute, restricted to its parties unless asAdmin.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.Get(ctx, id)
}

// ListForUser returns disputes the user participates in.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Record, error) {
	return s.repo.ListForUser(ctx, userID)
}

// StartInvestigation moves an open dispute under admin review.
func (s *Service) StartInvestigation(ctx context.Context, id string) (Record, error) {
	return s.repo.MarkInvestigating(ctx, id)
}

// Resolve applies the admin verdict: release pays the merchant, refund
// reverses the charge. The dispute stamp and the escrow transition commit
// together.
func (s *Service) Resolve(ctx context.Context, id string, resolution Resolution, adminID string) (Record, error) {
	if resolution != ResolutionRelease && resolution != ResolutionRefund {
		return Record{}, fmt.Errorf("dispute: unknown resolution %q", resolution)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.MarkResolved(ctx, tx, id, resolution)
	if err != nil {
		return Record{}, err
	}

	switch resolution {
	case ResolutionRelease:
		if _, err := s.escrows.ReleaseInTx(ctx, tx, rec.EscrowID, escrow.TriggerDisputeResolved, &adminID); err != nil {
			return Record{}, err
		}
	case ResolutionRefund:
		if _, err := s.escrows.RefundInTx(ctx, tx, rec.EscrowID, &adminID); err != nil {
			return Record{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit tx: %w", err)
	}
	return rec, nil
}

// Close archives a resolved dispute.
func (s *Service) Close(ctx context.Context, id string) (Record, error) {
	return s.repo.MarkClosed(ctx, id)
}
