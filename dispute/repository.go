package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("dispute: not found")
	ErrBadStatus = errors.New("dispute: invalid status transition")
)

const recordColumns = `id, escrow_id, filed_by, type::text, reason, status::text, resolution, created_at, updated_at, resolved_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert creates an open dispute inside the caller's transaction so it can
// commit together with the escrow freeze.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, id, escrowID, filedBy string, dtype Type, reason string) (Record, error) {
	const query = `
		INSERT INTO disputes (id, escrow_id, filed_by, type, reason, status)
		VALUES ($1, $2, $3, $4::dispute_type, $5, 'open')
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query, id, escrowID, filedBy, string(dtype), reason))
	if err != nil {
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return rec, nil
}

// Get fetches one dispute by id.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	const query = `SELECT ` + recordColumns + ` FROM disputes WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

// ListForUser returns disputes the user filed or is a party to.
func (r *Repository) ListForUser(ctx context.Context, userID string) ([]Record, error) {
	const query = `
		SELECT ` + recordColumns + `
		FROM disputes d
		WHERE d.filed_by = $1
		   OR EXISTS (
		        SELECT 1 FROM escrow_transactions e
		        WHERE e.id = d.escrow_id AND (e.customer_id = $1 OR e.merchant_id = $1)
		   )
		ORDER BY d.created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// MarkInvestigating moves an open dispute to investigating.
func (r *Repository) MarkInvestigating(ctx context.Context, id string) (Record, error) {
	const query = `
		UPDATE disputes
		SET status = 'investigating', updated_at = now()
		WHERE id = $1 AND status = 'open'
		RETURNING ` + recordColumns

	return r.guardedUpdate(ctx, nil, query, id)
}

// MarkResolved stamps the verdict on an open or investigating dispute.
func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, id string, resolution Resolution) (Record, error) {
	const query = `
		UPDATE disputes
		SET status = 'resolved',
		    resolution = $2::dispute_resolution,
		    resolved_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status IN ('open', 'investigating')
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query, id, string(resolution)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrBadStatus
		}
		return Record{}, fmt.Errorf("dispute: resolve: %w", err)
	}
	return rec, nil
}

// MarkClosed archives a resolved dispute.
func (r *Repository) MarkClosed(ctx context.Context, id string) (Record, error) {
	const query = `
		UPDATE disputes
		SET status = 'closed', updated_at = now()
		WHERE id = $1 AND status = 'resolved'
		RETURNING ` + recordColumns

	return r.guardedUpdate(ctx, nil, query, id)
}

func (r *Repository) guardedUpdate(ctx context.Context, tx pgx.Tx, query, id string) (Record, error) {
	var row pgx.Row
	if tx != nil {
		row = tx.QueryRow(ctx, query, id)
	} else {
		row = r.pool.QueryRow(ctx, query, id)
	}

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrBadStatus
		}
		return Record{}, fmt.Errorf("dispute: update: %w", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec        Record
		dtype      string
		status     string
		resolution *string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.EscrowID,
		&rec.FiledBy,
		&dtype,
		&rec.Reason,
		&status,
		&resolution,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ResolvedAt,
	); err != nil {
		return Record{}, err
	}
	rec.Type = Type(dtype)
	rec.Status = Status(status)
	if resolution != nil {
		res := Resolution(*resolution)
		rec.Resolution = &res
	}
	return rec, nil
}
