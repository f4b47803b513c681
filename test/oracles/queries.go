package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run against a live database while the
// actors hammer it. Each query returns rows only when the invariant is broken.
func All() []Oracle {
	return []Oracle{
		{
			// A released escrow credits the merchant exactly once.
			Name: "O1_single_credit_per_release",
			SQL: `SELECT t.id, COUNT(e.id) AS credits
                  FROM escrow_transactions t
                  LEFT JOIN wallet_entries e
                    ON e.reference = t.payment_reference AND e.reason = 'escrow_release'
                  WHERE t.status = 'released'
                  GROUP BY t.id HAVING COUNT(e.id) <> 1`,
		},
		{
			// No release credit may exist for an escrow that is not released.
			Name: "O2_no_credit_without_release",
			SQL: `SELECT e.id, e.reference FROM wallet_entries e
                  WHERE e.reason = 'escrow_release'
                    AND NOT EXISTS (
                      SELECT 1 FROM escrow_transactions t
                      WHERE t.payment_reference = e.reference AND t.status = 'released')`,
		},
		{
			Name: "O3_balance_matches_ledger",
			SQL: `SELECT w.id, w.balance, COALESCE(SUM(e.amount), 0) AS ledger
                  FROM wallets w
                  LEFT JOIN wallet_entries e ON e.wallet_id = w.id
                  GROUP BY w.id, w.balance
                  HAVING w.balance <> COALESCE(SUM(e.amount), 0)`,
		},
		{
			Name: "O4_no_negative_balance",
			SQL:  `SELECT id, balance FROM wallets WHERE balance < 0`,
		},
		{
			// The audit log may only contain edges the state machine allows.
			Name: "O5_history_edges_legal",
			SQL: `SELECT id, from_status, to_status FROM escrow_status_history
                  WHERE NOT (
                    (from_status IS NULL AND to_status = 'pending')
                    OR (from_status = 'pending' AND to_status IN ('paid', 'failed'))
                    OR (from_status = 'paid' AND to_status IN ('released', 'disputed', 'failed'))
                    OR (from_status = 'disputed' AND to_status IN ('released', 'failed')))`,
		},
		{
			Name: "O6_paid_has_release_due",
			SQL:  `SELECT id FROM escrow_transactions WHERE status = 'paid' AND release_due_at IS NULL`,
		},
		{
			// released and failed are terminal; nothing ever moves out of them.
			Name: "O7_terminal_immutable",
			SQL:  `SELECT id, from_status, to_status FROM escrow_status_history WHERE from_status IN ('released', 'failed')`,
		},
		{
			Name: "O8_outbox_not_stuck",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			// A resolved dispute's verdict must match its escrow's final state.
			Name: "O9_dispute_verdict_applied",
			SQL: `SELECT d.id, d.resolution, t.status FROM disputes d
                  JOIN escrow_transactions t ON t.id = d.escrow_id
                  WHERE d.status IN ('resolved', 'closed')
                    AND ((d.resolution = 'refund' AND t.status <> 'failed')
                      OR (d.resolution = 'release' AND t.status <> 'released'))`,
		},
		{
			// Released amount minus fee: every release credit must be below the
			// escrow amount but above zero.
			Name: "O10_release_credit_bounded",
			SQL: `SELECT e.id, e.amount, t.amount FROM wallet_entries e
                  JOIN escrow_transactions t ON t.payment_reference = e.reference
                  WHERE e.reason = 'escrow_release'
                    AND (e.amount <= 0 OR e.amount > t.amount)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
