package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Message is one pending outbox row.
type Message struct {
	ID       string
	Topic    string
	Payload  []byte
	Attempts int
}

const maxAttempts = 10

// Relay drains the transactional outbox and publishes each message through
// the Notifier. Rows are claimed with SKIP LOCKED so multiple relays can run.
type Relay struct {
	pool     *pgxpool.Pool
	notifier Notifier
	interval time.Duration
	batch    int
}

func NewRelay(pool *pgxpool.Pool, notifier Notifier, interval time.Duration) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{pool: pool, notifier: notifier, interval: interval, batch: 50}
}

// Run pumps the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := r.DrainOnce(ctx); err != nil {
				log.Printf("notify: outbox drain: %v", err)
			}
		}
	}
}

// DrainOnce publishes one batch of pending messages and returns how many
// went out. Publish failures are retried on later passes; a message that
// keeps failing is parked as failed so it cannot wedge the queue.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin outbox tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.batch)
	if err != nil {
		return 0, fmt.Errorf("notify: select outbox: %w", err)
	}

	msgs := make([]Message, 0, r.batch)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("notify: scan outbox: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("notify: iterate outbox: %w", err)
	}

	published := 0
	for _, m := range msgs {
		if err := r.notifier.Publish(ctx, m.Topic, m.Payload); err != nil {
			log.Printf("notify: publish %s (%s): %v", m.ID, m.Topic, err)
			status := "pending"
			if m.Attempts+1 >= maxAttempts {
				status = "failed"
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, status = $2 WHERE id = $1`, m.ID, status); err != nil {
				return published, fmt.Errorf("notify: mark attempt: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'published', published_at = now() WHERE id = $1`, m.ID); err != nil {
			return published, fmt.Errorf("notify: mark published: %w", err)
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		return published, fmt.Errorf("notify: commit outbox tx: %w", err)
	}
	return published, nil
}
