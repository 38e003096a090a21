package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultBatchSize    = 20
	maxAttempts         = 5
)

// Sender delivers a single outbox message. Implementations must be safe for
// concurrent use; re-delivery of the same message is possible, so consumers
// are expected to be idempotent.
type Sender interface {
	Send(ctx context.Context, topic string, payload []byte) error
}

// LogSender is the default delivery backend: it only logs. Real email/SMS
// transport lives outside this repository.
type LogSender struct{}

func (LogSender) Send(_ context.Context, topic string, payload []byte) error {
	log.Printf("notify: deliver %s %s", topic, payload)
	return nil
}

// Worker drains the outbox: it claims a batch of pending rows with
// FOR UPDATE SKIP LOCKED, dispatches them concurrently, and records the
// outcome. Rows that keep failing park in the error status for operators.
type Worker struct {
	pool     *pgxpool.Pool
	sender   Sender
	interval time.Duration
	batch    int
}

func NewWorker(pool *pgxpool.Pool, sender Sender) *Worker {
	if sender == nil {
		sender = LogSender{}
	}
	return &Worker{
		pool:     pool,
		sender:   sender,
		interval: defaultPollInterval,
		batch:    defaultBatchSize,
	}
}

func (w *Worker) WithInterval(d time.Duration) *Worker {
	w.interval = d
	return w
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.DrainOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				log.Printf("notify: drain outbox: %v", err)
			}
		}
	}
}

// DrainOnce claims and dispatches one batch. Exported so tests and the flow
// suite can pump the outbox without the ticker.
func (w *Worker) DrainOnce(ctx context.Context) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("notify: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
SELECT id, topic, payload, status, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at ASC
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, claimSQL, w.batch)
	if err != nil {
		return fmt.Errorf("notify: claim outbox batch: %w", err)
	}

	batch := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return fmt.Errorf("notify: scan outbox row: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("notify: iterate outbox rows: %w", err)
	}
	if len(batch) == 0 {
		return tx.Commit(ctx)
	}

	results := make([]error, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range batch {
		i, m := i, m
		g.Go(func() error {
			results[i] = w.sender.Send(gctx, m.Topic, m.Payload)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, m := range batch {
		attempts := m.Attempts + 1
		status := StatusSent
		if results[i] != nil {
			status = StatusPending
			if attempts >= maxAttempts {
				status = StatusError
			}
			log.Printf("notify: deliver %s (attempt %d): %v", m.Topic, attempts, results[i])
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = $2, attempts = $3 WHERE id = $1`, m.ID, status, attempts); err != nil {
			return fmt.Errorf("notify: record outcome for %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("notify: commit outbox batch: %w", err)
	}
	return nil
}
