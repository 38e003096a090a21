package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicateIdempotencyKey signals the activation was already applied.
	ErrDuplicateIdempotencyKey = errors.New("contract: duplicate idempotency key")
	// ErrContractNotFound is returned when no contract row exists for the id.
	ErrContractNotFound = errors.New("contract: not found")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// InsertIdempotencyKey reserves the key inside the active transaction; the
// unique constraint turns a replay into ErrDuplicateIdempotencyKey.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("contract: empty idempotency key")
	}

	_, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("contract: insert idempotency key: %w", err)
	}

	return nil
}

// MarkActive flips the contract to active and stamps signed_at once.
// COALESCE keeps the first signed_at on re-delivery.
func (r *Repository) MarkActive(ctx context.Context, tx pgx.Tx, contractID string) (time.Time, error) {
	const updateSQL = `
UPDATE contracts
SET status = 'active',
    signed_at = COALESCE(signed_at, get_tx_timestamp()),
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING signed_at
`

	var signedAt time.Time
	if err := tx.QueryRow(ctx, updateSQL, contractID).Scan(&signedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrContractNotFound
		}
		return time.Time{}, fmt.Errorf("contract: mark active: %w", err)
	}

	return signedAt, nil
}
