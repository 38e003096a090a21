package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"rentsign/audit"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ActivationRepository defines the data access required by the service.
type ActivationRepository interface {
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
	MarkActive(ctx context.Context, tx pgx.Tx, contractID string) (time.Time, error)
}

type Service struct {
	pool  TxBeginner
	repo  ActivationRepository
	audit *audit.Writer
}

func NewService(pool TxBeginner, repo ActivationRepository, auditWriter *audit.Writer) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:  pool,
		repo:  repo,
		audit: auditWriter,
	}
}

// HandleActivation applies the contract activation for a completed signature
// request. It must stay safely re-callable: the idempotency key absorbs
// outbox re-delivery, and the signed_at COALESCE keeps the first timestamp.
func (s *Service) HandleActivation(ctx context.Context, req ActivationRequest) error {
	if req.IdempotencyKey == "" {
		return fmt.Errorf("contract: missing idempotency key")
	}
	if req.DocumentID == "" {
		return fmt.Errorf("contract: missing document id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("contract: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.InsertIdempotencyKey(ctx, tx, req.IdempotencyKey); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil
		}
		return err
	}

	signedAt, err := s.repo.MarkActive(ctx, tx, req.DocumentID)
	if err != nil {
		return err
	}

	if s.audit != nil {
		if err := s.audit.Record(ctx, tx, audit.Event{
			Action:     audit.ActionCompleted,
			EntityType: audit.EntityContract,
			EntityID:   req.DocumentID,
			ActorID:    req.ActorID,
			Details: map[string]any{
				"signed_at": signedAt.UTC(),
			},
		}); err != nil {
			return fmt.Errorf("contract: record activation audit: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("contract: commit activation: %w", err)
	}

	return nil
}
