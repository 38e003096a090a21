package signature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SignerUpdate carries the resolution fields written alongside a signer
// status change. Nil fields keep the stored value.
type SignerUpdate struct {
	SignedAt        *time.Time
	Evidence        map[string]any
	RejectedAt      *time.Time
	RejectionReason *string
}

// RequestUpdate carries the fields written alongside a request status
// change. Nil fields keep the stored value.
type RequestUpdate struct {
	SessionID   *string
	DocumentURL *string
	CompletedAt *time.Time
	RejectedAt  *time.Time
	ExpiredAt   *time.Time
}

// Repository defines the persistence contract the state machine depends on.
// Status updates are compare-and-swap: the caller passes the status it
// observed, and the update fails with ErrConcurrentModification when the row
// has moved on, guarding against lost updates under concurrent requests.
type Repository interface {
	CreateRequest(ctx context.Context, tx pgx.Tx, req Request, signers []Signer) (Request, []Signer, error)
	FindActiveByDocument(ctx context.Context, documentID string) (*Request, error)
	GetRequestForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	ListSigners(ctx context.Context, tx pgx.Tx, requestID string) ([]Signer, error)
	UpdateSignerStatus(ctx context.Context, tx pgx.Tx, signerID string, expected, next SignerStatus, update SignerUpdate) (Signer, error)
	UpdateRequestStatus(ctx context.Context, tx pgx.Tx, requestID string, expected, next Status, update RequestUpdate) (Request, error)
}

const activeRequestIndex = "signature_requests_active_document_idx"

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const requestColumns = `id, document_id, provider, status, session_id, document_url, expires_at, metadata,
       created_at, updated_at, completed_at, rejected_at, expired_at`

const signerColumns = `id, request_id, user_id, role, email, name, sign_order, status,
       signed_at, evidence, rejected_at, rejection_reason, created_at`

// CreateRequest inserts the request and its signer batch atomically inside
// the caller's transaction. The partial unique index on document_id rejects
// a second non-terminal request for the same document.
func (r *PGRepository) CreateRequest(ctx context.Context, tx pgx.Tx, req Request, signers []Signer) (Request, []Signer, error) {
	metadata, err := json.Marshal(orEmptyMap(req.Metadata))
	if err != nil {
		return Request{}, nil, fmt.Errorf("signature: marshal metadata: %w", err)
	}

	insertRequestSQL := fmt.Sprintf(`
INSERT INTO signature_requests (id, document_id, provider, status, expires_at, metadata)
VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6::jsonb)
RETURNING %s`, requestColumns)

	created, err := scanRequest(tx.QueryRow(ctx, insertRequestSQL,
		req.ID,
		req.DocumentID,
		req.Provider,
		req.Status,
		req.ExpiresAt,
		metadata,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeRequestIndex {
			return Request{}, nil, fmt.Errorf("%w: document %s", ErrDuplicateActiveRequest, req.DocumentID)
		}
		return Request{}, nil, fmt.Errorf("signature: insert request: %w", err)
	}

	insertSignerSQL := fmt.Sprintf(`
INSERT INTO signature_signers (id, request_id, user_id, role, email, name, sign_order, status)
VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8)
RETURNING %s`, signerColumns)

	out := make([]Signer, 0, len(signers))
	for _, s := range signers {
		row := tx.QueryRow(ctx, insertSignerSQL,
			s.ID,
			created.ID,
			s.UserID,
			s.Role,
			s.Email,
			s.Name,
			s.Order,
			s.Status,
		)
		inserted, err := scanSigner(row)
		if err != nil {
			return Request{}, nil, fmt.Errorf("signature: insert signer order %d: %w", s.Order, err)
		}
		out = append(out, inserted)
	}

	return created, out, nil
}

// FindActiveByDocument returns the single non-terminal request for the
// document, or nil when none exists.
func (r *PGRepository) FindActiveByDocument(ctx context.Context, documentID string) (*Request, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM signature_requests
WHERE document_id = $1
  AND status IN ('created', 'sent', 'in_progress')
LIMIT 1`, requestColumns)

	req, err := scanRequest(r.pool.QueryRow(ctx, query, documentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("signature: find active by document: %w", err)
	}
	return &req, nil
}

// GetRequestForUpdate loads and row-locks the request, serialising the
// concurrent writers of one request for the duration of the transaction.
func (r *PGRepository) GetRequestForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM signature_requests
WHERE id = $1
FOR UPDATE`, requestColumns)

	req, err := scanRequest(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
		}
		return Request{}, fmt.Errorf("signature: get request for update: %w", err)
	}
	return req, nil
}

func (r *PGRepository) ListSigners(ctx context.Context, tx pgx.Tx, requestID string) ([]Signer, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM signature_signers
WHERE request_id = $1
ORDER BY sign_order ASC`, signerColumns)

	rows, err := tx.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("signature: list signers: %w", err)
	}
	defer rows.Close()

	signers := []Signer{}
	for rows.Next() {
		s, err := scanSigner(rows)
		if err != nil {
			return nil, fmt.Errorf("signature: scan signer: %w", err)
		}
		signers = append(signers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signature: iterate signers: %w", err)
	}
	return signers, nil
}

// UpdateSignerStatus performs the compare-and-swap on one signer row.
func (r *PGRepository) UpdateSignerStatus(ctx context.Context, tx pgx.Tx, signerID string, expected, next SignerStatus, update SignerUpdate) (Signer, error) {
	var evidence any
	if update.Evidence != nil {
		body, err := json.Marshal(update.Evidence)
		if err != nil {
			return Signer{}, fmt.Errorf("signature: marshal evidence: %w", err)
		}
		evidence = body
	}

	query := fmt.Sprintf(`
UPDATE signature_signers
SET status = $3,
    signed_at = COALESCE($4, signed_at),
    evidence = COALESCE($5::jsonb, evidence),
    rejected_at = COALESCE($6, rejected_at),
    rejection_reason = COALESCE($7, rejection_reason)
WHERE id = $1 AND status = $2
RETURNING %s`, signerColumns)

	signer, err := scanSigner(tx.QueryRow(ctx, query,
		signerID,
		expected,
		next,
		update.SignedAt,
		evidence,
		update.RejectedAt,
		update.RejectionReason,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Signer{}, r.classifySignerMiss(ctx, tx, signerID, expected)
		}
		return Signer{}, fmt.Errorf("signature: update signer status: %w", err)
	}
	return signer, nil
}

// classifySignerMiss distinguishes a missing row from a row whose status
// moved under us.
func (r *PGRepository) classifySignerMiss(ctx context.Context, tx pgx.Tx, signerID string, expected SignerStatus) error {
	var current SignerStatus
	err := tx.QueryRow(ctx, `SELECT status FROM signature_signers WHERE id = $1`, signerID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrSignerNotFound, signerID)
		}
		return fmt.Errorf("signature: classify signer update miss: %w", err)
	}
	return fmt.Errorf("%w: signer %s is %s, expected %s", ErrConcurrentModification, signerID, current, expected)
}

// UpdateRequestStatus performs the compare-and-swap on the request row.
func (r *PGRepository) UpdateRequestStatus(ctx context.Context, tx pgx.Tx, requestID string, expected, next Status, update RequestUpdate) (Request, error) {
	query := fmt.Sprintf(`
UPDATE signature_requests
SET status = $3,
    session_id = COALESCE($4, session_id),
    document_url = COALESCE($5, document_url),
    completed_at = COALESCE($6, completed_at),
    rejected_at = COALESCE($7, rejected_at),
    expired_at = COALESCE($8, expired_at),
    updated_at = get_tx_timestamp()
WHERE id = $1 AND status = $2
RETURNING %s`, requestColumns)

	req, err := scanRequest(tx.QueryRow(ctx, query,
		requestID,
		expected,
		next,
		update.SessionID,
		update.DocumentURL,
		update.CompletedAt,
		update.RejectedAt,
		update.ExpiredAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, r.classifyRequestMiss(ctx, tx, requestID, expected)
		}
		return Request{}, fmt.Errorf("signature: update request status: %w", err)
	}
	return req, nil
}

func (r *PGRepository) classifyRequestMiss(ctx context.Context, tx pgx.Tx, requestID string, expected Status) error {
	var current Status
	err := tx.QueryRow(ctx, `SELECT status FROM signature_requests WHERE id = $1`, requestID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
		}
		return fmt.Errorf("signature: classify request update miss: %w", err)
	}
	return fmt.Errorf("%w: request %s is %s, expected %s", ErrConcurrentModification, requestID, current, expected)
}

func scanRequest(row pgx.Row) (Request, error) {
	var (
		req      Request
		metadata []byte
	)
	err := row.Scan(
		&req.ID,
		&req.DocumentID,
		&req.Provider,
		&req.Status,
		&req.SessionID,
		&req.DocumentURL,
		&req.ExpiresAt,
		&metadata,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.CompletedAt,
		&req.RejectedAt,
		&req.ExpiredAt,
	)
	if err != nil {
		return Request{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &req.Metadata); err != nil {
			return Request{}, fmt.Errorf("signature: unmarshal metadata: %w", err)
		}
	}
	return req, nil
}

func scanSigner(row pgx.Row) (Signer, error) {
	var (
		s        Signer
		evidence []byte
	)
	err := row.Scan(
		&s.ID,
		&s.RequestID,
		&s.UserID,
		&s.Role,
		&s.Email,
		&s.Name,
		&s.Order,
		&s.Status,
		&s.SignedAt,
		&evidence,
		&s.RejectedAt,
		&s.RejectionReason,
		&s.CreatedAt,
	)
	if err != nil {
		return Signer{}, err
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &s.Evidence); err != nil {
			return Signer{}, fmt.Errorf("signature: unmarshal evidence: %w", err)
		}
	}
	return s, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
