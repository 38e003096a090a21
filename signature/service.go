package signature

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"rentsign/audit"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AuditWriter appends an audit event inside the active transaction.
type AuditWriter interface {
	Record(ctx context.Context, tx pgx.Tx, ev audit.Event) error
}

// OutboxWriter enqueues a message for asynchronous delivery inside the
// active transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service owns the signature request lifecycle. It is the sole mutator of
// signature requests and their signers; every transition is persisted with
// its audit event and outbox messages in one transaction.
//
// Expiration is checked lazily at the top of every write operation and on
// GetStatus, never by a background timer. A status query can therefore
// itself persist the EXPIRED transition; staleness is resolved on read.
type Service struct {
	pool      TxBeginner
	repo      Repository
	providers *ProviderRegistry
	audit     AuditWriter
	outbox    OutboxWriter
	idGen     func() string
	now       func() time.Time
}

func NewService(pool TxBeginner, repo Repository, providers *ProviderRegistry, auditWriter AuditWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:      pool,
		repo:      repo,
		providers: providers,
		audit:     auditWriter,
		outbox:    outbox,
		idGen:     func() string { return uuid.NewString() },
		now:       time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type CreateParams struct {
	DocumentID    string
	Provider      string
	Signers       []SignerInput
	ExpiresInDays int
	Metadata      map[string]any
	ActorID       string
}

// Create persists a new request in CREATED with its signer batch. The remote
// provider session is deferred to Send so that creation stays purely local
// and retry-safe.
func (s *Service) Create(ctx context.Context, params CreateParams) (RequestWithSigners, error) {
	if params.DocumentID == "" {
		return RequestWithSigners{}, fmt.Errorf("signature: missing document id")
	}
	if params.ExpiresInDays < 0 {
		return RequestWithSigners{}, fmt.Errorf("signature: negative expiry window")
	}
	if _, err := s.providers.Get(params.Provider); err != nil {
		return RequestWithSigners{}, err
	}
	if err := ValidateSigners(params.Signers); err != nil {
		return RequestWithSigners{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RequestWithSigners{}, fmt.Errorf("signature: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()
	req := Request{
		ID:         s.idGen(),
		DocumentID: params.DocumentID,
		Provider:   params.Provider,
		Status:     StatusCreated,
		ExpiresAt:  now.Add(time.Duration(params.ExpiresInDays) * 24 * time.Hour),
		Metadata:   params.Metadata,
	}

	signers := make([]Signer, 0, len(params.Signers))
	for _, in := range params.Signers {
		signers = append(signers, Signer{
			ID:     s.idGen(),
			UserID: in.UserID,
			Role:   in.Role,
			Email:  in.Email,
			Name:   in.Name,
			Order:  in.Order,
			Status: SignerPending,
		})
	}

	created, createdSigners, err := s.repo.CreateRequest(ctx, tx, req, signers)
	if err != nil {
		return RequestWithSigners{}, err
	}

	if err := s.recordAudit(ctx, tx, audit.Event{
		Action:     audit.ActionCreated,
		EntityType: audit.EntitySignature,
		EntityID:   created.ID,
		ActorID:    actorPtr(params.ActorID),
		Details: map[string]any{
			"document_id":  created.DocumentID,
			"provider":     created.Provider,
			"signer_count": len(createdSigners),
			"expires_at":   created.ExpiresAt.UTC(),
		},
	}); err != nil {
		return RequestWithSigners{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return RequestWithSigners{}, fmt.Errorf("signature: commit create: %w", err)
	}

	return RequestWithSigners{Request: created, Signers: createdSigners}, nil
}

// Send creates the remote provider session and transitions CREATED -> SENT.
// A request already SENT with a session id is treated as success so a crash
// between the provider call and the commit stays safe to retry without
// creating a duplicate remote session. Any other status is rejected rather
// than silently ignored.
func (s *Service) Send(ctx context.Context, requestID, actorID string) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("signature: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetRequestForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}

	if expired, ferr := s.failIfExpired(ctx, tx, &req); expired || ferr != nil {
		return Request{}, ferr
	}

	if req.Status == StatusSent && req.SessionID != nil {
		return req, tx.Commit(ctx)
	}
	if req.Status != StatusCreated {
		return Request{}, fmt.Errorf("%w: cannot send from %s", ErrInvalidTransition, req.Status)
	}

	signers, err := s.repo.ListSigners(ctx, tx, req.ID)
	if err != nil {
		return Request{}, err
	}

	provider, err := s.providers.Get(req.Provider)
	if err != nil {
		return Request{}, err
	}

	// Provider errors propagate with local state untouched; the caller may
	// retry Send after an Unavailable failure.
	session, err := provider.CreateSession(ctx, req.DocumentID, signers)
	if err != nil {
		return Request{}, err
	}

	sent, err := s.repo.UpdateRequestStatus(ctx, tx, req.ID, StatusCreated, StatusSent, RequestUpdate{
		SessionID:   &session.SessionID,
		DocumentURL: &session.DocumentURL,
	})
	if err != nil {
		return Request{}, err
	}

	emails := make([]string, 0, len(signers))
	for _, signer := range signers {
		emails = append(emails, signer.Email)
	}

	if err := s.recordAudit(ctx, tx, audit.Event{
		Action:     audit.ActionSent,
		EntityType: audit.EntitySignature,
		EntityID:   sent.ID,
		ActorID:    actorPtr(actorID),
		Details: map[string]any{
			"provider":   sent.Provider,
			"session_id": session.SessionID,
			"sent_to":    emails,
		},
	}); err != nil {
		return Request{}, err
	}

	if err := s.enqueue(ctx, tx, TopicSignatureSent, map[string]any{
		"request_id":  sent.ID,
		"document_id": sent.DocumentID,
		"sent_to":     emails,
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("signature: commit send: %w", err)
	}

	return sent, nil
}

type RecordSignatureParams struct {
	RequestID string
	SignerID  string
	ActorID   string
	Evidence  map[string]any
}

// RecordSignature marks one signer as SIGNED, enforcing strict sequential
// order. The first signature moves the request to IN_PROGRESS; the last one
// completes it. The completion check runs on a fresh signer read after the
// signer update, inside the same transaction, so a concurrent "last signer"
// can never be lost.
func (s *Service) RecordSignature(ctx context.Context, params RecordSignatureParams) (RequestWithSigners, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RequestWithSigners{}, fmt.Errorf("signature: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetRequestForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return RequestWithSigners{}, err
	}

	if expired, ferr := s.failIfExpired(ctx, tx, &req); expired || ferr != nil {
		return RequestWithSigners{}, ferr
	}
	if req.Status != StatusSent && req.Status != StatusInProgress {
		return RequestWithSigners{}, fmt.Errorf("%w: cannot sign while request is %s", ErrInvalidTransition, req.Status)
	}

	signers, err := s.repo.ListSigners(ctx, tx, req.ID)
	if err != nil {
		return RequestWithSigners{}, err
	}
	if err := CanSign(signers, params.SignerID); err != nil {
		return RequestWithSigners{}, err
	}

	now := s.now()
	signed, err := s.repo.UpdateSignerStatus(ctx, tx, params.SignerID, SignerPending, SignerSigned, SignerUpdate{
		SignedAt: &now,
		Evidence: params.Evidence,
	})
	if err != nil {
		return RequestWithSigners{}, err
	}

	if req.Status == StatusSent {
		req, err = s.repo.UpdateRequestStatus(ctx, tx, req.ID, StatusSent, StatusInProgress, RequestUpdate{})
		if err != nil {
			return RequestWithSigners{}, err
		}
	}

	if err := s.recordAudit(ctx, tx, audit.Event{
		Action:     audit.ActionSigned,
		EntityType: audit.EntitySignature,
		EntityID:   req.ID,
		ActorID:    actorPtr(params.ActorID),
		Details: map[string]any{
			"signer_id":  signed.ID,
			"sign_order": signed.Order,
			"role":       signed.Role,
		},
	}); err != nil {
		return RequestWithSigners{}, err
	}

	// Fresh read after the signer update commits its row change to the tx
	// snapshot; never computed from the pre-update slice.
	fresh, err := s.repo.ListSigners(ctx, tx, req.ID)
	if err != nil {
		return RequestWithSigners{}, err
	}

	if AllSigned(fresh) {
		completedAt := s.now()
		req, err = s.repo.UpdateRequestStatus(ctx, tx, req.ID, StatusInProgress, StatusCompleted, RequestUpdate{
			CompletedAt: &completedAt,
		})
		if err != nil {
			return RequestWithSigners{}, err
		}

		if err := s.recordAudit(ctx, tx, audit.Event{
			Action:     audit.ActionCompleted,
			EntityType: audit.EntitySignature,
			EntityID:   req.ID,
			ActorID:    actorPtr(params.ActorID),
			Details: map[string]any{
				"document_id":  req.DocumentID,
				"completed_at": completedAt.UTC(),
			},
		}); err != nil {
			return RequestWithSigners{}, err
		}

		// Contract activation goes through the outbox: the COMPLETED
		// transition commits here, delivery retries belong to the worker,
		// and an activation failure can never un-complete the request.
		if err := s.enqueue(ctx, tx, TopicContractActivate, map[string]any{
			"request_id":  req.ID,
			"document_id": req.DocumentID,
		}); err != nil {
			return RequestWithSigners{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return RequestWithSigners{}, fmt.Errorf("signature: commit signature: %w", err)
	}

	return RequestWithSigners{Request: req, Signers: fresh}, nil
}

type RecordRejectionParams struct {
	RequestID string
	SignerID  string
	ActorID   string
	Reason    string
}

// RecordRejection marks one pending signer as REJECTED and voids the whole
// request. Order is deliberately not enforced: any pending signer may reject
// at any time, since rejection should not require waiting for a turn.
func (s *Service) RecordRejection(ctx context.Context, params RecordRejectionParams) (RequestWithSigners, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RequestWithSigners{}, fmt.Errorf("signature: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetRequestForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return RequestWithSigners{}, err
	}

	if expired, ferr := s.failIfExpired(ctx, tx, &req); expired || ferr != nil {
		return RequestWithSigners{}, ferr
	}
	if req.Status != StatusSent && req.Status != StatusInProgress {
		return RequestWithSigners{}, fmt.Errorf("%w: cannot reject while request is %s", ErrInvalidTransition, req.Status)
	}

	signers, err := s.repo.ListSigners(ctx, tx, req.ID)
	if err != nil {
		return RequestWithSigners{}, err
	}
	var target *Signer
	for i := range signers {
		if signers[i].ID == params.SignerID {
			target = &signers[i]
			break
		}
	}
	if target == nil {
		return RequestWithSigners{}, fmt.Errorf("%w: %s", ErrSignerNotFound, params.SignerID)
	}
	switch target.Status {
	case SignerSigned:
		return RequestWithSigners{}, fmt.Errorf("%w: %s", ErrAlreadySigned, target.ID)
	case SignerRejected:
		return RequestWithSigners{}, fmt.Errorf("%w: %s", ErrAlreadyRejected, target.ID)
	}

	now := s.now()
	reason := params.Reason
	rejected, err := s.repo.UpdateSignerStatus(ctx, tx, target.ID, SignerPending, SignerRejected, SignerUpdate{
		RejectedAt:      &now,
		RejectionReason: &reason,
	})
	if err != nil {
		return RequestWithSigners{}, err
	}

	req, err = s.repo.UpdateRequestStatus(ctx, tx, req.ID, req.Status, StatusRejected, RequestUpdate{
		RejectedAt: &now,
	})
	if err != nil {
		return RequestWithSigners{}, err
	}

	if err := s.recordAudit(ctx, tx, audit.Event{
		Action:     audit.ActionRejected,
		EntityType: audit.EntitySignature,
		EntityID:   req.ID,
		ActorID:    actorPtr(params.ActorID),
		Details: map[string]any{
			"signer_id": rejected.ID,
			"reason":    params.Reason,
		},
	}); err != nil {
		return RequestWithSigners{}, err
	}

	if err := s.enqueue(ctx, tx, TopicSignatureRejected, map[string]any{
		"request_id":  req.ID,
		"document_id": req.DocumentID,
		"signer_id":   rejected.ID,
		"reason":      params.Reason,
	}); err != nil {
		return RequestWithSigners{}, err
	}

	fresh, err := s.repo.ListSigners(ctx, tx, req.ID)
	if err != nil {
		return RequestWithSigners{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return RequestWithSigners{}, fmt.Errorf("signature: commit rejection: %w", err)
	}

	return RequestWithSigners{Request: req, Signers: fresh}, nil
}

// CheckExpiration transitions a stale non-terminal request to EXPIRED.
// Calling it on an already-terminal request is a no-op.
func (s *Service) CheckExpiration(ctx context.Context, requestID string) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("signature: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetRequestForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}

	if req.Status.Terminal() || !s.now().After(req.ExpiresAt) {
		return req, tx.Commit(ctx)
	}

	expired, err := s.expireLocked(ctx, tx, req)
	if err != nil {
		return Request{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("signature: commit expiration: %w", err)
	}
	return expired, nil
}

// GetStatus returns the request with its signers. The same lazy expiration
// check runs first, so a status query on a stale request persists the
// EXPIRED transition and returns the expired snapshot.
func (s *Service) GetStatus(ctx context.Context, requestID string) (RequestWithSigners, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RequestWithSigners{}, fmt.Errorf("signature: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetRequestForUpdate(ctx, tx, requestID)
	if err != nil {
		return RequestWithSigners{}, err
	}

	if !req.Status.Terminal() && s.now().After(req.ExpiresAt) {
		req, err = s.expireLocked(ctx, tx, req)
		if err != nil {
			return RequestWithSigners{}, err
		}
	}

	signers, err := s.repo.ListSigners(ctx, tx, req.ID)
	if err != nil {
		return RequestWithSigners{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return RequestWithSigners{}, fmt.Errorf("signature: commit status read: %w", err)
	}

	return RequestWithSigners{Request: req, Signers: signers}, nil
}

// Cancel aborts a request that nobody has signed yet. Once a signature
// exists, cancellation must go through rejection semantics to preserve the
// audit trail of partial progress.
func (s *Service) Cancel(ctx context.Context, requestID, actorID string) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("signature: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetRequestForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}

	if expired, ferr := s.failIfExpired(ctx, tx, &req); expired || ferr != nil {
		return Request{}, ferr
	}
	if req.Status != StatusCreated && req.Status != StatusSent {
		return Request{}, fmt.Errorf("%w: cannot cancel from %s", ErrInvalidTransition, req.Status)
	}

	if req.SessionID != nil && *req.SessionID != "" {
		if provider, perr := s.providers.Get(req.Provider); perr == nil {
			if cerr := provider.CancelSession(ctx, *req.SessionID); cerr != nil {
				// Best-effort: the local cancellation stands either way.
				log.Printf("signature: cancel remote session %s: %v", *req.SessionID, cerr)
			}
		}
	}

	cancelled, err := s.repo.UpdateRequestStatus(ctx, tx, req.ID, req.Status, StatusCancelled, RequestUpdate{})
	if err != nil {
		return Request{}, err
	}

	if err := s.recordAudit(ctx, tx, audit.Event{
		Action:     audit.ActionCancelled,
		EntityType: audit.EntitySignature,
		EntityID:   cancelled.ID,
		ActorID:    actorPtr(actorID),
		Details: map[string]any{
			"document_id": cancelled.DocumentID,
		},
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("signature: commit cancel: %w", err)
	}

	return cancelled, nil
}

// failIfExpired applies the lazy expiration check at the top of a write
// operation. When the request is stale it persists EXPIRED, commits, and
// reports expired=true with ErrExpired; the caller returns immediately.
func (s *Service) failIfExpired(ctx context.Context, tx pgx.Tx, req *Request) (bool, error) {
	if req.Status == StatusExpired {
		return true, fmt.Errorf("%w: %s", ErrExpired, req.ID)
	}
	if req.Status.Terminal() || !s.now().After(req.ExpiresAt) {
		return false, nil
	}

	if _, err := s.expireLocked(ctx, tx, *req); err != nil {
		return true, err
	}
	if err := tx.Commit(ctx); err != nil {
		return true, fmt.Errorf("signature: commit lazy expiration: %w", err)
	}
	return true, fmt.Errorf("%w: %s", ErrExpired, req.ID)
}

// expireLocked performs the EXPIRED transition on a row-locked request and
// notifies all still-pending signers. It never reaches out to the provider:
// lazy expiration fires on read paths, which must stay free of outbound
// calls; vendors enforce their own session expiry.
func (s *Service) expireLocked(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	now := s.now()
	expired, err := s.repo.UpdateRequestStatus(ctx, tx, req.ID, req.Status, StatusExpired, RequestUpdate{
		ExpiredAt: &now,
	})
	if err != nil {
		return Request{}, err
	}

	signers, err := s.repo.ListSigners(ctx, tx, req.ID)
	if err != nil {
		return Request{}, err
	}
	pending := make([]string, 0, len(signers))
	for _, signer := range signers {
		if signer.Status == SignerPending {
			pending = append(pending, signer.Email)
		}
	}

	if err := s.recordAudit(ctx, tx, audit.Event{
		Action:     audit.ActionExpired,
		EntityType: audit.EntitySignature,
		EntityID:   expired.ID,
		Details: map[string]any{
			"document_id": expired.DocumentID,
			"expired_at":  now.UTC(),
		},
	}); err != nil {
		return Request{}, err
	}

	if err := s.enqueue(ctx, tx, TopicSignatureExpired, map[string]any{
		"request_id":  expired.ID,
		"document_id": expired.DocumentID,
		"pending":     pending,
	}); err != nil {
		return Request{}, err
	}

	log.Printf("signature: warning: request %s expired at %s with %d pending signers", expired.ID, req.ExpiresAt.UTC().Format(time.RFC3339), len(pending))

	return expired, nil
}

func (s *Service) recordAudit(ctx context.Context, tx pgx.Tx, ev audit.Event) error {
	if s.audit == nil {
		return nil
	}
	if err := s.audit.Record(ctx, tx, ev); err != nil {
		return fmt.Errorf("signature: record audit: %w", err)
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if s.outbox == nil {
		return nil
	}
	if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
		return fmt.Errorf("signature: enqueue %s: %w", topic, err)
	}
	return nil
}

// FindActiveByDocument surfaces the one active request for a document, if any.
func (s *Service) FindActiveByDocument(ctx context.Context, documentID string) (*Request, error) {
	return s.repo.FindActiveByDocument(ctx, documentID)
}

func actorPtr(actorID string) *string {
	if actorID == "" {
		return nil
	}
	return &actorID
}
