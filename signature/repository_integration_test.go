package signature

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestRepository_Integration connects to a real PostgreSQL via DATABASE_URL
// and verifies the persistence behavior the state machine relies on: the
// one-active-request-per-document index and the compare-and-swap updates.
func TestRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "signature_requests") || !tableExists(ctx, t, pool, "signature_signers") {
		t.Skip("database schema missing; apply migrations/ first")
	}

	repo := NewRepository(pool)
	documentID := fmt.Sprintf("itest-doc-%d", time.Now().UnixNano())

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM signature_requests WHERE document_id = $1`, documentID)
	})

	req := Request{
		DocumentID: documentID,
		Provider:   "TrustFactory",
		Status:     StatusCreated,
		ExpiresAt:  time.Now().Add(30 * 24 * time.Hour),
		Metadata:   map[string]any{"source": "go-test"},
	}
	signers := []Signer{
		{UserID: "u1", Role: RoleTenant, Email: "tenant@example.com", Name: "Tenant", Order: 1, Status: SignerPending},
		{UserID: "u2", Role: RoleOwner, Email: "owner@example.com", Name: "Owner", Order: 2, Status: SignerPending},
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	created, createdSigners, err := repo.CreateRequest(ctx, tx, req, signers)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit create: %v", err)
	}

	if created.ID == "" || len(createdSigners) != 2 {
		t.Fatalf("unexpected create result: %+v / %d signers", created, len(createdSigners))
	}
	if created.Metadata["source"] != "go-test" {
		t.Fatalf("expected metadata round trip, got %+v", created.Metadata)
	}

	// A second non-terminal request for the same document must hit the
	// partial unique index.
	tx, err = pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, _, err = repo.CreateRequest(ctx, tx, req, signers)
	tx.Rollback(ctx)
	if !errors.Is(err, ErrDuplicateActiveRequest) {
		t.Fatalf("expected ErrDuplicateActiveRequest, got %v", err)
	}

	// FindActiveByDocument sees the committed request.
	active, err := repo.FindActiveByDocument(ctx, documentID)
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if active == nil || active.ID != created.ID {
		t.Fatalf("expected active request %s, got %+v", created.ID, active)
	}

	// Compare-and-swap succeeds when the expected status matches.
	tx, err = pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	locked, err := repo.GetRequestForUpdate(ctx, tx, created.ID)
	if err != nil {
		t.Fatalf("lock request: %v", err)
	}
	session := "itest-session"
	url := "https://example.com/sign"
	sent, err := repo.UpdateRequestStatus(ctx, tx, locked.ID, StatusCreated, StatusSent, RequestUpdate{
		SessionID:   &session,
		DocumentURL: &url,
	})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit update: %v", err)
	}
	if sent.Status != StatusSent || sent.SessionID == nil || *sent.SessionID != session {
		t.Fatalf("unexpected update result: %+v", sent)
	}

	// A stale writer still expecting CREATED must get a concurrent
	// modification error, not silently overwrite.
	tx, err = pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, err = repo.UpdateRequestStatus(ctx, tx, created.ID, StatusCreated, StatusCancelled, RequestUpdate{})
	tx.Rollback(ctx)
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	// Signer CAS behaves the same way.
	tx, err = pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	now := time.Now()
	signed, err := repo.UpdateSignerStatus(ctx, tx, createdSigners[0].ID, SignerPending, SignerSigned, SignerUpdate{
		SignedAt: &now,
		Evidence: map[string]any{"ip": "10.0.0.1"},
	})
	if err != nil {
		t.Fatalf("update signer: %v", err)
	}
	_, err = repo.UpdateSignerStatus(ctx, tx, createdSigners[0].ID, SignerPending, SignerSigned, SignerUpdate{})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected signer ErrConcurrentModification, got %v", err)
	}
	tx.Rollback(ctx)

	if signed.Status != SignerSigned || signed.Evidence["ip"] != "10.0.0.1" {
		t.Fatalf("unexpected signer update result: %+v", signed)
	}

	// Terminal statuses free the document for a fresh request.
	tx, err = pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := repo.UpdateRequestStatus(ctx, tx, created.ID, StatusSent, StatusCancelled, RequestUpdate{}); err != nil {
		t.Fatalf("cancel request: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit cancel: %v", err)
	}

	tx, err = pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	second, secondSigners, err := repo.CreateRequest(ctx, tx, req, signers)
	if err != nil {
		t.Fatalf("create after terminal: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit second create: %v", err)
	}
	if second.ID == created.ID || len(secondSigners) != 2 {
		t.Fatalf("expected a fresh request after cancellation, got %+v", second)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
