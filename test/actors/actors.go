package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"rentsign/notify"
	"rentsign/signature"
)

// The actors drive the signature service concurrently over one shared
// document. Contention errors are the point of the exercise, so anything the
// state machine is specified to reject is swallowed; only unexpected errors
// abort the run.
func benign(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, signature.ErrDuplicateActiveRequest),
		errors.Is(err, signature.ErrRequestNotFound),
		errors.Is(err, signature.ErrSignerNotFound),
		errors.Is(err, signature.ErrInvalidTransition),
		errors.Is(err, signature.ErrAlreadySigned),
		errors.Is(err, signature.ErrAlreadyRejected),
		errors.Is(err, signature.ErrOutOfOrder),
		errors.Is(err, signature.ErrExpired),
		errors.Is(err, signature.ErrConcurrentModification):
		return true
	default:
		return false
	}
}

// Fixed actor ids; audit attribution expects uuids.
const (
	creatorActor   = "00000000-0000-0000-0000-000000000a01"
	senderActor    = "00000000-0000-0000-0000-000000000a02"
	signerActor    = "00000000-0000-0000-0000-000000000a03"
	rejectorActor  = "00000000-0000-0000-0000-000000000a04"
	cancellerActor = "00000000-0000-0000-0000-000000000a05"
)

func newSigners() []signature.SignerInput {
	return []signature.SignerInput{
		{UserID: "u-tenant", Role: signature.RoleTenant, Email: "tenant@example.com", Name: "Tenant", Order: 1},
		{UserID: "u-owner", Role: signature.RoleOwner, Email: "owner@example.com", Name: "Owner", Order: 2},
		{UserID: "u-broker", Role: signature.RoleBroker, Email: "broker@example.com", Name: "Broker", Order: 3},
	}
}

// Creator races to open requests for the same document; the partial unique
// index must let exactly one through at a time.
func Creator(ctx context.Context, svc *signature.Service, documentID, provider string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := svc.Create(ctx, signature.CreateParams{
			DocumentID:    documentID,
			Provider:      provider,
			Signers:       newSigners(),
			ExpiresInDays: 1,
			ActorID:       creatorActor,
		})
		if !benign(err) {
			return fmt.Errorf("creator: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Sender pushes whatever request is currently active out to the provider.
// Re-sends of an already sent request must stay idempotent.
func Sender(ctx context.Context, svc *signature.Service, documentID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		req, err := svc.FindActiveByDocument(ctx, documentID)
		if err != nil {
			return fmt.Errorf("sender lookup: %w", err)
		}
		if req != nil {
			if _, err := svc.Send(ctx, req.ID, senderActor); !benign(err) {
				return fmt.Errorf("sender: %w", err)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// SignerActor signs the next pending signer in turn, and sometimes a random
// one out of turn to exercise the ordering guard.
func SignerActor(ctx context.Context, svc *signature.Service, documentID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		req, err := svc.FindActiveByDocument(ctx, documentID)
		if err != nil {
			return fmt.Errorf("signer lookup: %w", err)
		}
		if req != nil {
			snapshot, err := svc.GetStatus(ctx, req.ID)
			if !benign(err) {
				return fmt.Errorf("signer status: %w", err)
			}
			if err == nil {
				if signerID := pickSigner(snapshot.Signers); signerID != "" {
					_, err = svc.RecordSignature(ctx, signature.RecordSignatureParams{
						RequestID: req.ID,
						SignerID:  signerID,
						ActorID:   signerActor,
						Evidence:  map[string]any{"ip": "10.0.0.1"},
					})
					if !benign(err) {
						return fmt.Errorf("signer: %w", err)
					}
				}
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

func pickSigner(signers []signature.Signer) string {
	pending := make([]signature.Signer, 0, len(signers))
	for _, s := range signers {
		if s.Status == signature.SignerPending {
			pending = append(pending, s)
		}
	}
	if len(pending) == 0 {
		return ""
	}
	// Mostly the next in line, sometimes a deliberate out-of-turn attempt.
	if rand.Intn(4) == 0 {
		return pending[rand.Intn(len(pending))].ID
	}
	next := pending[0]
	for _, s := range pending[1:] {
		if s.Order < next.Order {
			next = s
		}
	}
	return next.ID
}

// Rejector occasionally vetoes the active request through a pending signer.
func Rejector(ctx context.Context, svc *signature.Service, documentID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(10) == 0 {
			req, err := svc.FindActiveByDocument(ctx, documentID)
			if err != nil {
				return fmt.Errorf("rejector lookup: %w", err)
			}
			if req != nil {
				snapshot, err := svc.GetStatus(ctx, req.ID)
				if !benign(err) {
					return fmt.Errorf("rejector status: %w", err)
				}
				if err == nil {
					for _, s := range snapshot.Signers {
						if s.Status == signature.SignerPending {
							_, err = svc.RecordRejection(ctx, signature.RecordRejectionParams{
								RequestID: req.ID,
								SignerID:  s.ID,
								ActorID:   rejectorActor,
								Reason:    "stress veto",
							})
							if !benign(err) {
								return fmt.Errorf("rejector: %w", err)
							}
							break
						}
					}
				}
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// Canceller occasionally aborts the active request before it gathers
// signatures.
func Canceller(ctx context.Context, svc *signature.Service, documentID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if rand.Intn(15) == 0 {
			req, err := svc.FindActiveByDocument(ctx, documentID)
			if err != nil {
				return fmt.Errorf("canceller lookup: %w", err)
			}
			if req != nil {
				if _, err := svc.Cancel(ctx, req.ID, cancellerActor); !benign(err) {
					return fmt.Errorf("canceller: %w", err)
				}
			}
		}
		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

// OutboxDrainer runs the delivery worker loop against the shared outbox.
func OutboxDrainer(ctx context.Context, worker *notify.Worker, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := worker.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("outbox drain: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
