package contract

import "time"

// Status values for rental contracts as far as this subsystem observes them.
const (
	StatusPendingSignature = "pending_signature"
	StatusActive           = "active"
)

// Record mirrors the contracts table columns touched by the activation flow.
// The signature subsystem treats the contract as an external document; only
// activation writes here.
type Record struct {
	ID        string
	Status    string
	SignedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActivationRequest is the normalized contract.activate payload. The
// idempotency key is derived from the signature request id, so re-delivery
// of the same completion is detected and skipped.
type ActivationRequest struct {
	DocumentID     string
	IdempotencyKey string
	ActorID        *string
}
