package signature

import "time"

// Status is the lifecycle state of a signature request.
type Status string

const (
	StatusCreated    Status = "created"
	StatusSent       Status = "sent"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition may leave this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// SignerStatus is the resolution state of one signer within a request.
type SignerStatus string

const (
	SignerPending  SignerStatus = "pending"
	SignerSigned   SignerStatus = "signed"
	SignerRejected SignerStatus = "rejected"
)

// Role identifies the capacity in which a party signs.
type Role string

const (
	RoleTenant    Role = "tenant"
	RoleOwner     Role = "owner"
	RoleBroker    Role = "broker"
	RoleGuarantor Role = "guarantor"
)

func isValidRole(role Role) bool {
	switch role {
	case RoleTenant, RoleOwner, RoleBroker, RoleGuarantor:
		return true
	default:
		return false
	}
}

// Request mirrors the signature_requests table columns touched by the service.
// DocumentID is an opaque reference to the contract document; this package
// never reads document content.
type Request struct {
	ID          string
	DocumentID  string
	Provider    string
	Status      Status
	SessionID   *string
	DocumentURL *string
	ExpiresAt   time.Time
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
	RejectedAt  *time.Time
	ExpiredAt   *time.Time
}

// Signer mirrors the signature_signers table. Order is the 1-based position
// in the signing sequence; signing is strictly sequential.
type Signer struct {
	ID              string
	RequestID       string
	UserID          string
	Role            Role
	Email           string
	Name            string
	Order           int
	Status          SignerStatus
	SignedAt        *time.Time
	Evidence        map[string]any
	RejectedAt      *time.Time
	RejectionReason *string
	CreatedAt       time.Time
}

// SignerInput is the caller-supplied description of one signer at creation.
type SignerInput struct {
	UserID string
	Role   Role
	Email  string
	Name   string
	Order  int
}

// RequestWithSigners bundles a request with its full signer list.
type RequestWithSigners struct {
	Request Request
	Signers []Signer
}

// Outbox topics emitted by the service. contract.activate is the activation
// callback; delivery and retry belong to the outbox worker, so a consumer
// failure can never un-complete a request.
const (
	TopicSignatureSent     = "signature.sent"
	TopicSignatureRejected = "signature.rejected"
	TopicSignatureExpired  = "signature.expired"
	TopicContractActivate  = "contract.activate"
)
