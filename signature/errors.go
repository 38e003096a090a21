package signature

import "errors"

var (
	// Validation errors: the caller supplied bad input. Never retried.
	ErrEmptySignerList = errors.New("signature: signer list is empty")
	ErrDuplicateOrder  = errors.New("signature: duplicate signer order")
	ErrInvalidOrder    = errors.New("signature: signer order must be positive")
	ErrInvalidEmail    = errors.New("signature: invalid signer email")
	ErrInvalidRole     = errors.New("signature: invalid signer role")
	// ErrDuplicateActiveRequest signals the document already has a
	// non-terminal request; enforced by a partial unique index, not a
	// read-then-write check.
	ErrDuplicateActiveRequest = errors.New("signature: document already has an active request")

	// State errors: a precondition was violated.
	ErrRequestNotFound   = errors.New("signature: request not found")
	ErrSignerNotFound    = errors.New("signature: signer not found")
	ErrInvalidTransition = errors.New("signature: invalid transition")
	ErrAlreadySigned     = errors.New("signature: signer already signed")
	ErrAlreadyRejected   = errors.New("signature: signer already rejected")
	ErrOutOfOrder        = errors.New("signature: earlier signers still pending")
	ErrExpired           = errors.New("signature: request expired")

	// ErrConcurrentModification is surfaced distinctly from AlreadySigned so
	// callers can re-fetch and re-evaluate instead of showing a permanent error.
	ErrConcurrentModification = errors.New("signature: concurrent modification")

	// ErrProviderNotConfigured signals an unknown provider name.
	ErrProviderNotConfigured = errors.New("signature: provider not configured")
)
