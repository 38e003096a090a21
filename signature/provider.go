package signature

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ProviderSession is the remote session handle returned on creation.
type ProviderSession struct {
	SessionID   string
	DocumentURL string
}

// ProviderStatus is the provider-neutral view of a remote session, mapped
// from vendor-specific states.
type ProviderStatus string

const (
	ProviderStatusPending    ProviderStatus = "pending"
	ProviderStatusInProgress ProviderStatus = "in_progress"
	ProviderStatusCompleted  ProviderStatus = "completed"
	ProviderStatusRejected   ProviderStatus = "rejected"
	ProviderStatusExpired    ProviderStatus = "expired"
	ProviderStatusCancelled  ProviderStatus = "cancelled"
)

// Provider abstracts an external e-signature vendor. Implementations must
// bound every call with a timeout; exceeding it surfaces as a ProviderError
// of kind Unavailable.
type Provider interface {
	Name() string
	CreateSession(ctx context.Context, documentID string, signers []Signer) (ProviderSession, error)
	FetchStatus(ctx context.Context, sessionID string) (ProviderStatus, error)
	CancelSession(ctx context.Context, sessionID string) error
}

// ProviderErrorKind classifies vendor failures. Unavailable is safe to retry
// and never changes local state; the other kinds are fatal for that call.
type ProviderErrorKind string

const (
	ProviderUnavailable ProviderErrorKind = "unavailable"
	ProviderRejected    ProviderErrorKind = "rejected"
	ProviderNotFound    ProviderErrorKind = "not_found"
)

// ProviderError wraps a vendor failure with its retry classification.
type ProviderError struct {
	Provider string
	Kind     ProviderErrorKind
	Cause    error
}

func (e *ProviderError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("signature: provider %s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("signature: provider %s: %s: %v", e.Provider, e.Kind, e.Cause)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// IsProviderUnavailable reports whether err is a retryable provider failure.
func IsProviderUnavailable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == ProviderUnavailable
}

// ProviderRegistry resolves provider names to implementations.
type ProviderRegistry struct {
	providers map[string]Provider
}

func NewProviderRegistry(providers ...Provider) *ProviderRegistry {
	r := &ProviderRegistry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *ProviderRegistry) Register(p Provider) {
	r.providers[p.Name()] = p
}

func (r *ProviderRegistry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotConfigured, name)
	}
	return p, nil
}

// Names returns the configured provider names in stable order.
func (r *ProviderRegistry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
