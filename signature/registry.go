package signature

import (
	"fmt"
	"net/mail"
)

// The signer registry is a stateless set of functions over the signer list.
// Ordering is data-driven from the Order field; nothing here hard-codes
// role-based ordering or keeps hidden state.

// ValidateSigners checks a creation batch: non-empty, unique positive orders,
// well-formed emails, known roles.
func ValidateSigners(inputs []SignerInput) error {
	if len(inputs) == 0 {
		return ErrEmptySignerList
	}

	seen := make(map[int]struct{}, len(inputs))
	for _, in := range inputs {
		if in.Order < 1 {
			return fmt.Errorf("%w: got %d for %s", ErrInvalidOrder, in.Order, in.Email)
		}
		if _, dup := seen[in.Order]; dup {
			return fmt.Errorf("%w: order %d", ErrDuplicateOrder, in.Order)
		}
		seen[in.Order] = struct{}{}

		if _, err := mail.ParseAddress(in.Email); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidEmail, in.Email)
		}
		if !isValidRole(in.Role) {
			return fmt.Errorf("%w: %q", ErrInvalidRole, in.Role)
		}
	}

	return nil
}

// NextRequiredOrder returns the smallest order among signers still pending.
// ok is false when every signer is resolved.
func NextRequiredOrder(signers []Signer) (next int, ok bool) {
	for _, s := range signers {
		if s.Status != SignerPending {
			continue
		}
		if !ok || s.Order < next {
			next = s.Order
			ok = true
		}
	}
	return next, ok
}

// CanSign reports whether the given signer may sign now: it must exist, be
// pending, and hold the smallest pending order. No signer may act out of
// turn even while earlier signers are still pending.
func CanSign(signers []Signer, signerID string) error {
	var found *Signer
	for i := range signers {
		if signers[i].ID == signerID {
			found = &signers[i]
			break
		}
	}
	if found == nil {
		return fmt.Errorf("%w: %s", ErrSignerNotFound, signerID)
	}

	switch found.Status {
	case SignerSigned:
		return fmt.Errorf("%w: %s", ErrAlreadySigned, signerID)
	case SignerRejected:
		return fmt.Errorf("%w: %s", ErrAlreadyRejected, signerID)
	}

	next, ok := NextRequiredOrder(signers)
	if !ok {
		// Unreachable once the pending check above passed.
		return fmt.Errorf("%w: %s", ErrSignerNotFound, signerID)
	}
	if found.Order != next {
		return fmt.Errorf("%w: signer has order %d, next required order is %d", ErrOutOfOrder, found.Order, next)
	}

	return nil
}

// AllResolved reports whether every signer is signed or rejected.
func AllResolved(signers []Signer) bool {
	for _, s := range signers {
		if s.Status == SignerPending {
			return false
		}
	}
	return true
}

// AllSigned reports whether every signer has signed. Required for COMPLETED.
func AllSigned(signers []Signer) bool {
	if len(signers) == 0 {
		return false
	}
	for _, s := range signers {
		if s.Status != SignerSigned {
			return false
		}
	}
	return true
}
