package license

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is the parent of every caller-input error.
	ErrValidation = errors.New("invalid request")
	// ErrKeyRequired indicates the product key was missing.
	ErrKeyRequired = fmt.Errorf("%w: product key is required", ErrValidation)
	// ErrInvalidKeyFormat indicates the product key does not match XXXX-XXXX-XXXX-XXXX.
	ErrInvalidKeyFormat = fmt.Errorf("%w: product key must match XXXX-XXXX-XXXX-XXXX", ErrValidation)
	// ErrInvalidProduct indicates an unknown product line.
	ErrInvalidProduct = fmt.Errorf("%w: unknown product", ErrValidation)
	// ErrInvalidTier indicates an unknown tier.
	ErrInvalidTier = fmt.Errorf("%w: unknown license tier", ErrValidation)
	// ErrIllegalTransition indicates an administrative transition the state table forbids.
	ErrIllegalTransition = fmt.Errorf("%w: illegal state transition", ErrValidation)

	// ErrLicenseNotFound is returned by administrative operations on an unknown key.
	ErrLicenseNotFound = errors.New("license not found")

	// ErrStoreUnavailable marks a persistence failure. Callers should retry.
	ErrStoreUnavailable = errors.New("license store unavailable")

	// ErrKeySpaceExhausted indicates the issuer could not draw an unused key.
	ErrKeySpaceExhausted = errors.New("could not generate a unique product key")
)

// storeError wraps a persistence failure so that errors.Is(err, ErrStoreUnavailable) holds.
func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// IsTransient reports whether err is a persistence failure the caller may retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// Reason is the machine-readable code of a business-rule rejection.
type Reason string

const (
	ReasonNotFound         Reason = "NOT_FOUND"
	ReasonProductMismatch  Reason = "PRODUCT_MISMATCH"
	ReasonRevoked          Reason = "REVOKED"
	ReasonSuspended        Reason = "SUSPENDED"
	ReasonExpired          Reason = "EXPIRED"
	ReasonHardwareMismatch Reason = "HARDWARE_MISMATCH"
	ReasonDomainMismatch   Reason = "DOMAIN_MISMATCH"
)
