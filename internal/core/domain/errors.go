package domain

import "github.com/juju/errors"

const (
	// ErrProductLockedByOther is an expected business outcome: another
	// shopper holds the item.
	ErrProductLockedByOther = errors.ConstError("product reserved by another customer")

	// ErrTransientFailure wraps datastore failures. The caller may retry.
	ErrTransientFailure = errors.ConstError("transient reservation failure")

	ErrNotFound        = errors.ConstError("product not found")
	ErrProductSold     = errors.ConstError("product already sold")
	ErrNotHeld         = errors.ConstError("reservation not held by actor")
	ErrInvalidArgument = errors.ConstError("invalid argument")
)

// IsBusinessError reports whether err is one of the taxonomy outcomes that
// callers surface as-is rather than as a system failure.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrProductLockedByOther) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrProductSold) ||
		errors.Is(err, ErrNotHeld) ||
		errors.Is(err, ErrInvalidArgument)
}
