// Package errs defines the error kinds shared by the matching service.
// Concrete errors wrap one of the kinds so callers can classify them with
// errors.Is without knowing the originating package.
package errs

import "errors"

var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrTransient  = errors.New("transient failure")
)

// IsPermanent reports whether retrying the call that produced err cannot succeed.
// Unclassified errors (network failures, timeouts) are treated as retryable.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound)
}
