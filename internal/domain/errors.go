package domain

import "errors"

// Sentinel errors for the application. Every error leaving the Gateway wraps
// exactly one of them.
var (
	ErrUnauthorized = errors.New("unauthorized access")
	ErrNotFound     = errors.New("resource not found")
	ErrConflict     = errors.New("resource already exists")
	ErrTransient    = errors.New("transient backend failure")
	ErrValidation   = errors.New("invalid input")
)

// Kind returns the sentinel wrapped by err, or nil when err is outside the
// taxonomy.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrUnauthorized, ErrNotFound, ErrConflict, ErrTransient} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
