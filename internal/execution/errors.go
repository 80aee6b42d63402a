package execution

import "errors"

// Sentinel errors for typed error checking.
var (
	ErrNotFound      = errors.New("execution not found")
	ErrInvalidRecord = errors.New("invalid execution record")
	ErrInvalidEvent  = errors.New("invalid execution event")
)

// IsNotFound returns true if the error is a missing execution.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
