package lock

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("invalid lock request")

	// ErrInvalidEnvironment is returned when no usable environment can be
	// resolved for a request.
	ErrInvalidEnvironment = errors.New("invalid environment")

	// ErrInvalidName is returned for environment or task names that cannot
	// be part of a branch name.
	ErrInvalidName = errors.New("invalid lock name")
)

// DecodeError means the lock file on a lock branch is missing or
// unreadable. The state of that lock is unknown, so mutating operations
// stop instead of guessing.
type DecodeError struct {
	Branch string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "lock file " + e.Reason
	if e.Branch != "" {
		msg = fmt.Sprintf("lock branch %s: %s", e.Branch, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
