package sandbox

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAdmissionDenied is returned when the client already has a creation in flight.
	ErrAdmissionDenied = errors.New("a sandbox creation is already in progress for this client")

	// ErrNotFound is returned when the session has no sandbox or the sandbox no longer exists.
	ErrNotFound = errors.New("sandbox not found or expired")

	// ErrMalformedInput is returned for invalid requests, before any driver call.
	ErrMalformedInput = errors.New("malformed input")

	// ErrDuplicateSandbox is returned when an id is registered twice.
	ErrDuplicateSandbox = errors.New("sandbox id already registered")
)

// DriverError wraps a failed cluster driver operation.
type DriverError struct {
	Op  string
	ID  string
	Err error
}

func (e *DriverError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("cluster %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cluster %s %s failed: %v", e.Op, e.ID, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the operation ran out of time.
func (e *DriverError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedInput, fmt.Sprintf(format, args...))
}
