package proto

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across packages.
var (
	// ErrCancelled is returned when the external cancellation signal trips.
	ErrCancelled = errors.New("cancelled")
	// ErrDeadlineReached marks the wall-clock deadline. Not a failure: the
	// loop completes with reason time_limit.
	ErrDeadlineReached = errors.New("time_limit")
	// ErrSessionClosed is returned by session operations after end().
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidTransition is returned for disallowed state transitions.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ValidationError reports malformed user input before the loop starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// PermissionTimeoutError means the Navigator did not resolve a permission
// request in bounded time. It converts to a synthetic deny; the run continues.
type PermissionTimeoutError struct {
	RequestID string
	Timeout   time.Duration
}

func (e *PermissionTimeoutError) Error() string {
	return fmt.Sprintf("Navigator did not respond within %d ms", e.Timeout.Milliseconds())
}

// PermissionMalformedError means the Navigator's permission turn contained
// no approve/deny command. Same treatment as a timeout.
type PermissionMalformedError struct {
	RequestID string
	Detail    string
}

func (e *PermissionMalformedError) Error() string {
	return fmt.Sprintf("Navigator returned no approve/deny for request %s: %s", e.RequestID, e.Detail)
}

// NavigatorEmptyBatchError means a review produced no commands even after
// the retry budget was exhausted.
type NavigatorEmptyBatchError struct {
	Attempts int
}

func (e *NavigatorEmptyBatchError) Error() string {
	return fmt.Sprintf("Navigator returned empty batch after %d attempts", e.Attempts)
}

// ArchitectFailureError means the planning session ended without a plan.
type ArchitectFailureError struct {
	Reason string
}

func (e *ArchitectFailureError) Error() string {
	return fmt.Sprintf("architect failed: %s", e.Reason)
}

// ProviderTransportError means an agent session terminated abnormally
// (stream closed with no terminal result).
type ProviderTransportError struct {
	Role Role
	Err  error
}

func (e *ProviderTransportError) Error() string {
	return fmt.Sprintf("%s session transport failure: %v", e.Role, e.Err)
}

func (e *ProviderTransportError) Unwrap() error {
	return e.Err
}
