// Package errors defines the error kinds shared by the warplock packages.
//
// Errors fall into four groups. Contention (ErrLockAcquireFailed,
// ErrLockTimeout) and ownership (ErrLockNotOwned) errors are expected outcomes
// of normal operation. Interruption (ErrInterrupted) means the caller gave up.
// Infrastructure errors (ErrTimeout, ErrConnectionClosed, ErrStoreUnavailable)
// mean the shared store could not be reached and are the only ones that trip a
// circuit breaker.
package errors

import (
	"context"
	"errors"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrStoreUnavailable wraps any other failure talking to the shared store.
	ErrStoreUnavailable = errors.New("warplock: store unavailable")

	// ErrLockAcquireFailed is returned when the key is already held.
	ErrLockAcquireFailed = errors.New("warplock: lock is held by another owner")

	// ErrLockTimeout is returned when a timed acquire exhausts its wait budget.
	ErrLockTimeout = errors.New("warplock: timed out waiting for lock")

	// ErrLockNotOwned is returned by release and extend when the token is not
	// the current owner, including when the lock no longer exists.
	ErrLockNotOwned = errors.New("warplock: token does not own the lock")

	// ErrInterrupted is returned when the caller's context ends mid-operation.
	ErrInterrupted = errors.New("warplock: interrupted")

	// ErrCircuitOpen is returned instead of a local fallback when fallback is
	// disabled and the store is considered down.
	ErrCircuitOpen = errors.New("warplock: circuit breaker is open")

	// ErrInvalidTTL is returned for non-positive lock TTLs.
	ErrInvalidTTL = errors.New("warplock: ttl must be positive")
)

// IsContention reports whether err is a normal lock contention outcome.
func IsContention(err error) bool {
	return errors.Is(err, ErrLockAcquireFailed) || errors.Is(err, ErrLockTimeout)
}

// IsInfrastructure reports whether err means the shared store was unreachable.
func IsInfrastructure(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrStoreUnavailable)
}

// Interrupted wraps the context cause into ErrInterrupted.
func Interrupted(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return errors.Join(ErrInterrupted, cause)
}
