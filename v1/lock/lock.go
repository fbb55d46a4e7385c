package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	warperrors "github.com/mirkobrombin/warplock/v1/errors"
	"github.com/mirkobrombin/warplock/v1/metrics"
)

// KeyPrefix namespaces lock records in the shared store.
const KeyPrefix = "LOCK:"

// TTL sentinels, mirroring Redis PTTL replies.
const (
	TTLNoExpiry time.Duration = -1 * time.Second
	TTLAbsent   time.Duration = -2 * time.Second
)

const defaultRetryInterval = 100 * time.Millisecond

// Locker is the contract shared by Redis, Local and Resilient.
type Locker interface {
	// Acquire takes the lock without waiting and returns its token.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	// AcquireWithTimeout polls Acquire every retryInterval for up to maxWait.
	AcquireWithTimeout(ctx context.Context, key string, ttl, maxWait, retryInterval time.Duration) (string, error)
	// Release frees the lock if token is the current owner.
	Release(ctx context.Context, key, token string) error
	// Extend resets the TTL if token is the current owner.
	Extend(ctx context.Context, key, token string, ttl time.Duration) error
	// IsOwner reports whether token currently owns key.
	IsOwner(ctx context.Context, key, token string) (bool, error)
	// Exists reports whether key is currently locked by anyone.
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining time to live, TTLNoExpiry or TTLAbsent.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// AcquireReentrant re-enters a lock already owned by token, or acquires
	// it afresh with a new token.
	AcquireReentrant(ctx context.Context, key, token string, ttl time.Duration) (string, error)
	// ReleaseReentrant undoes one AcquireReentrant; the lock is freed when
	// the last hold is released.
	ReleaseReentrant(ctx context.Context, key, token string) error
}

// Re-exported error kinds so callers only need this package.
var (
	ErrLockAcquireFailed = warperrors.ErrLockAcquireFailed
	ErrLockTimeout       = warperrors.ErrLockTimeout
	ErrLockNotOwned      = warperrors.ErrLockNotOwned
	ErrInterrupted       = warperrors.ErrInterrupted
	ErrCircuitOpen       = warperrors.ErrCircuitOpen
	ErrInvalidTTL        = warperrors.ErrInvalidTTL
)

var pid = os.Getpid()

// newToken returns "{random-id}:{process-id}".
func newToken() string {
	return fmt.Sprintf("%s:%d", uuid.NewString(), pid)
}

// WithLock acquires key, runs fn and releases the lock afterwards whatever fn
// returns. A failed release is logged, not returned: by then the outcome of
// the critical section is already decided.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(context.Context) error) error {
	token, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx), key, token); err != nil {
			slog.Warn("warplock: release after critical section failed", "key", key, "error", err)
		}
	}()
	return fn(ctx)
}

// hold tracks reentrant acquisitions of one key by one token.
type hold struct {
	token string
	count int
}

// resultLabel maps an operation outcome to a metrics label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, warperrors.ErrLockAcquireFailed):
		return metrics.ResultContention
	case errors.Is(err, warperrors.ErrLockTimeout):
		return metrics.ResultTimeout
	case errors.Is(err, warperrors.ErrLockNotOwned):
		return metrics.ResultNotOwned
	case errors.Is(err, warperrors.ErrInterrupted):
		return metrics.ResultInterrupted
	}
	return metrics.ResultError
}

func validTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return warperrors.ErrInvalidTTL
	}
	return nil
}

// sleepOrWake blocks for d, until wake fires, or until ctx is done. It
// reports false when wake turned out to be closed.
func sleepOrWake(ctx context.Context, d time.Duration, wake <-chan struct{}) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case _, ok := <-wake:
		return ok, nil
	case <-ctx.Done():
		return true, warperrors.Interrupted(ctx)
	}
	return true, nil
}
