package lock

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/mirkobrombin/warplock/v1/circuit"
	warperrors "github.com/mirkobrombin/warplock/v1/errors"
	"github.com/mirkobrombin/warplock/v1/metrics"
)

type noFallbackKey struct{}

// WithoutFallback marks ctx so that Resilient fails closed for this call:
// while the store is down it returns ErrCircuitOpen or the store error
// instead of handing out a process-local token.
func WithoutFallback(ctx context.Context) context.Context {
	return context.WithValue(ctx, noFallbackKey{}, true)
}

// Resilient routes every call to the distributed locker while the store is
// healthy and to a Local locker while it is not.
//
// Only infrastructure errors trip the breaker. Contention, ownership and
// interruption errors are normal answers from a healthy store.
//
// While the breaker is open the process keeps handing out locks that exclude
// callers in this process only; another process can hold the same key at the
// same time. Use WithoutFallback or WithFallback(false) where that is not
// acceptable.
type Resilient struct {
	remote   Locker
	local    *Local
	breaker  *circuit.Breaker
	watchdog *Watchdog
	fallback bool
	logger   *slog.Logger
}

// ResilientOption configures a Resilient locker.
type ResilientOption func(*Resilient)

// WithBreaker shares a breaker between lockers. The breaker is the process
// wide view of store health.
func WithBreaker(b *circuit.Breaker) ResilientOption {
	return func(r *Resilient) {
		if b != nil {
			r.breaker = b
		}
	}
}

// WithLocal sets the fallback locker.
func WithLocal(l *Local) ResilientOption {
	return func(r *Resilient) {
		if l != nil {
			r.local = l
		}
	}
}

// WithWatchdog lets AcquireWatched and Watch register locks for renewal and
// makes Release unregister them.
func WithWatchdog(w *Watchdog) ResilientOption {
	return func(r *Resilient) {
		r.watchdog = w
	}
}

// WithFallback enables or disables the local fallback by default. It is
// enabled unless turned off here.
func WithFallback(enabled bool) ResilientOption {
	return func(r *Resilient) {
		r.fallback = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ResilientOption {
	return func(r *Resilient) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResilient wraps remote, usually a *Redis, with a circuit breaker.
func NewResilient(remote Locker, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		remote:   remote,
		fallback: true,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.local == nil {
		r.local = NewLocal()
	}
	if r.breaker == nil {
		r.breaker = circuit.New()
	}
	return r
}

// IsCircuitClosed reports whether calls are expected to reach the store.
func (r *Resilient) IsCircuitClosed() bool {
	return r.breaker.IsClosed()
}

// Acquire takes key from the store, or from the local fallback while the
// store is down. A key still held on the local fallback stays exclusive in
// this process after the store recovers.
func (r *Resilient) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validTTL(ttl); err != nil {
		return "", err
	}
	if r.heldLocally(key) {
		return "", warperrors.ErrLockAcquireFailed
	}
	var token string
	fallback, err := r.call(ctx, "acquire", key, func() (err error) {
		token, err = r.remote.Acquire(ctx, key, ttl)
		return err
	})
	if !fallback {
		return token, err
	}
	r.degraded("acquire", key)
	return r.local.Acquire(ctx, key, ttl)
}

// AcquireWithTimeout polls Acquire every retryInterval for up to maxWait.
// Each attempt is routed on its own, so an outage or a recovery during the
// wait switches backend on the next attempt.
func (r *Resilient) AcquireWithTimeout(ctx context.Context, key string, ttl, maxWait, retryInterval time.Duration) (string, error) {
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	start := time.Now()
	deadline := start.Add(maxWait)
	for {
		token, err := r.Acquire(ctx, key, ttl)
		if err == nil {
			metrics.AcquireWait.Observe(time.Since(start).Seconds())
			return token, nil
		}
		if !stdErrors.Is(err, warperrors.ErrLockAcquireFailed) {
			return "", err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", warperrors.ErrLockTimeout
		}
		if _, err := sleepOrWake(ctx, min(retryInterval, remaining), nil); err != nil {
			return "", err
		}
	}
}

// Release frees key. Tokens handed out by the local fallback are always
// released locally, even after the store has recovered.
func (r *Resilient) Release(ctx context.Context, key, token string) error {
	err := r.release(ctx, key, token)
	if err == nil || stdErrors.Is(err, warperrors.ErrLockNotOwned) {
		r.unwatch(key, token)
	}
	return err
}

func (r *Resilient) release(ctx context.Context, key, token string) error {
	if r.local.owns(key, token) {
		return r.local.Release(ctx, key, token)
	}
	fallback, err := r.call(ctx, "release", key, func() error {
		return r.remote.Release(ctx, key, token)
	})
	if !fallback {
		return err
	}
	r.degraded("release", key)
	// the store record, if any, is left to expire by its TTL
	return r.local.Release(ctx, key, token)
}

// Extend resets the TTL of key if token owns it.
func (r *Resilient) Extend(ctx context.Context, key, token string, ttl time.Duration) error {
	if err := validTTL(ttl); err != nil {
		return err
	}
	if r.local.owns(key, token) {
		return r.local.Extend(ctx, key, token, ttl)
	}
	fallback, err := r.call(ctx, "extend", key, func() error {
		return r.remote.Extend(ctx, key, token, ttl)
	})
	if !fallback {
		return err
	}
	r.degraded("extend", key)
	return r.local.Extend(ctx, key, token, ttl)
}

// IsOwner reports whether token owns key on whichever backend issued it.
func (r *Resilient) IsOwner(ctx context.Context, key, token string) (bool, error) {
	if r.local.owns(key, token) {
		return true, nil
	}
	var owner bool
	fallback, err := r.call(ctx, "is_owner", key, func() (err error) {
		owner, err = r.remote.IsOwner(ctx, key, token)
		return err
	})
	if !fallback {
		return owner, err
	}
	return r.local.IsOwner(ctx, key, token)
}

// Exists reports whether key is held on either backend.
func (r *Resilient) Exists(ctx context.Context, key string) (bool, error) {
	if r.heldLocally(key) {
		return true, nil
	}
	var exists bool
	fallback, err := r.call(ctx, "exists", key, func() (err error) {
		exists, err = r.remote.Exists(ctx, key)
		return err
	})
	if !fallback {
		return exists, err
	}
	return r.local.Exists(ctx, key)
}

// TTL returns the remaining lifetime of key. Locally held keys report
// TTLNoExpiry.
func (r *Resilient) TTL(ctx context.Context, key string) (time.Duration, error) {
	if r.heldLocally(key) {
		return TTLNoExpiry, nil
	}
	var ttl time.Duration
	fallback, err := r.call(ctx, "ttl", key, func() (err error) {
		ttl, err = r.remote.TTL(ctx, key)
		return err
	})
	if !fallback {
		return ttl, err
	}
	return r.local.TTL(ctx, key)
}

// AcquireReentrant re-enters key on the backend that issued token, or takes
// it afresh.
func (r *Resilient) AcquireReentrant(ctx context.Context, key, token string, ttl time.Duration) (string, error) {
	if err := validTTL(ttl); err != nil {
		return "", err
	}
	if r.local.owns(key, token) {
		return r.local.AcquireReentrant(ctx, key, token, ttl)
	}
	if r.heldLocally(key) {
		return "", warperrors.ErrLockAcquireFailed
	}
	var tok string
	fallback, err := r.call(ctx, "acquire_reentrant", key, func() (err error) {
		tok, err = r.remote.AcquireReentrant(ctx, key, token, ttl)
		return err
	})
	if !fallback {
		return tok, err
	}
	r.degraded("acquire_reentrant", key)
	return r.local.AcquireReentrant(ctx, key, token, ttl)
}

// ReleaseReentrant drops one hold of key on the backend that issued token.
func (r *Resilient) ReleaseReentrant(ctx context.Context, key, token string) error {
	if r.local.owns(key, token) {
		return r.local.ReleaseReentrant(ctx, key, token)
	}
	fallback, err := r.call(ctx, "release_reentrant", key, func() error {
		return r.remote.ReleaseReentrant(ctx, key, token)
	})
	if !fallback {
		return err
	}
	r.degraded("release_reentrant", key)
	return r.local.ReleaseReentrant(ctx, key, token)
}

// AcquireWatched acquires key and hands it to the watchdog, which keeps
// extending it until Release. Without a watchdog it behaves like Acquire.
func (r *Resilient) AcquireWatched(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token, err := r.Acquire(ctx, key, ttl)
	if err != nil {
		return "", err
	}
	r.Watch(key, token)
	return token, nil
}

// Watch registers a store-issued token with the watchdog. Local tokens never
// expire and are not registered. It reports whether a registration was made.
func (r *Resilient) Watch(key, token string) bool {
	if r.watchdog == nil || r.local.owns(key, token) {
		return false
	}
	r.watchdog.Register(key, token)
	return true
}

func (r *Resilient) unwatch(key, token string) {
	if r.watchdog != nil {
		r.watchdog.unregisterToken(key, token)
	}
}

func (r *Resilient) heldLocally(key string) bool {
	ok, _ := r.local.Exists(context.Background(), key)
	return ok
}

func (r *Resilient) fallbackAllowed(ctx context.Context) bool {
	if off, _ := ctx.Value(noFallbackKey{}).(bool); off {
		return false
	}
	return r.fallback
}

// call runs op against the store when the breaker admits it and reports
// whether the caller should serve the request from the local fallback.
func (r *Resilient) call(ctx context.Context, op, key string, remote func() error) (bool, error) {
	if !r.breaker.Allow() {
		if !r.fallbackAllowed(ctx) {
			return false, warperrors.ErrCircuitOpen
		}
		return true, nil
	}
	err := remote()
	switch {
	case stdErrors.Is(err, warperrors.ErrInterrupted):
		r.breaker.Abandon()
		return false, err
	case warperrors.IsInfrastructure(err):
		if r.breaker.Failure() {
			metrics.CircuitOpenGauge.Set(1)
			r.logger.Error("warplock: store unreachable, circuit opened", "op", op, "key", key, "error", err)
		} else {
			r.logger.Error("warplock: store call failed", "op", op, "key", key, "error", err)
		}
		if !r.fallbackAllowed(ctx) {
			return false, err
		}
		return true, nil
	}
	if r.breaker.Success() {
		metrics.CircuitOpenGauge.Set(0)
		r.logger.Info("warplock: store reachable again, circuit closed", "op", op, "key", key)
	}
	return false, err
}

func (r *Resilient) degraded(op, key string) {
	metrics.FallbackCounter.Inc()
	r.logger.Warn("warplock: served by local fallback, no cross-process exclusion", "op", op, "key", key)
}
