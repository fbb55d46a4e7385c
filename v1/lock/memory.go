package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	warperrors "github.com/mirkobrombin/warplock/v1/errors"
	"github.com/mirkobrombin/warplock/v1/metrics"
	"github.com/mirkobrombin/warplock/v1/syncbus"
)

type localState struct {
	token  string
	count  int
	ttl    time.Duration
	notify chan struct{}
}

// Local implements Locker with process memory. It only excludes callers
// within this process.
//
// The TTL passed to Acquire and Extend is advisory: it is recorded but never
// enforced, so a lock taken here lives until it is released. Callers must not
// rely on automatic expiry while running on the local fallback.
type Local struct {
	mu     sync.Mutex
	locks  map[string]*localState
	bus    syncbus.Bus
	logger *slog.Logger
}

// LocalOption configures a Local locker.
type LocalOption func(*Local)

// WithLocalBus announces lock and unlock events on bus. Without it Local
// publishes nothing.
func WithLocalBus(bus syncbus.Bus) LocalOption {
	return func(l *Local) {
		l.bus = bus
	}
}

// NewLocal returns an empty Local locker.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		locks:  make(map[string]*localState),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) publish(ctx context.Context, topic string) {
	if l.bus == nil {
		return
	}
	if err := l.bus.Publish(ctx, topic); err != nil {
		l.logger.Warn("warplock: lock event publish failed", "topic", topic, "error", err)
	}
}

func newLocalToken() (string, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", id, pid), nil
}

// Acquire takes key if nobody in this process holds it.
func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token, err := l.acquire(ctx, key, ttl)
	if err == nil {
		l.publish(ctx, syncbus.LockTopic(key))
	}
	metrics.AcquireCounter.WithLabelValues(metrics.BackendLocal, resultLabel(err)).Inc()
	return token, err
}

func (l *Local) acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validTTL(ttl); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", warperrors.Interrupted(ctx)
	}
	token, err := newLocalToken()
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.locks[key]; held {
		return "", warperrors.ErrLockAcquireFailed
	}
	l.locks[key] = &localState{token: token, count: 1, ttl: ttl, notify: make(chan struct{})}
	return token, nil
}

// AcquireWithTimeout retries Acquire for up to maxWait, waking as soon as the
// current holder releases or after retryInterval, whichever comes first.
func (l *Local) AcquireWithTimeout(ctx context.Context, key string, ttl, maxWait, retryInterval time.Duration) (string, error) {
	start := time.Now()
	token, err := l.acquireWithTimeout(ctx, key, ttl, maxWait, retryInterval)
	if err == nil {
		metrics.AcquireWait.Observe(time.Since(start).Seconds())
	}
	metrics.AcquireCounter.WithLabelValues(metrics.BackendLocal, resultLabel(err)).Inc()
	return token, err
}

func (l *Local) acquireWithTimeout(ctx context.Context, key string, ttl, maxWait, retryInterval time.Duration) (string, error) {
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	deadline := time.Now().Add(maxWait)
	for {
		token, err := l.acquire(ctx, key, ttl)
		if err == nil {
			l.publish(ctx, syncbus.LockTopic(key))
			return token, nil
		}
		if err != warperrors.ErrLockAcquireFailed {
			return "", err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", warperrors.ErrLockTimeout
		}
		var wake chan struct{}
		l.mu.Lock()
		if st, ok := l.locks[key]; ok {
			wake = st.notify
		}
		l.mu.Unlock()
		if wake == nil {
			continue
		}
		if _, err := sleepOrWake(ctx, min(retryInterval, remaining), wake); err != nil {
			return "", err
		}
	}
}

// Release frees key if token owns it.
func (l *Local) Release(ctx context.Context, key, token string) error {
	freed, err := l.release(key, token, true)
	if freed {
		l.publish(ctx, syncbus.UnlockTopic(key))
	}
	metrics.ReleaseCounter.WithLabelValues(metrics.BackendLocal, resultLabel(err)).Inc()
	return err
}

// release drops the lock; with force it ignores reentrant holds. It reports
// whether the key was freed.
func (l *Local) release(key, token string, force bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.locks[key]
	if !ok || st.token != token {
		return false, warperrors.ErrLockNotOwned
	}
	if !force && st.count > 1 {
		st.count--
		return false, nil
	}
	close(st.notify)
	delete(l.locks, key)
	return true, nil
}

// Extend records the new advisory TTL if token owns key.
func (l *Local) Extend(ctx context.Context, key, token string, ttl time.Duration) error {
	err := l.extend(key, token, ttl)
	metrics.ExtendCounter.WithLabelValues(metrics.BackendLocal, resultLabel(err)).Inc()
	return err
}

func (l *Local) extend(key, token string, ttl time.Duration) error {
	if err := validTTL(ttl); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.locks[key]
	if !ok || st.token != token {
		return warperrors.ErrLockNotOwned
	}
	st.ttl = ttl
	return nil
}

// IsOwner reports whether token owns key in this process.
func (l *Local) IsOwner(ctx context.Context, key, token string) (bool, error) {
	return l.owns(key, token), nil
}

func (l *Local) owns(key, token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.locks[key]
	return ok && st.token == token
}

// Exists reports whether key is held in this process.
func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locks[key]
	return ok, nil
}

// TTL returns TTLNoExpiry for held keys, since local locks never expire,
// and TTLAbsent otherwise.
func (l *Local) TTL(ctx context.Context, key string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.locks[key]; ok {
		return TTLNoExpiry, nil
	}
	return TTLAbsent, nil
}

// AcquireReentrant re-enters key if token owns it, else acquires it afresh.
func (l *Local) AcquireReentrant(ctx context.Context, key, token string, ttl time.Duration) (string, error) {
	if err := validTTL(ttl); err != nil {
		return "", err
	}
	l.mu.Lock()
	if st, ok := l.locks[key]; ok && st.token == token {
		st.count++
		st.ttl = ttl
		l.mu.Unlock()
		metrics.AcquireCounter.WithLabelValues(metrics.BackendLocal, metrics.ResultOK).Inc()
		return token, nil
	}
	l.mu.Unlock()
	return l.Acquire(ctx, key, ttl)
}

// ReleaseReentrant drops one hold; the lock is freed with the last one.
func (l *Local) ReleaseReentrant(ctx context.Context, key, token string) error {
	freed, err := l.release(key, token, false)
	if freed {
		l.publish(ctx, syncbus.UnlockTopic(key))
	}
	metrics.ReleaseCounter.WithLabelValues(metrics.BackendLocal, resultLabel(err)).Inc()
	return err
}
