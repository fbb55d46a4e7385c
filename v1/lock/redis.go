package lock

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/warplock/v1/errors"
	"github.com/mirkobrombin/warplock/v1/metrics"
	"github.com/mirkobrombin/warplock/v1/syncbus"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	discardTimeout        = time.Second
)

// outageReplies are error reply prefixes sent by a server that cannot serve
// the request right now. Any other reply comes from a healthy server.
var outageReplies = []string{"LOADING ", "READONLY ", "MASTERDOWN ", "CLUSTERDOWN ", "TRYAGAIN ", "OOM "}

var tracer = otel.Tracer("github.com/mirkobrombin/warplock/v1/lock")

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// reenterScript returns 2 when ARGV[1] already owns the key (TTL refreshed),
// 1 when the key was free and is now held by ARGV[2], 0 when someone else
// holds it.
var reenterScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur and cur == ARGV[1] then
    redis.call("PEXPIRE", KEYS[1], ARGV[3])
    return 2
end
if cur then
    return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// Redis implements Locker using a Redis backend.
type Redis struct {
	client  redis.UniversalClient
	bus     syncbus.Bus
	prefix  string
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	holds map[string]*hold
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithKeyPrefix overrides KeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithTimeout sets the per-operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithBus sets the bus used to announce lock and unlock events.
func WithBus(bus syncbus.Bus) RedisOption {
	return func(r *Redis) {
		r.bus = bus
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRedis returns a new Redis locker using the provided client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:  client,
		prefix:  KeyPrefix,
		timeout: defaultRedisOpTimeout,
		logger:  slog.Default(),
		holds:   make(map[string]*hold),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.bus = syncbus.NewInMemoryBus()
	}
	return r
}

// Acquire performs a single SET NX PX. It fails with ErrLockAcquireFailed if
// the key is already held.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	ctx, span := r.startSpan(ctx, "Lock.Acquire", key)
	defer span.End()
	token, err := r.acquire(ctx, key, ttl)
	r.finish(span, metrics.AcquireCounter, err)
	return token, err
}

func (r *Redis) acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := validTTL(ttl); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", warperrors.Interrupted(ctx)
	}
	token := newToken()
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ok, err := r.client.SetNX(cctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		r.discard(ctx, key, token)
		return "", r.storeErr(ctx, err)
	}
	if !ok {
		return "", warperrors.ErrLockAcquireFailed
	}
	r.publish(ctx, syncbus.LockTopic(key))
	return token, nil
}

// AcquireWithTimeout retries Acquire until it succeeds or maxWait elapses.
// Between attempts it sleeps retryInterval, waking early when an unlock event
// for key arrives on the bus. There is no queue: whoever retries first after
// a release wins.
func (r *Redis) AcquireWithTimeout(ctx context.Context, key string, ttl, maxWait, retryInterval time.Duration) (string, error) {
	ctx, span := r.startSpan(ctx, "Lock.AcquireWithTimeout", key)
	defer span.End()
	start := time.Now()
	token, err := r.acquireWithTimeout(ctx, key, ttl, maxWait, retryInterval)
	if err == nil {
		metrics.AcquireWait.Observe(time.Since(start).Seconds())
	}
	r.finish(span, metrics.AcquireCounter, err)
	return token, err
}

func (r *Redis) acquireWithTimeout(ctx context.Context, key string, ttl, maxWait, retryInterval time.Duration) (string, error) {
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	deadline := time.Now().Add(maxWait)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	wake, err := r.bus.Subscribe(subCtx, syncbus.UnlockTopic(key))
	if err != nil {
		r.logger.Debug("warplock: unlock subscription failed, polling only", "key", key, "error", err)
		wake = nil
	}

	for {
		token, err := r.acquire(ctx, key, ttl)
		if err == nil {
			return token, nil
		}
		if !stdErrors.Is(err, warperrors.ErrLockAcquireFailed) {
			return "", err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", warperrors.ErrLockTimeout
		}
		open, err := sleepOrWake(ctx, min(retryInterval, remaining), wake)
		if err != nil {
			return "", err
		}
		if !open {
			// the bus dropped the subscription, keep polling without it
			wake = nil
		}
	}
}

// Release deletes the lock only if token is the current owner, atomically.
func (r *Redis) Release(ctx context.Context, key, token string) error {
	ctx, span := r.startSpan(ctx, "Lock.Release", key)
	defer span.End()
	err := r.release(ctx, key, token)
	if err == nil || stdErrors.Is(err, warperrors.ErrLockNotOwned) {
		r.mu.Lock()
		if h, ok := r.holds[key]; ok && h.token == token {
			delete(r.holds, key)
		}
		r.mu.Unlock()
	}
	r.finish(span, metrics.ReleaseCounter, err)
	return err
}

func (r *Redis) release(ctx context.Context, key, token string) error {
	if err := ctx.Err(); err != nil {
		return warperrors.Interrupted(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := delScript.Run(cctx, r.client, []string{r.prefix + key}, token).Int64()
	if err != nil {
		return r.storeErr(ctx, err)
	}
	if n == 0 {
		return warperrors.ErrLockNotOwned
	}
	r.publish(ctx, syncbus.UnlockTopic(key))
	return nil
}

// Extend resets the TTL to ttl only if token is the current owner.
func (r *Redis) Extend(ctx context.Context, key, token string, ttl time.Duration) error {
	ctx, span := r.startSpan(ctx, "Lock.Extend", key)
	defer span.End()
	err := r.extend(ctx, key, token, ttl)
	r.finish(span, metrics.ExtendCounter, err)
	return err
}

func (r *Redis) extend(ctx context.Context, key, token string, ttl time.Duration) error {
	if err := validTTL(ttl); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return warperrors.Interrupted(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := extendScript.Run(cctx, r.client, []string{r.prefix + key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return r.storeErr(ctx, err)
	}
	if n == 0 {
		return warperrors.ErrLockNotOwned
	}
	return nil
}

// IsOwner reports whether token currently owns key. The answer may be stale
// by the time the caller acts on it.
func (r *Redis) IsOwner(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, warperrors.Interrupted(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	cur, err := r.client.Get(cctx, r.prefix+key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, r.storeErr(ctx, err)
	}
	return cur == token, nil
}

// Exists reports whether key is locked.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, warperrors.Interrupted(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Exists(cctx, r.prefix+key).Result()
	if err != nil {
		return false, r.storeErr(ctx, err)
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of key, TTLNoExpiry or TTLAbsent.
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, warperrors.Interrupted(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	d, err := r.client.PTTL(cctx, r.prefix+key).Result()
	if err != nil {
		return 0, r.storeErr(ctx, err)
	}
	switch d {
	case -1:
		return TTLNoExpiry, nil
	case -2:
		return TTLAbsent, nil
	}
	return d, nil
}

// AcquireReentrant re-enters key when token already owns it, refreshing the
// TTL, and otherwise falls back to a fresh conditional set with a new token.
// Ownership check and set run in one script.
func (r *Redis) AcquireReentrant(ctx context.Context, key, token string, ttl time.Duration) (string, error) {
	ctx, span := r.startSpan(ctx, "Lock.AcquireReentrant", key)
	defer span.End()
	tok, err := r.acquireReentrant(ctx, key, token, ttl)
	r.finish(span, metrics.AcquireCounter, err)
	return tok, err
}

func (r *Redis) acquireReentrant(ctx context.Context, key, token string, ttl time.Duration) (string, error) {
	if err := validTTL(ttl); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", warperrors.Interrupted(ctx)
	}
	fresh := newToken()
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := reenterScript.Run(cctx, r.client, []string{r.prefix + key}, token, fresh, ttl.Milliseconds()).Int64()
	if err != nil {
		r.discard(ctx, key, fresh)
		return "", r.storeErr(ctx, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch res {
	case 2:
		if h, ok := r.holds[key]; ok && h.token == token {
			h.count++
		} else {
			// held by this token but not through this instance
			r.holds[key] = &hold{token: token, count: 2}
		}
		return token, nil
	case 1:
		r.holds[key] = &hold{token: fresh, count: 1}
		r.publish(ctx, syncbus.LockTopic(key))
		return fresh, nil
	}
	return "", warperrors.ErrLockAcquireFailed
}

// ReleaseReentrant drops one hold of key. The Redis record is deleted only
// when the last hold goes away.
func (r *Redis) ReleaseReentrant(ctx context.Context, key, token string) error {
	r.mu.Lock()
	h, ok := r.holds[key]
	if ok && h.token == token && h.count > 1 {
		r.mu.Unlock()
		owner, err := r.IsOwner(ctx, key, token)
		if err != nil {
			return err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.holds[key] != h {
			return warperrors.ErrLockNotOwned
		}
		if !owner {
			delete(r.holds, key)
			return warperrors.ErrLockNotOwned
		}
		h.count--
		return nil
	}
	r.mu.Unlock()
	return r.Release(ctx, key, token)
}

// holdCount returns how many reentrant holds token has on key.
func (r *Redis) holdCount(key, token string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.holds[key]; ok && h.token == token {
		return h.count
	}
	return 0
}

func (r *Redis) publish(ctx context.Context, topic string) {
	if err := r.bus.Publish(ctx, topic); err != nil {
		r.logger.Warn("warplock: lock event publish failed", "topic", topic, "error", err)
	}
}

// discard removes a record whose SET may have been applied even though the
// reply never arrived. It runs detached from ctx so an interrupted acquire
// leaves nothing behind under a token nobody holds.
func (r *Redis) discard(ctx context.Context, key, token string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), min(r.timeout, discardTimeout))
	defer cancel()
	if err := delScript.Run(cctx, r.client, []string{r.prefix + key}, token).Err(); err != nil {
		r.logger.Debug("warplock: discarding unconfirmed lock failed", "key", key, "error", err)
	}
}

// storeErr classifies a Redis failure. A done caller context always wins, so
// an abandoned call is reported as an interruption rather than an outage.
// Error replies from a reachable server are not infrastructure failures.
func (r *Redis) storeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return warperrors.Interrupted(ctx)
	}
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return warperrors.ErrConnectionClosed
	}
	var reply redis.Error
	if stdErrors.As(err, &reply) && !isOutageReply(reply.Error()) {
		return fmt.Errorf("warplock: store rejected command: %w", err)
	}
	return fmt.Errorf("%w: %w", warperrors.ErrStoreUnavailable, err)
}

func isOutageReply(msg string) bool {
	for _, prefix := range outageReplies {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

func (r *Redis) startSpan(ctx context.Context, name, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("warplock.key", key)))
}

func (r *Redis) finish(span trace.Span, counter *prometheus.CounterVec, err error) {
	result := resultLabel(err)
	span.SetAttributes(attribute.String("warplock.result", result))
	if result == metrics.ResultError {
		span.RecordError(err)
	}
	counter.WithLabelValues(metrics.BackendRedis, result).Inc()
}
