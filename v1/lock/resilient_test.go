package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/warplock/v1/circuit"
	warperrors "github.com/mirkobrombin/warplock/v1/errors"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type resilientFixture struct {
	lock    *Resilient
	remote  *Redis
	local   *Local
	breaker *circuit.Breaker
	clock   *testClock
	mr      *miniredis.Miniredis
}

func newResilientFixture(t *testing.T, opts ...ResilientOption) *resilientFixture {
	t.Helper()
	remote, mr := newTestRedis(t)
	clock := &testClock{now: time.Unix(1700000000, 0)}
	breaker := circuit.New(circuit.WithClock(clock.Now))
	local := NewLocal()
	opts = append([]ResilientOption{WithBreaker(breaker), WithLocal(local)}, opts...)
	return &resilientFixture{
		lock:    NewResilient(remote, opts...),
		remote:  remote,
		local:   local,
		breaker: breaker,
		clock:   clock,
		mr:      mr,
	}
}

func TestResilientHealthyStore(t *testing.T) {
	f := newResilientFixture(t)
	ctx := context.Background()
	token, err := f.lock.Acquire(ctx, "batch:JOB1", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got, _ := f.mr.Get(KeyPrefix + "batch:JOB1"); got != token {
		t.Fatalf("expected lock in store, got %q", got)
	}
	if _, err := f.lock.Acquire(ctx, "batch:JOB1", 10*time.Second); !errors.Is(err, ErrLockAcquireFailed) {
		t.Fatalf("expected contention, got %v", err)
	}
	if !f.lock.IsCircuitClosed() {
		t.Fatal("contention must not open the circuit")
	}
	if err := f.lock.Release(ctx, "batch:JOB1", "other"); !errors.Is(err, ErrLockNotOwned) {
		t.Fatalf("expected not owned, got %v", err)
	}
	if !f.lock.IsCircuitClosed() {
		t.Fatal("ownership errors must not open the circuit")
	}
	if err := f.lock.Release(ctx, "batch:JOB1", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if f.mr.Exists(KeyPrefix + "batch:JOB1") {
		t.Fatal("expected lock removed from store")
	}
}

func TestResilientFallsBackDuringOutage(t *testing.T) {
	f := newResilientFixture(t)
	ctx := context.Background()
	f.mr.SetError(storeDown)

	token, err := f.lock.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("expected fallback acquire, got %v", err)
	}
	if f.lock.IsCircuitClosed() {
		t.Fatal("expected circuit to open")
	}
	if f.breaker.State() != circuit.StateOpen {
		t.Fatalf("expected open state got %v", f.breaker.State())
	}
	if !f.local.owns("k", token) {
		t.Fatal("expected token to be issued by the local fallback")
	}
	if _, err := f.lock.Acquire(ctx, "k", time.Second); !errors.Is(err, ErrLockAcquireFailed) {
		t.Fatalf("fallback must still exclude within the process, got %v", err)
	}
	if ttl, _ := f.lock.TTL(ctx, "k"); ttl != TTLNoExpiry {
		t.Fatalf("expected TTLNoExpiry for local lock got %v", ttl)
	}
	if err := f.lock.Release(ctx, "k", token); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestResilientRecovers(t *testing.T) {
	f := newResilientFixture(t)
	ctx := context.Background()
	f.mr.SetError(storeDown)
	localToken, err := f.lock.Acquire(ctx, "a", time.Second)
	if err != nil {
		t.Fatalf("fallback acquire: %v", err)
	}

	f.mr.SetError("")
	// still inside the cool-down, nothing reaches the store
	if _, err := f.lock.Acquire(ctx, "b", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if f.mr.Exists(KeyPrefix + "b") {
		t.Fatal("store was called while the circuit was open")
	}

	f.clock.Advance(circuit.DefaultCooldown)
	if !f.lock.IsCircuitClosed() {
		t.Fatal("circuit should be due for a probe after the cool-down")
	}
	token, err := f.lock.Acquire(ctx, "c", time.Second)
	if err != nil {
		t.Fatalf("probe acquire: %v", err)
	}
	if got, _ := f.mr.Get(KeyPrefix + "c"); got != token {
		t.Fatal("probe should have gone to the store")
	}
	if f.breaker.State() != circuit.StateClosed {
		t.Fatalf("expected closed state got %v", f.breaker.State())
	}

	// the key taken during the outage is still held in this process
	if _, err := f.lock.Acquire(ctx, "a", time.Second); !errors.Is(err, ErrLockAcquireFailed) {
		t.Fatalf("expected local holder to keep exclusion, got %v", err)
	}
	if err := f.lock.Release(ctx, "a", localToken); err != nil {
		t.Fatalf("release of local token after recovery: %v", err)
	}
	if _, err := f.lock.Acquire(ctx, "a", time.Second); err != nil {
		t.Fatalf("acquire after local release: %v", err)
	}
	if !f.mr.Exists(KeyPrefix + "a") {
		t.Fatal("expected fresh distributed acquisition")
	}
}

func TestResilientFailedProbeReopens(t *testing.T) {
	f := newResilientFixture(t)
	ctx := context.Background()
	f.mr.SetError(storeDown)
	if _, err := f.lock.Acquire(ctx, "a", time.Second); err != nil {
		t.Fatalf("fallback acquire: %v", err)
	}
	opened := f.breaker.LastFailure()

	f.clock.Advance(circuit.DefaultCooldown)
	if _, err := f.lock.Exists(ctx, "z"); err != nil {
		t.Fatalf("exists: %v", err)
	}
	if f.breaker.State() != circuit.StateOpen {
		t.Fatalf("failed probe should reopen, got %v", f.breaker.State())
	}
	if !f.breaker.LastFailure().After(opened) {
		t.Fatal("failed probe should restart the cool-down")
	}
}

func TestResilientInterruptedProbeIsAbandoned(t *testing.T) {
	f := newResilientFixture(t)
	f.mr.SetError(storeDown)
	if _, err := f.lock.Acquire(context.Background(), "a", time.Second); err != nil {
		t.Fatalf("fallback acquire: %v", err)
	}
	f.mr.SetError("")
	f.clock.Advance(circuit.DefaultCooldown)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.lock.Acquire(ctx, "b", time.Second); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected interrupted, got %v", err)
	}
	if f.breaker.State() != circuit.StateOpen {
		t.Fatalf("interrupted probe should hand the breaker back, got %v", f.breaker.State())
	}
	if _, err := f.lock.Acquire(context.Background(), "b", time.Second); err != nil {
		t.Fatalf("next probe: %v", err)
	}
	if f.breaker.State() != circuit.StateClosed {
		t.Fatalf("expected next probe to close the circuit, got %v", f.breaker.State())
	}
}

func TestResilientWithoutFallback(t *testing.T) {
	f := newResilientFixture(t)
	ctx := WithoutFallback(context.Background())
	f.mr.SetError(storeDown)

	_, err := f.lock.Acquire(ctx, "k", time.Second)
	if !errors.Is(err, warperrors.ErrStoreUnavailable) {
		t.Fatalf("expected store error, got %v", err)
	}
	if _, err := f.lock.Acquire(ctx, "k", time.Second); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if ok, _ := f.local.Exists(context.Background(), "k"); ok {
		t.Fatal("no local lock may be taken when fallback is off")
	}
}

func TestResilientFallbackDisabled(t *testing.T) {
	f := newResilientFixture(t, WithFallback(false))
	f.mr.SetError(storeDown)
	if _, err := f.lock.Acquire(context.Background(), "k", time.Second); !warperrors.IsInfrastructure(err) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
	if _, err := f.lock.Acquire(context.Background(), "k", time.Second); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
}

func TestResilientAcquireWithTimeoutFallsBackMidWait(t *testing.T) {
	f := newResilientFixture(t)
	ctx := context.Background()
	if _, err := f.remote.Acquire(ctx, "k", 10*time.Second); err != nil {
		t.Fatalf("remote acquire: %v", err)
	}
	time.AfterFunc(30*time.Millisecond, func() { f.mr.SetError(storeDown) })

	token, err := f.lock.AcquireWithTimeout(ctx, "k", time.Second, 2*time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("timed acquire: %v", err)
	}
	if !f.local.owns("k", token) {
		t.Fatal("expected the wait to end on the local fallback")
	}
}

func TestResilientAcquireWithTimeoutTimesOut(t *testing.T) {
	f := newResilientFixture(t)
	ctx := context.Background()
	if _, err := f.remote.Acquire(ctx, "k", 10*time.Second); err != nil {
		t.Fatalf("remote acquire: %v", err)
	}
	if _, err := f.lock.AcquireWithTimeout(ctx, "k", time.Second, 40*time.Millisecond, 10*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !f.lock.IsCircuitClosed() {
		t.Fatal("timeout must not open the circuit")
	}
}

func TestResilientReentrantOnFallback(t *testing.T) {
	f := newResilientFixture(t)
	ctx := context.Background()
	f.mr.SetError(storeDown)
	token, err := f.lock.AcquireReentrant(ctx, "k", "", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	f.mr.SetError("")
	f.clock.Advance(circuit.DefaultCooldown)

	if again, err := f.lock.AcquireReentrant(ctx, "k", token, time.Second); err != nil || again != token {
		t.Fatalf("reenter local token: %q %v", again, err)
	}
	if err := f.lock.ReleaseReentrant(ctx, "k", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := f.lock.ReleaseReentrant(ctx, "k", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := f.lock.Exists(ctx, "k"); ok {
		t.Fatal("expected lock to be freed")
	}
}

func TestResilientInvalidTTLDoesNotProbe(t *testing.T) {
	f := newResilientFixture(t)
	f.mr.SetError(storeDown)
	_, _ = f.lock.Acquire(context.Background(), "a", time.Second)
	f.clock.Advance(circuit.DefaultCooldown)
	if _, err := f.lock.Acquire(context.Background(), "b", 0); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("expected invalid ttl, got %v", err)
	}
	if f.breaker.State() != circuit.StateOpen {
		t.Fatalf("argument errors must not close the circuit, got %v", f.breaker.State())
	}
}

func TestResilientWatchdogRegistration(t *testing.T) {
	remote, mr := newTestRedis(t)
	wd := NewWatchdog(remote)
	breaker := circuit.New()
	r := NewResilient(remote, WithBreaker(breaker), WithWatchdog(wd))
	ctx := context.Background()

	token, err := r.AcquireWatched(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := wd.Registrations()["k"]; got != token {
		t.Fatalf("expected registration for %q got %q", token, got)
	}
	if err := r.Release(ctx, "k", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok := wd.Registrations()["k"]; ok {
		t.Fatal("release should unregister the key")
	}

	mr.SetError(storeDown)
	local, err := r.AcquireWatched(ctx, "j", time.Second)
	if err != nil {
		t.Fatalf("fallback acquire: %v", err)
	}
	if _, ok := wd.Registrations()["j"]; ok {
		t.Fatalf("local token %q must not be watched", local)
	}
}

func TestResilientRejectedCommandKeepsCircuitClosed(t *testing.T) {
	f := newResilientFixture(t)
	ctx := context.Background()
	f.mr.HSet(KeyPrefix+"k", "field", "value")

	err := f.lock.Release(ctx, "k", "tok")
	if err == nil || errors.Is(err, ErrLockNotOwned) {
		t.Fatalf("expected the store's reply to reach the caller, got %v", err)
	}
	if !f.lock.IsCircuitClosed() {
		t.Fatal("a reply from a reachable store must not open the circuit")
	}
	if f.breaker.State() != circuit.StateClosed {
		t.Fatalf("expected closed breaker, got %v", f.breaker.State())
	}
}
