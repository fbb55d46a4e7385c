// Package circuit provides the closed/open/half-open state machine used to
// stop calling a failing dependency for a cool-down period.
package circuit

import (
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

const (
	DefaultThreshold = 1
	DefaultCooldown  = 30 * time.Second
)

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets how many consecutive failures open a closed breaker.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays open before a probe.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// Breaker tracks the health of a dependency. It is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	threshold int
	cooldown  time.Duration
	lastFail  time.Time
	now       func() time.Time
}

// New returns a closed Breaker.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:     StateClosed,
		threshold: DefaultThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may go to the dependency. Once the cool-down
// has elapsed exactly one caller is admitted as the half-open probe; everyone
// else keeps being refused until that probe reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFail) >= b.cooldown {
			b.state = StateHalfOpen
			return true
		}
		return false
	}
	return false
}

// Success records a call that reached the dependency. It returns true when
// the call was the half-open probe and closed the breaker. A straggler that
// succeeds while the breaker is open does not cut the cool-down short.
func (b *Breaker) Success() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		b.state = StateClosed
		b.failures = 0
		return true
	}
	b.failures = 0
	return false
}

// Failure records a connectivity failure. It returns true when the call moved
// the breaker to open.
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFail = b.now()
	b.failures++
	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			b.state = StateOpen
			return true
		}
	case StateHalfOpen:
		b.state = StateOpen
		return true
	case StateOpen:
		// a straggler that was admitted before the breaker opened
	}
	return false
}

// Abandon hands back a half-open probe whose outcome is unknown, so the next
// caller can probe again without waiting for another cool-down.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.state = StateOpen
	}
}

// IsClosed reports whether calls are currently expected to reach the
// dependency: the breaker is closed, or it is open and due for a probe.
func (b *Breaker) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		return b.now().Sub(b.lastFail) >= b.cooldown
	}
	return b.state == StateClosed
}

// State returns the raw state without applying the cool-down.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// LastFailure returns the time of the most recent recorded failure.
func (b *Breaker) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFail
}
