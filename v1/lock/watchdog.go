package lock

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	warperrors "github.com/mirkobrombin/warplock/v1/errors"
	"github.com/mirkobrombin/warplock/v1/metrics"
)

const (
	DefaultWatchdogInterval = 10 * time.Second
	DefaultWatchdogDelay    = 10 * time.Second
	DefaultWatchdogTTL      = 30 * time.Second
)

// Renewer is the part of a Locker the watchdog needs.
type Renewer interface {
	IsOwner(ctx context.Context, key, token string) (bool, error)
	Extend(ctx context.Context, key, token string, ttl time.Duration) error
}

type registration struct {
	token   string
	enabled bool
}

// Watchdog keeps registered locks alive by extending them on a fixed delay
// while their token still owns the key. Entries whose lock was lost are
// dropped; entries whose check failed are kept for the next sweep.
type Watchdog struct {
	renewer  Renewer
	interval time.Duration
	delay    time.Duration
	ttl      time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	regs map[string]*registration

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// WatchdogOption configures a Watchdog.
type WatchdogOption func(*Watchdog)

// WithInterval sets the delay between two sweeps.
func WithInterval(d time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithInitialDelay sets the delay before the first sweep.
func WithInitialDelay(d time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		if d >= 0 {
			w.delay = d
		}
	}
}

// WithExtendTTL sets the TTL applied on every renewal.
func WithExtendTTL(d time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		if d > 0 {
			w.ttl = d
		}
	}
}

// WithWatchdogLogger sets the logger.
func WithWatchdogLogger(l *slog.Logger) WatchdogOption {
	return func(w *Watchdog) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatchdog returns a stopped watchdog renewing through r.
func NewWatchdog(r Renewer, opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		renewer:  r,
		interval: DefaultWatchdogInterval,
		delay:    DefaultWatchdogDelay,
		ttl:      DefaultWatchdogTTL,
		logger:   slog.Default(),
		regs:     make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register starts renewing key for token, replacing any previous entry.
func (w *Watchdog) Register(key, token string) {
	w.mu.Lock()
	w.regs[key] = &registration{token: token, enabled: true}
	n := len(w.regs)
	w.mu.Unlock()
	metrics.WatchdogRegistrations.Set(float64(n))
}

// Unregister stops renewing key.
func (w *Watchdog) Unregister(key string) {
	w.mu.Lock()
	delete(w.regs, key)
	n := len(w.regs)
	w.mu.Unlock()
	metrics.WatchdogRegistrations.Set(float64(n))
}

// unregisterToken removes key only if it is still registered for token.
func (w *Watchdog) unregisterToken(key, token string) bool {
	w.mu.Lock()
	reg, ok := w.regs[key]
	if ok && reg.token == token {
		delete(w.regs, key)
	}
	n := len(w.regs)
	w.mu.Unlock()
	metrics.WatchdogRegistrations.Set(float64(n))
	return ok && reg.token == token
}

// Disable keeps key registered but skips it during sweeps.
func (w *Watchdog) Disable(key string) {
	w.setEnabled(key, false)
}

// Enable resumes renewals for key. Unknown keys are ignored.
func (w *Watchdog) Enable(key string) {
	w.setEnabled(key, true)
}

func (w *Watchdog) setEnabled(key string, enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if reg, ok := w.regs[key]; ok {
		reg.enabled = enabled
	}
}

// Registrations returns a snapshot of key to token for every entry.
func (w *Watchdog) Registrations() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.regs))
	for k, reg := range w.regs {
		out[k] = reg.token
	}
	return out
}

// Start launches the sweep loop. Calling Start on a running watchdog is a
// no-op. The loop ends when ctx is done or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
}

// Stop ends the sweep loop and waits for an in-flight sweep to return.
func (w *Watchdog) Stop() {
	w.runMu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watchdog) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(w.delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		w.Sweep(ctx)
		// fixed delay: the next sweep is scheduled after this one returns
		timer.Reset(w.interval)
	}
}

// Sweep renews every enabled registration once.
func (w *Watchdog) Sweep(ctx context.Context) {
	w.mu.Lock()
	pending := make(map[string]string, len(w.regs))
	for k, reg := range w.regs {
		if reg.enabled {
			pending[k] = reg.token
		}
	}
	w.mu.Unlock()

	for key, token := range pending {
		if ctx.Err() != nil {
			return
		}
		w.renew(ctx, key, token)
	}
}

func (w *Watchdog) renew(ctx context.Context, key, token string) {
	owner, err := w.renewer.IsOwner(ctx, key, token)
	if stdErrors.Is(err, warperrors.ErrInterrupted) {
		// stopping
		return
	}
	if err != nil {
		w.logger.Error("warplock: watchdog ownership check failed", "key", key, "error", err)
		return
	}
	if !owner {
		w.lost(key, token)
		return
	}
	err = w.renewer.Extend(ctx, key, token, w.ttl)
	switch {
	case err == nil:
		metrics.WatchdogRenewals.Inc()
		w.logger.Debug("warplock: watchdog renewed lock", "key", key, "ttl", w.ttl)
	case stdErrors.Is(err, warperrors.ErrLockNotOwned):
		w.lost(key, token)
	case stdErrors.Is(err, warperrors.ErrInterrupted):
	default:
		w.logger.Error("warplock: watchdog renewal failed", "key", key, "error", err)
	}
}

func (w *Watchdog) lost(key, token string) {
	if w.unregisterToken(key, token) {
		metrics.WatchdogLost.Inc()
		w.logger.Warn("warplock: watchdog lost lock, unregistered", "key", key)
	}
}
