package syncbus

import (
	"context"

	"github.com/mirkobrombin/warplock/v1/circuit"
	warperrors "github.com/mirkobrombin/warplock/v1/errors"
)

// ErrCircuitOpen is returned by CircuitBreakerBus while the breaker is open.
var ErrCircuitOpen = warperrors.ErrCircuitOpen

// CircuitBreakerBus decorates a Bus with circuit breaker logic so a dead
// transport does not add latency to every lock operation that announces an
// event.
type CircuitBreakerBus struct {
	bus     Bus
	breaker *circuit.Breaker
}

// NewCircuitBreaker returns a new CircuitBreakerBus. A nil breaker gets the
// package defaults.
func NewCircuitBreaker(bus Bus, breaker *circuit.Breaker) *CircuitBreakerBus {
	if breaker == nil {
		breaker = circuit.New()
	}
	return &CircuitBreakerBus{bus: bus, breaker: breaker}
}

// IsHealthy returns true if the circuit is closed.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	return cb.breaker.IsClosed()
}

// Publish implements Bus.Publish with circuit breaker logic.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, key string) error {
	if !cb.breaker.Allow() {
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, key)
	switch {
	case err == nil:
		cb.breaker.Success()
	case ctx.Err() != nil:
		cb.breaker.Abandon()
	default:
		cb.breaker.Failure()
	}
	return err
}

func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	return cb.bus.Subscribe(ctx, key)
}

func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	return cb.bus.Unsubscribe(ctx, key, ch)
}
