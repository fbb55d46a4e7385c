package presets

import (
	"fmt"
	"log/slog"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/warplock/v1/circuit"
	"github.com/mirkobrombin/warplock/v1/lock"
	"github.com/mirkobrombin/warplock/v1/syncbus"
)

// Bus transports for lock events.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
	BusNATS   = "nats"
	BusKafka  = "kafka"
)

// RedisOptions configures the connection to Redis and the pieces built on it.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// Bus selects the lock event transport. Empty means BusRedis.
	Bus          string
	NATSURL      string
	KafkaBrokers []string
	KafkaTopic   string

	Cooldown         time.Duration
	WatchdogInterval time.Duration
	WatchdogTTL      time.Duration
	Logger           *slog.Logger
}

// Stack bundles a ready-to-use locker with the parts callers may need to
// reach directly.
type Stack struct {
	Locker lock.Locker
	Bus    syncbus.Bus

	// Set by NewRedisResilient only.
	Resilient *lock.Resilient
	Remote    *lock.Redis
	Watchdog  *lock.Watchdog
	Breaker   *circuit.Breaker

	closers []func()
}

// Healthy reports whether the shared store is considered reachable. A
// standalone stack is always healthy.
func (s *Stack) Healthy() bool {
	if s.Resilient == nil {
		return true
	}
	return s.Resilient.IsCircuitClosed()
}

// Close stops the watchdog and releases every connection, in reverse order of
// creation.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// NewRedisResilient creates a Redis-backed lock wrapped in a circuit breaker,
// with a local fallback and a watchdog renewing through Redis. The watchdog
// is returned stopped.
func NewRedisResilient(opts RedisOptions) (*Stack, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	s := &Stack{}
	s.closers = append(s.closers, func() { _ = client.Close() })

	bus, err := newBus(s, client, opts)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Bus = bus

	var breakerOpts []circuit.Option
	if opts.Cooldown > 0 {
		breakerOpts = append(breakerOpts, circuit.WithCooldown(opts.Cooldown))
	}
	s.Breaker = circuit.New(breakerOpts...)

	s.Remote = lock.NewRedis(client, lock.WithBus(bus), lock.WithRedisLogger(logger))
	s.Watchdog = lock.NewWatchdog(s.Remote,
		lock.WithInterval(opts.WatchdogInterval),
		lock.WithExtendTTL(opts.WatchdogTTL),
		lock.WithWatchdogLogger(logger),
	)
	s.closers = append(s.closers, s.Watchdog.Stop)

	local := lock.NewLocal(lock.WithLocalBus(bus))
	s.Resilient = lock.NewResilient(s.Remote,
		lock.WithLocal(local),
		lock.WithBreaker(s.Breaker),
		lock.WithWatchdog(s.Watchdog),
		lock.WithLogger(logger),
	)
	s.Locker = s.Resilient
	return s, nil
}

func newBus(s *Stack, client *redis.Client, opts RedisOptions) (syncbus.Bus, error) {
	switch opts.Bus {
	case BusMemory:
		return syncbus.NewInMemoryBus(), nil
	case "", BusRedis:
		b := syncbus.NewRedisBus(client)
		s.closers = append(s.closers, func() { _ = b.Close() })
		return syncbus.NewCircuitBreaker(b, nil), nil
	case BusNATS:
		url := opts.NATSURL
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url)
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		s.closers = append(s.closers, conn.Close)
		return syncbus.NewCircuitBreaker(syncbus.NewNATSBus(conn), nil), nil
	case BusKafka:
		b, err := syncbus.NewKafkaBus(opts.KafkaBrokers, opts.KafkaTopic, sarama.NewConfig())
		if err != nil {
			return nil, fmt.Errorf("kafka bus: %w", err)
		}
		s.closers = append(s.closers, b.Close)
		return syncbus.NewCircuitBreaker(b, nil), nil
	}
	return nil, fmt.Errorf("unknown bus %q", opts.Bus)
}

// NewInMemoryStandalone creates a process-local lock with an in-memory event
// bus and no external dependencies. Useful for local development.
func NewInMemoryStandalone() *Stack {
	bus := syncbus.NewInMemoryBus()
	return &Stack{
		Locker: lock.NewLocal(lock.WithLocalBus(bus)),
		Bus:    bus,
	}
}
