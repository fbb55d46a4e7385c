package presets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"

	"github.com/mirkobrombin/warplock/v1/lock"
)

func TestNewInMemoryStandalone(t *testing.T) {
	s := NewInMemoryStandalone()
	defer s.Close()
	ctx := context.Background()

	token, err := s.Locker.Acquire(ctx, "foo", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := s.Locker.Acquire(ctx, "foo", time.Minute); !errors.Is(err, lock.ErrLockAcquireFailed) {
		t.Fatalf("expected contention, got %v", err)
	}
	if err := s.Locker.Release(ctx, "foo", token); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !s.Healthy() {
		t.Fatal("standalone stack should always be healthy")
	}
}

func TestNewRedisResilient(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	s, err := NewRedisResilient(RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisResilient: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	token, err := s.Locker.Acquire(ctx, "foo", time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if got, _ := mr.Get(lock.KeyPrefix + "foo"); got != token {
		t.Fatalf("expected token in redis, got %q", got)
	}
	if err := s.Locker.Release(ctx, "foo", token); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !s.Healthy() {
		t.Fatal("expected healthy stack")
	}
}

func TestNewRedisResilientWatchdog(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	s, err := NewRedisResilient(RedisOptions{Addr: mr.Addr(), Bus: BusMemory, WatchdogTTL: time.Minute})
	if err != nil {
		t.Fatalf("NewRedisResilient: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Resilient.AcquireWatched(ctx, "job", time.Second); err != nil {
		t.Fatalf("AcquireWatched failed: %v", err)
	}
	s.Watchdog.Sweep(ctx)
	if got := mr.TTL(lock.KeyPrefix + "job"); got != time.Minute {
		t.Fatalf("expected watchdog ttl, got %v", got)
	}
}

func TestNewRedisResilientNATSBus(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	ns := natsserver.RunRandClientPortServer()
	defer ns.Shutdown()

	s, err := NewRedisResilient(RedisOptions{Addr: mr.Addr(), Bus: BusNATS, NATSURL: ns.ClientURL()})
	if err != nil {
		t.Fatalf("NewRedisResilient: %v", err)
	}
	defer s.Close()
	if _, err := s.Locker.Acquire(context.Background(), "foo", time.Minute); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
}

func TestNewRedisResilientUnknownBus(t *testing.T) {
	if _, err := NewRedisResilient(RedisOptions{Addr: "127.0.0.1:0", Bus: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown bus")
	}
}
