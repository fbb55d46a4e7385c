package main

import (
	"testing"
	"time"
)

func TestParseFlagsEnvOverrides(t *testing.T) {
	t.Setenv("WARPLOCK_REDIS_ADDR", "redis:6380")
	t.Setenv("WARPLOCK_COOLDOWN", "5s")
	c, err := parseFlags([]string{"-bus", "nats"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.redisAddr != "redis:6380" {
		t.Fatalf("expected env redis addr, got %q", c.redisAddr)
	}
	if c.cooldown != 5*time.Second {
		t.Fatalf("expected env cooldown, got %v", c.cooldown)
	}
	if c.bus != "nats" {
		t.Fatalf("expected flag bus, got %q", c.bus)
	}
}

func TestParseFlagsCommandLineWins(t *testing.T) {
	t.Setenv("WARPLOCK_ADDR", ":9000")
	c, err := parseFlags([]string{"-addr", ":9100"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.addr != ":9100" {
		t.Fatalf("expected flag to win, got %q", c.addr)
	}
}

func TestParseFlagsBadEnv(t *testing.T) {
	t.Setenv("WARPLOCK_REDIS_DB", "three")
	if _, err := parseFlags(nil); err == nil {
		t.Fatal("expected error for malformed env value")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger("debug", "json"); err != nil {
		t.Fatalf("json logger: %v", err)
	}
	if _, err := newLogger("loud", "text"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := newLogger("info", "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a:9092, ,b:9092 ")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", got)
	}
	if splitList("") != nil {
		t.Fatal("expected nil for empty list")
	}
}
