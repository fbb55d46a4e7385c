package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassification(t *testing.T) {
	cases := map[string]struct {
		err   error
		infra bool
		cont  bool
	}{
		"nil":           {nil, false, false},
		"acquireFailed": {ErrLockAcquireFailed, false, true},
		"timeout":       {ErrLockTimeout, false, true},
		"notOwned":      {ErrLockNotOwned, false, false},
		"storeTimeout":  {ErrTimeout, true, false},
		"closed":        {ErrConnectionClosed, true, false},
		"wrapped":       {fmt.Errorf("%w: %w", ErrStoreUnavailable, errors.New("dial tcp: refused")), true, false},
		"interrupted":   {Interrupted(canceledCtx()), false, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := IsInfrastructure(tc.err); got != tc.infra {
				t.Fatalf("IsInfrastructure = %v, want %v", got, tc.infra)
			}
			if got := IsContention(tc.err); got != tc.cont {
				t.Fatalf("IsContention = %v, want %v", got, tc.cont)
			}
		})
	}
}

func TestInterruptedKeepsCause(t *testing.T) {
	err := Interrupted(canceledCtx())
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
}

func canceledCtx() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
