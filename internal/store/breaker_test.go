package store

import (
	"errors"
	"testing"

	"ikid/internal/apperr"
)

func TestGuardOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewBreaker("test")
	boom := errors.New("connection refused")

	for i := 0; i < 3; i++ {
		if err := Guard(cb, func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected underlying error, got %v", i, err)
		}
	}

	called := false
	err := Guard(cb, func() error { called = true; return nil })
	if called {
		t.Fatal("fn should not run while the circuit is open")
	}
	if !errors.Is(err, apperr.ErrStoreUnavailable) {
		t.Fatalf("expected StoreUnavailable, got %v", err)
	}
}

func TestGuardIgnoresDomainErrors(t *testing.T) {
	cb := NewBreaker("test-domain")
	rejected := apperr.New(apperr.KindInvalidTransition, "already checked in")

	for i := 0; i < 5; i++ {
		if err := Guard(cb, func() error { return rejected }); !errors.Is(err, apperr.ErrInvalidTransition) {
			t.Fatalf("call %d: expected InvalidTransition, got %v", i, err)
		}
	}
	if err := Guard(cb, func() error { return nil }); err != nil {
		t.Fatalf("breaker should still be closed, got %v", err)
	}
}
