package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errRPC = errors.New("connection refused")

func newTestBreaker(clock *time.Time) *CircuitBreaker {
	cb := NewCircuitBreaker(&Config{
		Name:             "test",
		MaxFailures:      3,
		FailureThreshold: 0.5,
		Timeout:          10 * time.Second,
		HalfOpenMaxCalls: 2,
	})
	cb.now = func() time.Time { return *clock }
	cb.lastStateChange = *clock
	return cb
}

func fail() error    { return errRPC }
func succeed() error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := time.Unix(1000, 0)
	cb := newTestBreaker(&clock)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("GetState() = %v, want %v", cb.GetState(), StateOpen)
	}

	called := false
	err := cb.Execute(context.Background(), func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("Execute() on open circuit = %v, called = %v", err, called)
	}
}

func TestCircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	clock := time.Unix(1000, 0)
	cb := newTestBreaker(&clock)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}

	clock = clock.Add(11 * time.Second)

	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("first probe error = %v", err)
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("GetState() = %v, want %v", cb.GetState(), StateHalfOpen)
	}
	if err := cb.Execute(context.Background(), succeed); err != nil {
		t.Fatalf("second probe error = %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("GetState() = %v, want %v", cb.GetState(), StateClosed)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := time.Unix(1000, 0)
	cb := newTestBreaker(&clock)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
	clock = clock.Add(11 * time.Second)

	_ = cb.Execute(context.Background(), fail)
	if cb.GetState() != StateOpen {
		t.Errorf("GetState() = %v, want %v", cb.GetState(), StateOpen)
	}
}

func TestCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	clock := time.Unix(1000, 0)
	cb := newTestBreaker(&clock)
	revert := errors.New("execution reverted")
	cb.cfg.IsFailure = func(err error) bool { return !errors.Is(err, revert) }

	for i := 0; i < 10; i++ {
		if err := cb.Execute(context.Background(), func() error { return revert }); !errors.Is(err, revert) {
			t.Fatalf("Execute() error = %v, want revert passthrough", err)
		}
	}

	if cb.GetState() != StateClosed {
		t.Errorf("GetState() = %v, want %v", cb.GetState(), StateClosed)
	}
	if stats := cb.GetStats(); stats.Failures != 0 || stats.TotalCalls != 10 {
		t.Errorf("GetStats() = %+v, want 0 failures over 10 calls", stats)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	clock := time.Unix(1000, 0)
	cb := newTestBreaker(&clock)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}

	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Errorf("GetState() after Reset = %v, want %v", cb.GetState(), StateClosed)
	}
}
