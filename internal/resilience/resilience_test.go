package resilience

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterBasic(t *testing.T) {
	rl := NewRateLimiter(5, 5, time.Second, 10)
	for i := 0; i < 5; i++ {
		if !rl.Allow() {
			t.Fatalf("expected allow %d", i)
		}
	}
	if rl.Allow() {
		t.Fatalf("expected deny after capacity")
	}
	time.Sleep(1100 * time.Millisecond)
	if !rl.Allow() {
		t.Fatalf("expected allow after refill")
	}
}

func TestRateLimiterReserveAfter(t *testing.T) {
	rl := NewRateLimiter(2, 2, time.Second, 0)
	rl.AllowN(2)
	wait := rl.ReserveAfter(2)
	if wait <= 0 {
		t.Fatalf("expected positive wait once bucket is drained, got %v", wait)
	}
}

func TestCircuitBreakerAdaptive(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(2*time.Second, 4, 4, 0.5, 500*time.Millisecond, 2)
	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("should allow while closed")
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("should be open and deny")
	}
	time.Sleep(600 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("half-open probe should allow")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("second probe should allow")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("breaker should be closed after successful probes")
	}
}

func TestHybridRateLimiterAllowOrWait(t *testing.T) {
	rl := NewHybridRateLimiter(1, 10, 4, 20*time.Millisecond)
	defer rl.Stop()
	if err := rl.AllowOrWait(context.Background()); err != nil {
		t.Fatalf("expected immediate allow for first token, got %v", err)
	}
}
