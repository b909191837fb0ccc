package arbiter

import (
	"context"
	"testing"
	"time"

	"github.com/lithium-observatory/sequencer/internal/taskmodel"
)

func TestUnlimitedBypassesSlotPool(t *testing.T) {
	a := New(Config{MaxConcurrentTargets: 0})
	defer a.Stop()

	for i := 0; i < 50; i++ {
		r, err := a.Reserve(context.Background(), 0, time.Second)
		if err != nil {
			t.Fatalf("unlimited arbiter should never deny, got %v", err)
		}
		a.Release(r)
	}
}

func TestConcurrencyCapDeniesBeyondCapacity(t *testing.T) {
	a := New(Config{MaxConcurrentTargets: 2})
	defer a.Stop()

	r1, err := a.Reserve(context.Background(), 0, time.Second)
	if err != nil {
		t.Fatalf("first reservation should succeed: %v", err)
	}
	r2, err := a.Reserve(context.Background(), 0, time.Second)
	if err != nil {
		t.Fatalf("second reservation should succeed: %v", err)
	}

	_, err = a.Reserve(context.Background(), 0, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("third reservation should fail soft, pool is full")
	}
	if taskmodel.Kind(err) != taskmodel.ErrResourceUnavailable {
		t.Fatalf("expected ResourceUnavailable, got %v", taskmodel.Kind(err))
	}

	a.Release(r1)
	a.Release(r2)
}

func TestReleaseUnblocksWaiter(t *testing.T) {
	a := New(Config{MaxConcurrentTargets: 1})
	defer a.Stop()

	r1, err := a.Reserve(context.Background(), 0, time.Second)
	if err != nil {
		t.Fatalf("first reservation should succeed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		r2, err := a.Reserve(context.Background(), 0, 2*time.Second)
		if err == nil {
			a.Release(r2)
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	a.Release(r1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter should have been granted the released slot: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter was never unblocked by release")
	}
}

func TestMemoryBudgetExhaustion(t *testing.T) {
	a := New(Config{MaxConcurrentTargets: 0, TotalMemoryBytes: 100})
	defer a.Stop()

	r1, err := a.Reserve(context.Background(), 80, time.Second)
	if err != nil {
		t.Fatalf("first reservation should fit: %v", err)
	}
	_, err = a.Reserve(context.Background(), 50, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("second reservation should exceed memory budget")
	}
	a.Release(r1)
	if _, err := a.Reserve(context.Background(), 50, time.Second); err != nil {
		t.Fatalf("reservation should succeed after release frees memory: %v", err)
	}
}
