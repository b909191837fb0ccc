// Package arbiter implements the ResourceArbiter: the global
// concurrency cap and per-target memory budget the Executor reserves
// against before starting a target (spec.md §4.7).
package arbiter

import (
	"context"
	"sync"
	"time"

	"github.com/lithium-observatory/sequencer/internal/resilience"
	"github.com/lithium-observatory/sequencer/internal/taskmodel"
)

// Config carries the global caps. MaxConcurrentTargets = 0 means
// unlimited, per spec.md's Open-Question resolution.
type Config struct {
	MaxConcurrentTargets int
	TotalMemoryBytes     int64
}

// Reservation is returned on a successful Reserve call; the caller
// must call Release when the target finishes (success, failure, or
// cancellation) to return capacity to the pool.
type Reservation struct {
	memoryBytes int64
	slot        bool
}

// Arbiter grants/denies target reservations against the concurrency
// and memory caps. Concurrency slots are tracked with the teacher's
// HybridRateLimiter used as a counting semaphore (refill rate zero;
// tokens are returned explicitly by Release rather than by elapsed
// time), so a released slot wakes a queued waiter immediately. A
// RateLimiter on the side estimates wait time so an obviously-doomed
// request can fail fast instead of blocking to its full deadline.
type Arbiter struct {
	mu sync.Mutex

	unlimited bool
	slots     *resilience.HybridRateLimiter
	estimate  *resilience.RateLimiter
	maxSlots  int
	usedSlots int

	totalMemory int64
	usedMemory  int64
}

// New constructs an Arbiter from Config. A zero MaxConcurrentTargets
// bypasses the slot pool entirely (unlimited).
func New(cfg Config) *Arbiter {
	a := &Arbiter{
		unlimited:   cfg.MaxConcurrentTargets == 0,
		maxSlots:    cfg.MaxConcurrentTargets,
		totalMemory: cfg.TotalMemoryBytes,
	}
	if !a.unlimited {
		a.slots = resilience.NewHybridRateLimiter(cfg.MaxConcurrentTargets, 0, cfg.MaxConcurrentTargets*4, 50*time.Millisecond)
		a.estimate = resilience.NewRateLimiter(int64(cfg.MaxConcurrentTargets), 1.0/30.0, time.Minute, 0)
	}
	return a
}

// Reserve blocks until a concurrency slot is available, the deadline
// passes, or ctx is cancelled. The memory budget is checked once,
// without waiting: a request that does not fit fails immediately.
// A reservation failure is a soft failure
// (ErrResourceUnavailable), never a panic/exception (spec.md §4.7).
func (a *Arbiter) Reserve(ctx context.Context, memoryBytes int64, deadline time.Duration) (*Reservation, error) {
	if a.unlimited {
		return a.reserveMemoryOnly(ctx, memoryBytes, deadline)
	}

	if deadline > 0 && a.estimate.ReserveAfter(1) > deadline {
		return nil, taskmodel.NewError(taskmodel.ErrResourceUnavailable, "concurrency slot unlikely to free before deadline", nil)
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	if err := a.slots.AllowOrWait(waitCtx); err != nil {
		return nil, taskmodel.NewError(taskmodel.ErrResourceUnavailable, "concurrency slot unavailable before deadline", err)
	}
	a.estimate.AllowN(1)

	if !a.reserveMemory(memoryBytes) {
		a.slots.Release()
		return nil, taskmodel.NewError(taskmodel.ErrResourceUnavailable, "memory budget exhausted", nil)
	}

	a.mu.Lock()
	a.usedSlots++
	a.mu.Unlock()

	return &Reservation{memoryBytes: memoryBytes, slot: true}, nil
}

func (a *Arbiter) reserveMemoryOnly(ctx context.Context, memoryBytes int64, deadline time.Duration) (*Reservation, error) {
	if !a.reserveMemory(memoryBytes) {
		return nil, taskmodel.NewError(taskmodel.ErrResourceUnavailable, "memory budget exhausted", nil)
	}
	return &Reservation{memoryBytes: memoryBytes, slot: false}, nil
}

func (a *Arbiter) reserveMemory(memoryBytes int64) bool {
	if a.totalMemory <= 0 {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.usedMemory+memoryBytes > a.totalMemory {
		return false
	}
	a.usedMemory += memoryBytes
	return true
}

// Release returns a Reservation's resources to the pool. Safe to call
// exactly once per successful Reserve.
func (a *Arbiter) Release(r *Reservation) {
	if r == nil {
		return
	}
	a.mu.Lock()
	if r.slot && a.usedSlots > 0 {
		a.usedSlots--
	}
	if a.totalMemory > 0 {
		a.usedMemory -= r.memoryBytes
		if a.usedMemory < 0 {
			a.usedMemory = 0
		}
	}
	a.mu.Unlock()

	if r.slot {
		a.slots.Release()
	}
}

// InUse reports current concurrency slot usage and memory usage, used
// by getResourceUsage on the facade.
func (a *Arbiter) InUse() (slots int, memoryBytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usedSlots, a.usedMemory
}

// Unlimited reports whether the arbiter's concurrency cap is disabled.
func (a *Arbiter) Unlimited() bool { return a.unlimited }

// MaxSlots returns the concurrency cap, or 0 if unlimited.
func (a *Arbiter) MaxSlots() int { return a.maxSlots }

// Stop releases the arbiter's background workers.
func (a *Arbiter) Stop() {
	if a.slots != nil {
		a.slots.Stop()
	}
}
