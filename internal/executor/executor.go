package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lithium-observatory/sequencer/internal/arbiter"
	"github.com/lithium-observatory/sequencer/internal/corectx"
	"github.com/lithium-observatory/sequencer/internal/resilience"
	"github.com/lithium-observatory/sequencer/internal/targetmodel"
	"github.com/lithium-observatory/sequencer/internal/taskmodel"
)

// RecoveryStrategy governs what happens to a target when one of its
// tasks fails terminally after exhausting its own retries (spec.md §4.2).
type RecoveryStrategy string

const (
	RecoveryStop        RecoveryStrategy = "Stop"
	RecoverySkip        RecoveryStrategy = "Skip"
	RecoveryRetry       RecoveryStrategy = "Retry"
	RecoveryAlternative RecoveryStrategy = "Alternative"
)

// FlipNotifier is the narrow surface the Executor needs back onto the
// Scheduler once a synthesized MeridianFlip task finishes, releasing
// the single-flip-in-flight guard.
type FlipNotifier interface {
	MarkFlipComplete()
}

// Executor runs targets end-to-end: one target's tasks run
// sequentially in declared order; across targets, up to
// ThreadPoolSize run concurrently, further bounded by the
// ResourceArbiter's concurrency cap (spec.md §4.5, §4.7). The
// worker-slot/dispatch shape is grounded on the teacher's dag_engine.go
// executeDAG/worker goroutine-per-slot pattern, generalized from
// task-level to target-level units of work.
type Executor struct {
	ec   *corectx.ExecutionContext
	arb  *arbiter.Arbiter
	flip FlipNotifier

	sem chan struct{} // caps total concurrently-running RunTarget calls (thread_pool_size)

	recoveryMu sync.RWMutex
	recovery   RecoveryStrategy

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker

	deviceLocksMu sync.Mutex
	deviceLocks   map[string]*sync.Mutex

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool

	stopping chan struct{}
	stopOnce sync.Once

	wg sync.WaitGroup
}

// New constructs an Executor. threadPoolSize defaults to 4 when <= 0,
// matching spec.md's stated default.
func New(ec *corectx.ExecutionContext, arb *arbiter.Arbiter, threadPoolSize int, recovery RecoveryStrategy, flip FlipNotifier) *Executor {
	if threadPoolSize <= 0 {
		threadPoolSize = 4
	}
	e := &Executor{
		ec:          ec,
		arb:         arb,
		flip:        flip,
		sem:         make(chan struct{}, threadPoolSize),
		recovery:    recovery,
		breakers:    make(map[string]*resilience.CircuitBreaker),
		deviceLocks: make(map[string]*sync.Mutex),
		stopping:    make(chan struct{}),
	}
	e.pauseCond = sync.NewCond(&e.pauseMu)
	return e
}

func (e *Executor) SetRecoveryStrategy(r RecoveryStrategy) {
	e.recoveryMu.Lock()
	e.recovery = r
	e.recoveryMu.Unlock()
}

func (e *Executor) RecoveryStrategy() RecoveryStrategy {
	e.recoveryMu.RLock()
	defer e.recoveryMu.RUnlock()
	return e.recovery
}

// Pause stops the Executor from starting any new task; tasks already
// running continue to completion (spec.md §4.5 pause correctness).
func (e *Executor) Pause() {
	e.pauseMu.Lock()
	e.paused = true
	e.pauseMu.Unlock()
}

// Resume releases any goroutines blocked at a task-boundary pause gate.
func (e *Executor) Resume() {
	e.pauseMu.Lock()
	e.paused = false
	e.pauseMu.Unlock()
	e.pauseCond.Broadcast()
}

// RequestStop cancels nothing by itself (the caller's ctx does that);
// it marks the Executor so RunTarget stops dispatching further tasks
// and unblocks any paused waiter so it can observe the stop.
func (e *Executor) RequestStop() {
	e.stopOnce.Do(func() { close(e.stopping) })
	e.pauseCond.Broadcast()
}

// Wait blocks until all in-flight RunTarget calls return, or the
// deadline elapses first. Used to bound the "Stopping" state
// (spec.md §4.5: stop is bounded by global_timeout/4).
func (e *Executor) Wait(deadline time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	if deadline <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(deadline):
		return false
	}
}

func (e *Executor) breakerFor(device string) *resilience.CircuitBreaker {
	if device == "" {
		return nil
	}
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	b, ok := e.breakers[device]
	if !ok {
		b = resilience.NewCircuitBreakerAdaptive(time.Minute, 6, 5, 0.5, 30*time.Second, 2)
		e.breakers[device] = b
	}
	return b
}

func (e *Executor) lockFor(device string) *sync.Mutex {
	e.deviceLocksMu.Lock()
	defer e.deviceLocksMu.Unlock()
	l, ok := e.deviceLocks[device]
	if !ok {
		l = &sync.Mutex{}
		e.deviceLocks[device] = l
	}
	return l
}

// waitForDispatch blocks while the Executor is paused, returning false
// immediately if a stop has been requested in the meantime.
func (e *Executor) waitForDispatch() bool {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	for e.paused {
		select {
		case <-e.stopping:
			return false
		default:
		}
		e.pauseCond.Wait()
	}
	select {
	case <-e.stopping:
		return false
	default:
		return true
	}
}

// targetMemoryEstimate sums the declared memory limits of a target's
// tasks, used as the arbiter's per-target memory reservation.
func targetMemoryEstimate(tg *targetmodel.Target) int64 {
	var total int64
	for _, t := range tg.Tasks() {
		total += t.ResourceLimits().MemoryBytes
	}
	return total
}

// RunTarget reserves a worker slot and arbiter capacity, then runs
// tg's tasks sequentially until completion, a Stop-recovery failure,
// or a session stop request. It blocks the caller until the target
// reaches a terminal status.
func (e *Executor) RunTarget(ctx context.Context, tg *targetmodel.Target) error {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	var deadline time.Duration
	if secs := tg.Timeout(); secs > 0 {
		deadline = time.Duration(secs) * time.Second
	}
	res, err := e.arb.Reserve(ctx, targetMemoryEstimate(tg), deadline)
	if err != nil {
		return err
	}
	defer e.arb.Release(res)

	e.wg.Add(1)
	defer e.wg.Done()

	return e.runTargetLocked(ctx, tg, 0)
}

// runTargetLocked is the sequential task loop; retryAttempt tracks
// Retry-recovery recursion depth to bound it to a single retry, so a
// perpetually-failing target cannot spin forever.
func (e *Executor) runTargetLocked(ctx context.Context, tg *targetmodel.Target, retryAttempt int) error {
	tg.SetStatus(targetmodel.StatusInProgress)
	e.ec.Publish(corectx.Event{Kind: corectx.EventTargetStarted, TargetName: tg.Name()})

	tasks := tg.Tasks()
	for i, t := range tasks {
		if !e.waitForDispatch() {
			tg.SetStatus(targetmodel.StatusFailed)
			tg.SetFailureReason("session stopped")
			e.ec.Publish(corectx.Event{Kind: corectx.EventTargetFailed, TargetName: tg.Name()})
			return taskmodel.NewError(taskmodel.ErrCancelled, "session stopped before target completed", nil)
		}
		if ctx.Err() != nil {
			tg.SetStatus(targetmodel.StatusFailed)
			tg.SetFailureReason(ctx.Err().Error())
			e.ec.Publish(corectx.Event{Kind: corectx.EventTargetFailed, TargetName: tg.Name()})
			return ctx.Err()
		}

		runErr := e.runOneTask(ctx, t)
		if runErr == nil {
			if t.Type() == TaskTypeMeridianFlip && e.flip != nil {
				e.flip.MarkFlipComplete()
			}
			continue
		}

		return e.applyRecovery(ctx, tg, tasks[i+1:], runErr, retryAttempt)
	}

	if tg.AllTasksTerminalSuccess() {
		tg.SetStatus(targetmodel.StatusCompleted)
		e.ec.Publish(corectx.Event{Kind: corectx.EventTargetCompleted, TargetName: tg.Name()})
		return nil
	}
	tg.SetStatus(targetmodel.StatusFailed)
	tg.SetFailureReason("one or more tasks did not complete")
	e.ec.Publish(corectx.Event{Kind: corectx.EventTargetFailed, TargetName: tg.Name()})
	return taskmodel.NewError(taskmodel.ErrSystemError, "target finished with incomplete tasks", nil)
}

// runOneTask enforces the single-writer device contract (spec.md §5)
// around Task.Execute: a device already claimed by another in-flight
// task fails fast with ErrDeviceBusy rather than blocking.
func (e *Executor) runOneTask(ctx context.Context, t *taskmodel.Task) error {
	device := deviceForTaskType[t.Type()]
	var lock *sync.Mutex
	if device != "" {
		lock = e.lockFor(device)
		if !lock.TryLock() {
			msg := fmt.Sprintf("device %q busy", device)
			t.FailWithoutRunning(taskmodel.ErrDeviceError, msg)
			e.ec.Publish(corectx.Event{Kind: corectx.EventTaskFailed, TaskID: t.ID().String(), Payload: map[string]any{"kind": string(taskmodel.ErrDeviceError), "message": msg}})
			return taskmodel.NewError(taskmodel.ErrDeviceError, msg, nil)
		}
		defer lock.Unlock()
	}

	breaker := e.breakerFor(device)
	return t.Execute(ctx, e.ec, breaker)
}

// applyRecovery decides the target's fate after a task fails
// terminally, per the configured RecoveryStrategy (spec.md §4.2):
// Stop fails the target outright (package sequence observes the
// failure and drives the whole session to Stopping); Skip marks every
// not-yet-run task Skipped and fails the target, letting the session
// continue to other targets; Retry reruns the whole target once
// before falling back to Skip-style failure; Alternative fails the
// target and leaves enqueueing tg.Alternatives() to package sequence,
// which owns the ready set.
func (e *Executor) applyRecovery(ctx context.Context, tg *targetmodel.Target, remaining []*taskmodel.Task, taskErr error, retryAttempt int) error {
	if e.RecoveryStrategy() == RecoveryRetry && retryAttempt == 0 {
		tg.ResetForRetry()
		for _, t := range tg.Tasks() {
			t.Reset()
		}
		return e.runTargetLocked(ctx, tg, retryAttempt+1)
	}

	if e.RecoveryStrategy() == RecoverySkip || e.RecoveryStrategy() == RecoveryRetry {
		for _, t := range remaining {
			t.Skip("skipped after recovery")
		}
	}

	tg.SetStatus(targetmodel.StatusFailed)
	tg.SetFailureReason(taskErr.Error())
	e.ec.Publish(corectx.Event{Kind: corectx.EventTargetFailed, TargetName: tg.Name(), Payload: map[string]any{"reason": taskErr.Error()}})
	return taskErr
}
