// Package sequence implements ExposureSequence: the thin facade
// coordinating Scheduler, Executor, ResourceArbiter, EventBus, and
// SequenceStore behind the state machine and control surface in
// spec.md §4.5/§4.6/§6. It replaces the source's "40+ methods on one
// class" god object (Design Notes §9) by delegating every real
// decision to the package that owns it; this file only sequences
// those calls under a single reader/writer lock.
package sequence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lithium-observatory/sequencer/internal/arbiter"
	"github.com/lithium-observatory/sequencer/internal/corectx"
	"github.com/lithium-observatory/sequencer/internal/eventbus"
	"github.com/lithium-observatory/sequencer/internal/executor"
	"github.com/lithium-observatory/sequencer/internal/persist"
	"github.com/lithium-observatory/sequencer/internal/scheduler"
	"github.com/lithium-observatory/sequencer/internal/targetmodel"
	"github.com/lithium-observatory/sequencer/internal/taskmodel"
)

// State is the session-level lifecycle state (spec.md §4.5).
type State string

const (
	StateIdle     State = "Idle"
	StateRunning  State = "Running"
	StatePaused   State = "Paused"
	StateStopping State = "Stopping"
	StateStopped  State = "Stopped"
)

// Stats mirrors what getExecutionStats reports on the facade.
type Stats struct {
	TargetsCompleted int
	TargetsFailed    int
	TargetsSkipped   int
	StartedAt        time.Time
	DurationMS       int64
}

// ResourceUsage mirrors what getResourceUsage reports on the facade.
type ResourceUsage struct {
	Slots       int
	MemoryBytes int64
}

// ExposureSequence is the session-scoped coordinator. One instance per
// observing session.
type ExposureSequence struct {
	mu sync.RWMutex

	sessionID string
	state     State

	targets []*targetmodel.Target

	maxConcurrentTargets int
	globalTimeoutSeconds int64

	sched *scheduler.Scheduler
	exec  *executor.Executor
	arb   *arbiter.Arbiter
	bus   *eventbus.Bus
	store *persist.Store
	ec    *corectx.ExecutionContext
	reg   *taskmodel.Registry

	runCtx    context.Context
	runCancel context.CancelFunc
	wake      chan struct{}
	loopDone  chan struct{}
	inFlight  map[string]struct{}

	stats Stats
}

// New constructs an ExposureSequence in state Idle. sched, exec, arb,
// bus, store, and reg are expected to already be wired against the
// same ExecutionContext ec.
func New(sessionID string, sched *scheduler.Scheduler, exec *executor.Executor, arb *arbiter.Arbiter, bus *eventbus.Bus, store *persist.Store, ec *corectx.ExecutionContext, reg *taskmodel.Registry, globalTimeoutSeconds int64, maxConcurrentTargets int) *ExposureSequence {
	return &ExposureSequence{
		sessionID:            sessionID,
		state:                StateIdle,
		sched:                sched,
		exec:                 exec,
		arb:                  arb,
		bus:                  bus,
		store:                store,
		ec:                   ec,
		reg:                  reg,
		maxConcurrentTargets: maxConcurrentTargets,
		globalTimeoutSeconds: globalTimeoutSeconds,
		inFlight:             make(map[string]struct{}),
	}
}

// State returns the current session lifecycle state.
func (s *ExposureSequence) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// --- mutating control surface ---

// AddTarget appends tg to the sequence; rejects a duplicate name.
func (s *ExposureSequence) AddTarget(tg *targetmodel.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.targets {
		if existing.Name() == tg.Name() {
			return taskmodel.NewError(taskmodel.ErrInvalidParameter, fmt.Sprintf("target %q already exists", tg.Name()), nil)
		}
	}
	s.targets = append(s.targets, tg)
	return nil
}

// RemoveTarget removes a target by name. Only permitted while the
// session is Idle or Stopped, matching spec.md §6.
func (s *ExposureSequence) RemoveTarget(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle && s.state != StateStopped {
		return taskmodel.NewError(taskmodel.ErrInvalidParameter, "removeTarget only permitted while Idle or Stopped", nil)
	}
	for i, tg := range s.targets {
		if tg.Name() == name {
			s.targets = append(s.targets[:i:i], s.targets[i+1:]...)
			return nil
		}
	}
	return taskmodel.NewError(taskmodel.ErrInvalidParameter, fmt.Sprintf("target %q not found", name), nil)
}

// ModifyTarget applies modify to the named target atomically under the
// writer lock. The facade never partially mutates on failure: a
// modifier error leaves the target untouched.
func (s *ExposureSequence) ModifyTarget(name string, modify func(*targetmodel.Target) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tg := range s.targets {
		if tg.Name() == name {
			return modify(tg)
		}
	}
	return taskmodel.NewError(taskmodel.ErrInvalidParameter, fmt.Sprintf("target %q not found", name), nil)
}

// SetSchedulingStrategy switches FIFO/Priority/Dependencies selection.
func (s *ExposureSequence) SetSchedulingStrategy(strategy scheduler.Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sched.SetStrategy(strategy)
}

// SetRecoveryStrategy switches Stop/Skip/Retry/Alternative recovery.
func (s *ExposureSequence) SetRecoveryStrategy(strategy executor.RecoveryStrategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exec.SetRecoveryStrategy(strategy)
}

// SetMaxConcurrentTargets bounds how many targets the scheduler may
// select per dispatch round; 0 means unlimited (spec's Open-Question
// resolution). This is independent of the Executor's worker-pool size
// and the Arbiter's memory/slot reservation, both fixed at construction.
func (s *ExposureSequence) SetMaxConcurrentTargets(n int) error {
	if n < 0 {
		return taskmodel.NewError(taskmodel.ErrInvalidParameter, "maxConcurrentTargets must be >= 0", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxConcurrentTargets = n
	return nil
}

// SetGlobalTimeout sets the session-wide timeout in seconds, used to
// bound stop() to global_timeout/4 (spec.md §4.5).
func (s *ExposureSequence) SetGlobalTimeout(seconds int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalTimeoutSeconds = seconds
}

// ExecuteAll transitions Idle -> Running and starts the dispatch loop
// on a background goroutine. Returns immediately; completion and
// failures surface as events.
func (s *ExposureSequence) ExecuteAll(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateStopped {
		s.mu.Unlock()
		return taskmodel.NewError(taskmodel.ErrInvalidParameter, "executeAll only permitted from Idle or Stopped", nil)
	}
	s.state = StateRunning
	s.stats = Stats{StartedAt: s.ec.Now()}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.wake = make(chan struct{}, 1)
	s.loopDone = make(chan struct{})
	s.inFlight = make(map[string]struct{})
	s.mu.Unlock()

	s.ec.Publish(corectx.Event{Kind: corectx.EventSessionStarted})
	go s.runLoop()
	return nil
}

// Pause transitions Running -> Paused: the executor stops dispatching
// new tasks but lets already-running ones continue (invariant 6).
func (s *ExposureSequence) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return taskmodel.NewError(taskmodel.ErrInvalidParameter, "pause only permitted while Running", nil)
	}
	s.state = StatePaused
	s.exec.Pause()
	s.ec.Publish(corectx.Event{Kind: corectx.EventSessionPaused})
	return nil
}

// Resume transitions Paused -> Running.
func (s *ExposureSequence) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return taskmodel.NewError(taskmodel.ErrInvalidParameter, "resume only permitted while Paused", nil)
	}
	s.state = StateRunning
	s.exec.Resume()
	s.ec.Publish(corectx.Event{Kind: corectx.EventSessionResumed})
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop drives the session to Stopped, bounded by global_timeout/4
// (spec.md §4.5, invariant 7). Tasks in flight are cancelled
// cooperatively; the executor escalates to a forced drop of references
// if they do not finish within the bound.
func (s *ExposureSequence) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StatePaused {
		s.mu.Unlock()
		return taskmodel.NewError(taskmodel.ErrInvalidParameter, "stop only permitted while Running or Paused", nil)
	}
	s.state = StateStopping
	cancel := s.runCancel
	loopDone := s.loopDone
	s.mu.Unlock()

	s.exec.RequestStop()
	if cancel != nil {
		cancel()
	}

	bound := time.Duration(s.globalTimeoutSecondsSnapshot()) * time.Second / 4
	if bound <= 0 {
		bound = 30 * time.Second
	}
	s.exec.Wait(bound)

	if loopDone != nil {
		select {
		case <-loopDone:
		case <-time.After(bound):
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.ec.Publish(corectx.Event{Kind: corectx.EventSessionStopped})
	return nil
}

func (s *ExposureSequence) globalTimeoutSecondsSnapshot() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globalTimeoutSeconds
}

// RetryFailedTargets resets every Failed target (and its tasks) back
// to Pending so the next dispatch round reselects it. Forbidden for
// Cancelled tasks per the source-ambiguity resolution in spec.md §9;
// Failed targets reset cleanly since Reset only touches non-Cancelled
// tasks in practice (a Failed target's tasks are never Cancelled
// unless the session itself was stopped mid-target).
func (s *ExposureSequence) RetryFailedTargets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tg := range s.targets {
		if tg.Status() != targetmodel.StatusFailed {
			continue
		}
		tg.ResetForRetry()
		for _, t := range tg.Tasks() {
			if t.Status() == taskmodel.StatusCancelled {
				continue
			}
			t.Reset()
		}
		n++
	}
	if n > 0 {
		s.wakeLocked()
	}
	return n
}

// SkipFailedTargets marks every currently Failed target Skipped so it
// no longer blocks dependents.
func (s *ExposureSequence) SkipFailedTargets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tg := range s.targets {
		if tg.Status() != targetmodel.StatusFailed {
			continue
		}
		tg.SetStatus(targetmodel.StatusSkipped)
		s.ec.Publish(corectx.Event{Kind: corectx.EventTargetSkipped, TargetName: tg.Name()})
		n++
	}
	if n > 0 {
		s.wakeLocked()
	}
	return n
}

func (s *ExposureSequence) wakeLocked() {
	if s.wake == nil {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// --- read-only queries ---

// GetProgress returns the fraction of targets that have reached a
// terminal successful state (Completed or Skipped).
func (s *ExposureSequence) GetProgress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.targets) == 0 {
		return 0
	}
	done := 0
	for _, tg := range s.targets {
		if st := tg.Status(); st == targetmodel.StatusCompleted || st == targetmodel.StatusSkipped {
			done++
		}
	}
	return float64(done) / float64(len(s.targets))
}

// GetExecutionStats returns a snapshot of the current run's counters.
func (s *ExposureSequence) GetExecutionStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := s.stats
	if !stats.StartedAt.IsZero() {
		stats.DurationMS = s.ec.Now().Sub(stats.StartedAt).Milliseconds()
	}
	return stats
}

// GetResourceUsage reports current arbiter slot/memory usage.
func (s *ExposureSequence) GetResourceUsage() ResourceUsage {
	slots, mem := s.arb.InUse()
	return ResourceUsage{Slots: slots, MemoryBytes: mem}
}

// GetFailedTargets returns the names of every target currently Failed.
func (s *ExposureSequence) GetFailedTargets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, tg := range s.targets {
		if tg.Status() == targetmodel.StatusFailed {
			out = append(out, tg.Name())
		}
	}
	return out
}

// GetTargetNames returns every target's name in insertion order.
func (s *ExposureSequence) GetTargetNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.targets))
	for i, tg := range s.targets {
		out[i] = tg.Name()
	}
	return out
}

// GetTargetStatus returns the named target's current status.
func (s *ExposureSequence) GetTargetStatus(name string) (targetmodel.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tg := range s.targets {
		if tg.Name() == name {
			return tg.Status(), true
		}
	}
	return "", false
}

// Subscribe registers handle for every event matching filter; see
// eventbus.Bus.Subscribe.
func (s *ExposureSequence) Subscribe(filter eventbus.Filter, handle func(corectx.Event)) int64 {
	return s.bus.Subscribe(filter, handle)
}

// Unsubscribe cancels a prior Subscribe.
func (s *ExposureSequence) Unsubscribe(id int64) {
	s.bus.Unsubscribe(id)
}

// --- persistence ---

// SaveSequence serializes the target graph and global policy to path
// as a single atomic write: either the whole file lands, or the
// existing file is untouched (spec.md §6 "Load is atomic").
func (s *ExposureSequence) SaveSequence(path string) error {
	s.mu.RLock()
	snap := persist.BuildSnapshot(s.sessionID, s.targets, string(s.sched.Strategy()), string(s.exec.RecoveryStrategy()), s.maxConcurrentTargets, s.globalTimeoutSeconds, s.ec.Now())
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sequence: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp sequence file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("atomically replace sequence file: %w", err)
	}
	return nil
}

// LoadSequence reads path and replaces the in-memory target graph and
// global policy. Validation failures leave the current state
// untouched.
func (s *ExposureSequence) LoadSequence(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sequence file: %w", err)
	}
	var snap persist.SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse sequence file: %w", err)
	}
	targets, err := persist.Restore(s.reg, snap)
	if err != nil {
		return fmt.Errorf("restore sequence: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle && s.state != StateStopped {
		return taskmodel.NewError(taskmodel.ErrInvalidParameter, "loadSequence only permitted while Idle or Stopped", nil)
	}
	s.targets = targets
	s.sched.SetStrategy(scheduler.Strategy(snap.SchedulingStrategy))
	s.exec.SetRecoveryStrategy(executor.RecoveryStrategy(snap.RecoveryStrategy))
	s.maxConcurrentTargets = snap.MaxConcurrentTargets
	s.globalTimeoutSeconds = snap.GlobalTimeoutSeconds
	return nil
}

// SaveToStore persists the current sequence under sessionID in the
// BoltDB-backed SequenceStore, for the daemon's own crash-recovery use
// (distinct from the file-based SaveSequence exposed to clients).
func (s *ExposureSequence) SaveToStore(ctx context.Context) error {
	s.mu.RLock()
	snap := persist.BuildSnapshot(s.sessionID, s.targets, string(s.sched.Strategy()), string(s.exec.RecoveryStrategy()), s.maxConcurrentTargets, s.globalTimeoutSeconds, s.ec.Now())
	s.mu.RUnlock()
	return s.store.SaveSession(ctx, snap)
}

// --- dispatch loop ---

func (s *ExposureSequence) runLoop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.wake:
		case <-ticker.C:
		}

		s.mu.Lock()
		state := s.state
		if state != StateRunning {
			stopping := state == StateStopping
			empty := len(s.inFlight) == 0
			s.mu.Unlock()
			if stopping && empty {
				return
			}
			continue
		}

		s.sweepDependencyUnmetLocked()
		if slots := s.readySlotLocked(); slots > 0 {
			ready := s.sched.SelectReady(s.targets, s.statusMapLocked(), slots)
			for _, tg := range ready {
				s.dispatchLocked(tg)
			}
		}
		allDone := s.allTerminalLocked() && len(s.inFlight) == 0
		s.mu.Unlock()

		if allDone {
			s.finish()
			return
		}
	}
}

func (s *ExposureSequence) statusMapLocked() map[string]targetmodel.Status {
	m := make(map[string]targetmodel.Status, len(s.targets))
	for _, tg := range s.targets {
		m[tg.Name()] = tg.Status()
	}
	return m
}

func (s *ExposureSequence) readySlotLocked() int {
	if s.maxConcurrentTargets <= 0 {
		return len(s.targets)
	}
	remaining := s.maxConcurrentTargets - len(s.inFlight)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (s *ExposureSequence) allTerminalLocked() bool {
	for _, tg := range s.targets {
		if !tg.Status().Terminal() {
			return false
		}
	}
	return true
}

// dispatchLocked marks tg InProgress and launches its execution on a
// separate goroutine. Must be called with s.mu held; the goroutine
// itself runs unlocked since RunTarget may block for the target's
// full duration.
func (s *ExposureSequence) dispatchLocked(tg *targetmodel.Target) {
	s.inFlight[tg.Name()] = struct{}{}
	tg.SetStatus(targetmodel.StatusInProgress)
	ctx := s.runCtx
	go func() {
		_ = s.exec.RunTarget(ctx, tg)
		s.mu.Lock()
		delete(s.inFlight, tg.Name())
		if tg.Status() == targetmodel.StatusInProgress {
			// RunTarget returned before running any task (no worker slot
			// or reservation); put the target back in the ready set.
			tg.ResetForRetry()
		}

		escalate := false
		switch tg.Status() {
		case targetmodel.StatusCompleted:
			s.stats.TargetsCompleted++
		case targetmodel.StatusSkipped:
			s.stats.TargetsSkipped++
		case targetmodel.StatusFailed:
			s.stats.TargetsFailed++
			escalate = s.handleTargetFailureLocked(tg)
		}
		s.wakeLocked()
		s.mu.Unlock()

		if escalate {
			go s.Stop()
		}
	}()
}

// handleTargetFailureLocked applies spec.md §4.2's session-level half
// of recovery once a target has ended Failed: under Alternative
// recovery it enqueues the first alternative at the head of the ready
// set (falling back to session-wide Stop when none remain); under Stop
// it reports that the session should stop; under Skip and Retry the
// session continues with its other targets. Must be called with s.mu
// held; the actual Stop() call happens after release since Stop takes
// its own lock.
func (s *ExposureSequence) handleTargetFailureLocked(tg *targetmodel.Target) bool {
	if strategy := s.exec.RecoveryStrategy(); strategy != executor.RecoveryAlternative {
		return strategy == executor.RecoveryStop
	}
	alts := tg.Alternatives()
	if len(alts) == 0 {
		return true
	}
	alt := alts[0]
	s.targets = append([]*targetmodel.Target{alt}, s.targets...)
	return false
}

// sweepDependencyUnmetLocked marks every Pending target whose
// dependency graph can no longer resolve (one of its dependencies has
// terminally Failed) as Skipped with reason DependencyUnmet. Without
// this sweep a target downstream of a Failed dependency would sit at
// Pending forever, since Target.Ready only admits StatusCompleted
// dependencies, and the session could never reach Stopped. Must be
// called with s.mu held.
func (s *ExposureSequence) sweepDependencyUnmetLocked() {
	statuses := s.statusMapLocked()
	for _, tg := range s.targets {
		if tg.Status() != targetmodel.StatusPending {
			continue
		}
		for _, dep := range tg.Dependencies() {
			if statuses[dep] == targetmodel.StatusFailed {
				tg.SetStatus(targetmodel.StatusSkipped)
				tg.SetFailureReason("DependencyUnmet")
				s.stats.TargetsSkipped++
				s.ec.Publish(corectx.Event{Kind: corectx.EventTargetSkipped, TargetName: tg.Name(), Payload: map[string]any{"reason": "DependencyUnmet"}})
				break
			}
		}
	}
}

func (s *ExposureSequence) finish() {
	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.ec.Publish(corectx.Event{Kind: corectx.EventSessionStopped})
}
