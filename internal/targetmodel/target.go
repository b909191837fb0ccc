// Package targetmodel implements Target, the composite of an ordered
// task list plus scheduling metadata (coordinates, priority, status,
// dependencies, alternatives) that make up one observing goal.
package targetmodel

import (
	"sync"

	"github.com/google/uuid"

	"github.com/lithium-observatory/sequencer/internal/taskmodel"
)

// Status is the target lifecycle state (spec.md §3).
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusSkipped    Status = "Skipped"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Coordinates is a target's sky position. RA is in hours [0,24), Dec
// in degrees [-90,90].
type Coordinates struct {
	RAHours float64
	DecDeg  float64
}

// Target is an ordered sequence of tasks plus scheduling metadata.
type Target struct {
	mu sync.RWMutex

	id             uuid.UUID
	name           string
	insertionOrder int

	tasks []*taskmodel.Task

	priority     int
	enabled      bool
	timeout      int64 // seconds, 0 = none; see SetTimeout
	coords       *Coordinates
	alternatives []*Target
	dependencies map[string]struct{}

	status         Status
	startedOnce    bool
	failureReason  string
}

// NewTarget constructs a Target in status Pending, enabled by default.
func NewTarget(name string, insertionOrder int) *Target {
	return &Target{
		id:             uuid.New(),
		name:           name,
		insertionOrder: insertionOrder,
		enabled:        true,
		status:         StatusPending,
		dependencies:   make(map[string]struct{}),
	}
}

func (tg *Target) ID() uuid.UUID { return tg.id }
func (tg *Target) Name() string  { return tg.name }
func (tg *Target) InsertionOrder() int {
	tg.mu.RLock()
	defer tg.mu.RUnlock()
	return tg.insertionOrder
}

func (tg *Target) AddTask(t *taskmodel.Task) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.tasks = append(tg.tasks, t)
}

// InsertTaskAtHead prepends a task, used by the scheduler to insert a
// synthesized MeridianFlip task ahead of the remaining task list.
func (tg *Target) InsertTaskAtHead(t *taskmodel.Task) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.tasks = append([]*taskmodel.Task{t}, tg.tasks...)
}

func (tg *Target) RemoveTask(taskID uuid.UUID) bool {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	for i, t := range tg.tasks {
		if t.ID() == taskID {
			tg.tasks = append(tg.tasks[:i], tg.tasks[i+1:]...)
			return true
		}
	}
	return false
}

func (tg *Target) Tasks() []*taskmodel.Task {
	tg.mu.RLock()
	defer tg.mu.RUnlock()
	out := make([]*taskmodel.Task, len(tg.tasks))
	copy(out, tg.tasks)
	return out
}

func (tg *Target) SetPriority(p int) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.priority = p
}

func (tg *Target) Priority() int {
	tg.mu.RLock()
	defer tg.mu.RUnlock()
	return tg.priority
}

func (tg *Target) SetEnabled(enabled bool) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.enabled = enabled
}

func (tg *Target) Enabled() bool {
	tg.mu.RLock()
	defer tg.mu.RUnlock()
	return tg.enabled
}

// SetTimeout sets the per-target timeout in seconds. The Executor uses
// it only as the deadline for the target's resource reservation; it
// does not bound how long the target's tasks run, and 0 means no
// deadline (the session timeout is not substituted).
func (tg *Target) SetTimeout(seconds int64) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.timeout = seconds
}

func (tg *Target) Timeout() int64 {
	tg.mu.RLock()
	defer tg.mu.RUnlock()
	return tg.timeout
}

func (tg *Target) SetCoordinates(raHours, decDeg float64) error {
	if raHours < 0 || raHours >= 24 {
		return taskmodel.NewError(taskmodel.ErrInvalidParameter, "RA must be in [0,24)h", nil)
	}
	if decDeg < -90 || decDeg > 90 {
		return taskmodel.NewError(taskmodel.ErrInvalidParameter, "Dec must be in [-90,90]deg", nil)
	}
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.coords = &Coordinates{RAHours: raHours, DecDeg: decDeg}
	return nil
}

func (tg *Target) Coordinates() *Coordinates {
	tg.mu.RLock()
	defer tg.mu.RUnlock()
	return tg.coords
}

// AddAlternative registers an ordered fallback target. Per Open
// Questions, alternatives inherit the original target's dependency set.
func (tg *Target) AddAlternative(alt *Target) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	alt.dependencies = make(map[string]struct{}, len(tg.dependencies))
	for dep := range tg.dependencies {
		alt.dependencies[dep] = struct{}{}
	}
	tg.alternatives = append(tg.alternatives, alt)
}

func (tg *Target) Alternatives() []*Target {
	tg.mu.RLock()
	defer tg.mu.RUnlock()
	out := make([]*Target, len(tg.alternatives))
	copy(out, tg.alternatives)
	return out
}

func (tg *Target) AddDependency(targetName string) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.dependencies[targetName] = struct{}{}
}

func (tg *Target) RemoveDependency(targetName string) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	delete(tg.dependencies, targetName)
}

func (tg *Target) Dependencies() []string {
	tg.mu.RLock()
	defer tg.mu.RUnlock()
	out := make([]string, 0, len(tg.dependencies))
	for d := range tg.dependencies {
		out = append(out, d)
	}
	return out
}

func (tg *Target) Status() Status {
	tg.mu.RLock()
	defer tg.mu.RUnlock()
	return tg.status
}

// SetStatus transitions status, owned exclusively by the Executor
// (Design Notes: "move to ownership-by-executor for status mutation").
// An InProgress transition is recorded as the target having started;
// a repeated InProgress transition is not refused.
func (tg *Target) SetStatus(s Status) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if s == StatusInProgress {
		tg.startedOnce = true
	}
	tg.status = s
}

// ResetForRetry clears terminal status back to Pending, allowing a
// second InProgress transition (explicit retry only).
func (tg *Target) ResetForRetry() {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.status = StatusPending
	tg.failureReason = ""
}

func (tg *Target) SetFailureReason(reason string) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.failureReason = reason
}

func (tg *Target) FailureReason() string {
	tg.mu.RLock()
	defer tg.mu.RUnlock()
	return tg.failureReason
}

// Ready evaluates the readiness predicate from spec.md §4.2 except for
// the SkyAdvisor/cycle checks, which the caller (scheduler) evaluates
// with graph-wide and sky-wide context this Target cannot see alone.
func (tg *Target) Ready(dependencyStatuses map[string]Status) bool {
	tg.mu.RLock()
	defer tg.mu.RUnlock()
	if tg.status != StatusPending || !tg.enabled {
		return false
	}
	for dep := range tg.dependencies {
		if dependencyStatuses[dep] != StatusCompleted {
			return false
		}
	}
	return true
}

// AllTasksTerminalSuccess reports whether every contained task is Completed or
// Skipped (spec.md §3 invariant).
func (tg *Target) AllTasksTerminalSuccess() bool {
	tg.mu.RLock()
	defer tg.mu.RUnlock()
	for _, t := range tg.tasks {
		if t.Status() != taskmodel.StatusCompleted && t.Status() != taskmodel.StatusSkipped {
			return false
		}
	}
	return true
}
