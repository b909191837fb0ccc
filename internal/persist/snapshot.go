package persist

import (
	"time"

	"github.com/lithium-observatory/sequencer/internal/taskmodel"
	"github.com/lithium-observatory/sequencer/internal/targetmodel"
)

// BuildSnapshot captures the full in-memory target graph into a
// serializable SessionSnapshot, preserving insertion order, dependency
// names, and each task's configured params and policy. Runtime status
// is deliberately not captured here; see restoreTask.
func BuildSnapshot(sessionID string, targets []*targetmodel.Target, schedulingStrategy, recoveryStrategy string, maxConcurrentTargets int, globalTimeoutSeconds int64, now time.Time) SessionSnapshot {
	snap := SessionSnapshot{
		SessionID:            sessionID,
		SavedAt:              now,
		SchedulingStrategy:   schedulingStrategy,
		RecoveryStrategy:     recoveryStrategy,
		MaxConcurrentTargets: maxConcurrentTargets,
		GlobalTimeoutSeconds: globalTimeoutSeconds,
		Targets:              make([]TargetSnapshot, 0, len(targets)),
	}
	for _, tg := range targets {
		snap.Targets = append(snap.Targets, snapshotTarget(tg))
	}
	return snap
}

func snapshotTarget(tg *targetmodel.Target) TargetSnapshot {
	ts := TargetSnapshot{
		Name:           tg.Name(),
		InsertionOrder: tg.InsertionOrder(),
		Priority:       tg.Priority(),
		Enabled:        tg.Enabled(),
		TimeoutSeconds: tg.Timeout(),
		Dependencies:   tg.Dependencies(),
	}
	if coords := tg.Coordinates(); coords != nil {
		ra, dec := coords.RAHours, coords.DecDeg
		ts.RAHours = &ra
		ts.DecDeg = &dec
	}
	for _, t := range tg.Tasks() {
		ts.Tasks = append(ts.Tasks, snapshotTask(t))
	}
	for _, alt := range tg.Alternatives() {
		ts.Alternatives = append(ts.Alternatives, snapshotTarget(alt))
	}
	return ts
}

func snapshotTask(t *taskmodel.Task) TaskSnapshot {
	return TaskSnapshot{
		Name:          t.Name(),
		Type:          t.Type(),
		Priority:      t.Priority(),
		TimeoutMS:     t.Timeout().Milliseconds(),
		RetryCount:    t.RetryCount(),
		RetryStrategy: t.RetryStrategyValue(),
		BaseDelayMS:   t.BaseDelay().Milliseconds(),
		MaxDelayMS:    t.MaxDelay().Milliseconds(),
		Limits:        t.ResourceLimits(),
		Params:        t.ParamsSnapshot(),
	}
}

// Restore rebuilds the target graph from a snapshot using reg to
// recreate each task's behavior and parameter schema (the registry,
// not the snapshot, is the source of truth for *how* a task type
// runs; the snapshot only carries how it was configured, never its
// runtime status).
func Restore(reg *taskmodel.Registry, snap SessionSnapshot) ([]*targetmodel.Target, error) {
	targets := make([]*targetmodel.Target, 0, len(snap.Targets))
	for _, ts := range snap.Targets {
		tg, err := restoreTarget(reg, ts)
		if err != nil {
			return nil, err
		}
		targets = append(targets, tg)
	}
	return targets, nil
}

func restoreTarget(reg *taskmodel.Registry, ts TargetSnapshot) (*targetmodel.Target, error) {
	tg := targetmodel.NewTarget(ts.Name, ts.InsertionOrder)
	tg.SetPriority(ts.Priority)
	tg.SetEnabled(ts.Enabled)
	tg.SetTimeout(ts.TimeoutSeconds)
	if ts.RAHours != nil && ts.DecDeg != nil {
		if err := tg.SetCoordinates(*ts.RAHours, *ts.DecDeg); err != nil {
			return nil, err
		}
	}
	for _, dep := range ts.Dependencies {
		tg.AddDependency(dep)
	}
	for _, taskSnap := range ts.Tasks {
		task, err := restoreTask(reg, taskSnap)
		if err != nil {
			return nil, err
		}
		tg.AddTask(task)
	}
	for _, altSnap := range ts.Alternatives {
		alt, err := restoreTarget(reg, altSnap)
		if err != nil {
			return nil, err
		}
		tg.AddAlternative(alt)
	}
	return tg, nil
}

// restoreTask recreates a task from its persisted structure and
// policy. It never touches runtime status: reg.Create always returns
// a fresh StatusIdle task, which is exactly the "pre-run value"
// invariant 8 requires after a reload.
func restoreTask(reg *taskmodel.Registry, ts TaskSnapshot) (*taskmodel.Task, error) {
	task, err := reg.Create(ts.Type, ts.Name)
	if err != nil {
		return nil, err
	}
	task.SetPriority(ts.Priority)
	task.SetTimeout(time.Duration(ts.TimeoutMS) * time.Millisecond)
	task.SetRetryPolicy(ts.RetryCount, ts.RetryStrategy, time.Duration(ts.BaseDelayMS)*time.Millisecond, time.Duration(ts.MaxDelayMS)*time.Millisecond, nil)
	task.SetResourceLimits(ts.Limits)
	for k, v := range ts.Params {
		task.SetParam(k, v)
	}
	return task, nil
}
