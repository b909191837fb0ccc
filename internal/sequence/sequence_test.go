package sequence

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/lithium-observatory/sequencer/internal/arbiter"
	"github.com/lithium-observatory/sequencer/internal/corectx"
	"github.com/lithium-observatory/sequencer/internal/device"
	"github.com/lithium-observatory/sequencer/internal/eventbus"
	"github.com/lithium-observatory/sequencer/internal/executor"
	"github.com/lithium-observatory/sequencer/internal/persist"
	"github.com/lithium-observatory/sequencer/internal/scheduler"
	"github.com/lithium-observatory/sequencer/internal/targetmodel"
	"github.com/lithium-observatory/sequencer/internal/taskmodel"
)

type harness struct {
	seq *ExposureSequence
	bus *eventbus.Bus
	reg *taskmodel.Registry
	gw  *device.SimulatedGateway
}

func newHarness(t *testing.T, strategy scheduler.Strategy, recovery executor.RecoveryStrategy) *harness {
	t.Helper()
	gw := device.NewSimulatedGateway()
	bus := eventbus.New()
	ec := &corectx.ExecutionContext{SessionID: "s1", Clock: time.Now, Events: bus, Devices: gw}
	arb := arbiter.New(arbiter.Config{})
	sched := scheduler.New(strategy, nil, nil)
	exec := executor.New(ec, arb, 4, recovery, sched)
	reg := executor.NewBuiltinRegistry()

	dir, err := os.MkdirTemp("", "sequence-store-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := persist.Open(dir, noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	seq := New("s1", sched, exec, arb, bus, store, ec, reg, 30, 0)
	return &harness{seq: seq, bus: bus, reg: reg, gw: gw}
}

func slewExposeTarget(t *testing.T, h *harness, name string, order int) *targetmodel.Target {
	t.Helper()
	tg := targetmodel.NewTarget(name, order)
	slew, err := h.reg.Create(executor.TaskTypeSlew, "slew")
	if err != nil {
		t.Fatal(err)
	}
	slew.SetParam("ra_hours", 0.71)
	slew.SetParam("dec_deg", 41.27)
	tg.AddTask(slew)

	expose, err := h.reg.Create(executor.TaskTypeTakeExposure, "expose")
	if err != nil {
		t.Fatal(err)
	}
	expose.SetParam("duration_s", 0.001)
	tg.AddTask(expose)
	return tg
}

func waitForState(t *testing.T, seq *ExposureSequence, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if seq.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, got %v", want, seq.State())
}

func TestS1SingleTargetHappyPath(t *testing.T) {
	h := newHarness(t, scheduler.StrategyFIFO, executor.RecoveryStop)
	tg := slewExposeTarget(t, h, "M31", 0)
	if err := h.seq.AddTarget(tg); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var kinds []corectx.EventKind
	h.bus.Subscribe(eventbus.OfKind(
		corectx.EventSessionStarted, corectx.EventTargetStarted, corectx.EventTaskCompleted,
		corectx.EventTargetCompleted, corectx.EventSessionStopped,
	), func(e corectx.Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})

	if err := h.seq.ExecuteAll(context.Background()); err != nil {
		t.Fatalf("executeAll: %v", err)
	}
	waitForState(t, h.seq, StateStopped, 2*time.Second)
	time.Sleep(20 * time.Millisecond) // let the final event drain to the subscriber

	want := []corectx.EventKind{
		corectx.EventSessionStarted,
		corectx.EventTargetStarted,
		corectx.EventTaskCompleted,
		corectx.EventTaskCompleted,
		corectx.EventTargetCompleted,
		corectx.EventSessionStopped,
	}
	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
	if got := h.seq.GetProgress(); got != 1.0 {
		t.Fatalf("expected progress 1.0, got %v", got)
	}
}

func TestS2PriorityOverride(t *testing.T) {
	h := newHarness(t, scheduler.StrategyPriority, executor.RecoveryStop)
	a := slewExposeTarget(t, h, "A", 0)
	a.SetPriority(3)
	b := slewExposeTarget(t, h, "B", 1)
	b.SetPriority(8)
	if err := h.seq.AddTarget(a); err != nil {
		t.Fatal(err)
	}
	if err := h.seq.AddTarget(b); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []string
	h.bus.Subscribe(eventbus.OfKind(corectx.EventTargetStarted), func(e corectx.Event) {
		mu.Lock()
		order = append(order, e.TargetName)
		mu.Unlock()
	})

	if err := h.seq.ExecuteAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForState(t, h.seq, StateStopped, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "B" || order[1] != "A" {
		t.Fatalf("expected dispatch order [B A], got %v", order)
	}
}

func TestS3DependencyEnforcement(t *testing.T) {
	h := newHarness(t, scheduler.StrategyDependencies, executor.RecoverySkip)
	h.gw.FailDevices = map[string]bool{"mount": true}

	a := slewExposeTarget(t, h, "A", 0)
	b := slewExposeTarget(t, h, "B", 1)
	b.AddDependency("A")
	if err := h.seq.AddTarget(a); err != nil {
		t.Fatal(err)
	}
	if err := h.seq.AddTarget(b); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var skipReason string
	h.bus.Subscribe(eventbus.OfKind(corectx.EventTargetSkipped), func(e corectx.Event) {
		if e.TargetName != "B" {
			return
		}
		mu.Lock()
		if r, ok := e.Payload["reason"].(string); ok {
			skipReason = r
		}
		mu.Unlock()
	})

	if err := h.seq.ExecuteAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForState(t, h.seq, StateStopped, 2*time.Second)

	// A's Slew task fails with the mount device forced down; Skip
	// recovery still fails A outright (spec.md §4.2), so B's
	// dependency on A can never be satisfied (Ready requires every
	// dependency StatusCompleted). The session's dependency-unmet
	// sweep must therefore mark B Skipped so the session can reach a
	// terminal state at all.
	statusA, _ := h.seq.GetTargetStatus("A")
	if statusA != targetmodel.StatusFailed {
		t.Fatalf("expected A Failed (mount device down), got %v", statusA)
	}
	statusB, _ := h.seq.GetTargetStatus("B")
	if statusB != targetmodel.StatusSkipped {
		t.Fatalf("expected B Skipped (dependency unmet), got %v", statusB)
	}
	mu.Lock()
	defer mu.Unlock()
	if skipReason != "DependencyUnmet" {
		t.Fatalf("expected B's skip reason DependencyUnmet, got %q", skipReason)
	}
}

func TestPauseResumeNoNewDispatchWhilePaused(t *testing.T) {
	h := newHarness(t, scheduler.StrategyFIFO, executor.RecoveryStop)
	h.gw.ExposeDelay = 150 * time.Millisecond

	tg := slewExposeTarget(t, h, "Paused", 0)
	if err := h.seq.AddTarget(tg); err != nil {
		t.Fatal(err)
	}
	second := slewExposeTarget(t, h, "Second", 1)
	if err := h.seq.AddTarget(second); err != nil {
		t.Fatal(err)
	}

	if err := h.seq.ExecuteAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := h.seq.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	statusSecond, _ := h.seq.GetTargetStatus("Second")
	if statusSecond == targetmodel.StatusCompleted {
		t.Fatalf("second target should not have completed while paused")
	}

	if err := h.seq.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitForState(t, h.seq, StateStopped, 2*time.Second)

	statusFirst, _ := h.seq.GetTargetStatus("Paused")
	if statusFirst != targetmodel.StatusCompleted {
		t.Fatalf("expected in-flight target to complete across pause, got %v", statusFirst)
	}
}

func TestStopCancelsInFlightWithinBound(t *testing.T) {
	h := newHarness(t, scheduler.StrategyFIFO, executor.RecoveryStop)
	h.gw.ExposeDelay = 2 * time.Second
	h.seq.SetGlobalTimeout(1) // bound = global_timeout/4, tiny for the test

	tg := slewExposeTarget(t, h, "LongExposure", 0)
	if err := h.seq.AddTarget(tg); err != nil {
		t.Fatal(err)
	}
	if err := h.seq.ExecuteAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- h.seq.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not return within a bounded window")
	}
	if h.seq.State() != StateStopped {
		t.Fatalf("expected Stopped, got %v", h.seq.State())
	}
}

func TestSaveLoadSequenceRoundTrip(t *testing.T) {
	h := newHarness(t, scheduler.StrategyFIFO, executor.RecoveryStop)
	tg := slewExposeTarget(t, h, "M31", 0)
	tg.SetPriority(7)
	if err := h.seq.AddTarget(tg); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path := dir + "/sequence.json"
	if err := h.seq.SaveSequence(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	h2 := newHarness(t, scheduler.StrategyFIFO, executor.RecoveryStop)
	if err := h2.seq.LoadSequence(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	names := h2.seq.GetTargetNames()
	if len(names) != 1 || names[0] != "M31" {
		t.Fatalf("expected [M31], got %v", names)
	}
	status, ok := h2.seq.GetTargetStatus("M31")
	if !ok || status != targetmodel.StatusPending {
		t.Fatalf("expected reloaded target reset to Pending, got %v ok=%v", status, ok)
	}
}

func TestRemoveTargetOnlyWhileIdleOrStopped(t *testing.T) {
	h := newHarness(t, scheduler.StrategyFIFO, executor.RecoveryStop)
	tg := slewExposeTarget(t, h, "M31", 0)
	if err := h.seq.AddTarget(tg); err != nil {
		t.Fatal(err)
	}
	if err := h.seq.RemoveTarget("M31"); err != nil {
		t.Fatalf("expected removal to succeed while Idle, got %v", err)
	}
	if names := h.seq.GetTargetNames(); len(names) != 0 {
		t.Fatalf("expected no targets remaining, got %v", names)
	}
}
