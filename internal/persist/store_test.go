package persist

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lithium-observatory/sequencer/internal/executor"
	"github.com/lithium-observatory/sequencer/internal/targetmodel"
	"github.com/lithium-observatory/sequencer/internal/taskmodel"
	"go.opentelemetry.io/otel/metric/noop"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "sequencer-store-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := Open(dir, noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func buildGraph(t *testing.T) []*targetmodel.Target {
	t.Helper()
	reg := executor.NewBuiltinRegistry()

	a := targetmodel.NewTarget("A", 0)
	a.SetPriority(5)
	a.SetCoordinates(12.5, -20)
	slew, err := reg.Create(executor.TaskTypeSlew, "slew")
	if err != nil {
		t.Fatal(err)
	}
	slew.SetParam("ra_hours", 12.5)
	slew.SetParam("dec_deg", -20.0)
	slew.SetRetryPolicy(2, taskmodel.RetryLinear, 2*time.Second, 10*time.Second, nil)
	a.AddTask(slew)

	b := targetmodel.NewTarget("B", 1)
	b.AddDependency("A")
	return []*targetmodel.Target{a, b}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := tempStore(t)
	reg := executor.NewBuiltinRegistry()
	targets := buildGraph(t)

	snap := BuildSnapshot("session-1", targets, "Priority", "Skip", 2, 3600, time.Unix(0, 0))
	if err := store.SaveSession(context.Background(), snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, ok, err := store.LoadSession(context.Background(), "session-1")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}

	restored, err := Restore(reg, loaded)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(restored) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(restored))
	}
	if restored[0].Name() != "A" || restored[0].Priority() != 5 {
		t.Fatalf("target A did not round-trip: %+v", restored[0])
	}
	if restored[0].Coordinates() == nil || restored[0].Coordinates().RAHours != 12.5 {
		t.Fatalf("coordinates did not round-trip")
	}
	if restored[1].Status() != targetmodel.StatusPending {
		t.Fatalf("expected reloaded target reset to pre-run status Pending, got %v", restored[1].Status())
	}
	if len(restored[1].Dependencies()) != 1 || restored[1].Dependencies()[0] != "A" {
		t.Fatalf("dependency did not round-trip: %v", restored[1].Dependencies())
	}

	slewTask := restored[0].Tasks()[0]
	if slewTask.RetryCount() != 2 || slewTask.RetryStrategyValue() != taskmodel.RetryLinear {
		t.Fatalf("retry policy did not round-trip: count=%d strategy=%v", slewTask.RetryCount(), slewTask.RetryStrategyValue())
	}
	if got := slewTask.ParamsSnapshot()["ra_hours"]; got != 12.5 {
		t.Fatalf("task param did not round-trip, got %v", got)
	}
}

func TestLoadMissingSessionReturnsFalse(t *testing.T) {
	store := tempStore(t)
	_, ok, err := store.LoadSession(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing session")
	}
}

func TestAppendAndListStats(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		st := ExecutionStats{
			SessionID:        "session-1",
			RecordedAt:       time.Unix(int64(i), 0),
			TargetsCompleted: i,
		}
		if err := store.AppendStats(ctx, st); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	stats, err := store.ListStats(ctx, "session-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stats) != 3 {
		t.Fatalf("expected 3 stats entries, got %d", len(stats))
	}
	for i, st := range stats {
		if st.TargetsCompleted != i {
			t.Fatalf("expected chronological order, got %+v at index %d", st, i)
		}
	}
}
