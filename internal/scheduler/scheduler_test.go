package scheduler

import (
	"testing"

	"github.com/lithium-observatory/sequencer/internal/sky"
	"github.com/lithium-observatory/sequencer/internal/targetmodel"
)

type alwaysObservable struct{}

func (alwaysObservable) Verdict(tg *targetmodel.Target) sky.Verdict {
	return sky.Verdict{Observable: true}
}

func statusesOf(targets []*targetmodel.Target) map[string]targetmodel.Status {
	out := make(map[string]targetmodel.Status, len(targets))
	for _, tg := range targets {
		out[tg.Name()] = tg.Status()
	}
	return out
}

func TestFIFOOrder(t *testing.T) {
	a := targetmodel.NewTarget("A", 0)
	b := targetmodel.NewTarget("B", 1)
	targets := []*targetmodel.Target{a, b}

	s := New(StrategyFIFO, alwaysObservable{}, nil)
	ready := s.SelectReady(targets, statusesOf(targets), 0)

	if len(ready) != 2 || ready[0].Name() != "A" || ready[1].Name() != "B" {
		t.Fatalf("expected insertion order A,B, got %v", names(ready))
	}
}

func TestPriorityOrder(t *testing.T) {
	a := targetmodel.NewTarget("A", 0)
	a.SetPriority(3)
	b := targetmodel.NewTarget("B", 1)
	b.SetPriority(8)
	targets := []*targetmodel.Target{a, b}

	s := New(StrategyPriority, alwaysObservable{}, nil)
	ready := s.SelectReady(targets, statusesOf(targets), 0)

	if len(ready) != 2 || ready[0].Name() != "B" || ready[1].Name() != "A" {
		t.Fatalf("expected priority order B,A (S2), got %v", names(ready))
	}
}

func TestDependencyPartialNeverRuns(t *testing.T) {
	a := targetmodel.NewTarget("A", 0)
	b := targetmodel.NewTarget("B", 1)
	b.AddDependency("A")
	targets := []*targetmodel.Target{a, b}

	s := New(StrategyDependencies, alwaysObservable{}, nil)
	statuses := map[string]targetmodel.Status{"A": targetmodel.StatusInProgress, "B": targetmodel.StatusPending}
	// B is Pending but its dependency A has not Completed.
	b.SetStatus(targetmodel.StatusPending)
	ready := s.SelectReady(targets, statuses, 0)

	for _, tg := range ready {
		if tg.Name() == "B" {
			t.Fatalf("B must not run while its dependency A is incomplete")
		}
	}
}

func TestConcurrencyCapLimitsSelection(t *testing.T) {
	a := targetmodel.NewTarget("A", 0)
	b := targetmodel.NewTarget("B", 1)
	targets := []*targetmodel.Target{a, b}

	s := New(StrategyFIFO, alwaysObservable{}, nil)
	ready := s.SelectReady(targets, statusesOf(targets), 1)
	if len(ready) != 1 {
		t.Fatalf("expected selection capped at 1, got %d", len(ready))
	}
}

func names(targets []*targetmodel.Target) []string {
	out := make([]string, len(targets))
	for i, tg := range targets {
		out[i] = tg.Name()
	}
	return out
}
