package targetmodel

import "testing"

func TestReadyPredicate(t *testing.T) {
	a := NewTarget("A", 0)
	b := NewTarget("B", 1)
	b.AddDependency("A")

	if !a.Ready(nil) {
		t.Fatalf("A has no deps, should be ready")
	}
	if b.Ready(map[string]Status{"A": StatusPending}) {
		t.Fatalf("B should not be ready while A is pending")
	}
	if !b.Ready(map[string]Status{"A": StatusCompleted}) {
		t.Fatalf("B should be ready once A is completed")
	}
}

func TestReadyRequiresEnabledAndPending(t *testing.T) {
	a := NewTarget("A", 0)
	a.SetEnabled(false)
	if a.Ready(nil) {
		t.Fatalf("disabled target must not be ready")
	}
	a.SetEnabled(true)
	a.SetStatus(StatusInProgress)
	if a.Ready(nil) {
		t.Fatalf("in-progress target must not be ready")
	}
}

func TestAlternativeInheritsDependencies(t *testing.T) {
	main := NewTarget("M31", 0)
	main.AddDependency("CalibrationFrames")
	alt := NewTarget("M31-alt", 1)
	main.AddAlternative(alt)

	deps := alt.Dependencies()
	if len(deps) != 1 || deps[0] != "CalibrationFrames" {
		t.Fatalf("alternative should inherit dependency set, got %v", deps)
	}
}

func TestCoordinatesValidation(t *testing.T) {
	tg := NewTarget("M42", 0)
	if err := tg.SetCoordinates(24, 0); err == nil {
		t.Fatalf("RA=24 should be rejected ([0,24) is half-open)")
	}
	if err := tg.SetCoordinates(5.5, -91); err == nil {
		t.Fatalf("Dec=-91 should be rejected")
	}
	if err := tg.SetCoordinates(5.5, -5.4); err != nil {
		t.Fatalf("valid coordinates rejected: %v", err)
	}
}

func TestValidateDAGRejectsCycle(t *testing.T) {
	a := NewTarget("A", 0)
	b := NewTarget("B", 1)
	a.AddDependency("B")
	b.AddDependency("A")

	targets := map[string]*Target{"A": a, "B": b}
	if err := ValidateDAG(targets); err == nil {
		t.Fatalf("expected cycle to be rejected")
	}
}

func TestValidateDAGAcceptsChain(t *testing.T) {
	a := NewTarget("A", 0)
	b := NewTarget("B", 1)
	c := NewTarget("C", 2)
	b.AddDependency("A")
	c.AddDependency("B")

	targets := map[string]*Target{"A": a, "B": b, "C": c}
	if err := ValidateDAG(targets); err != nil {
		t.Fatalf("valid chain rejected: %v", err)
	}
}

func TestWouldCreateCycle(t *testing.T) {
	a := NewTarget("A", 0)
	b := NewTarget("B", 1)
	b.AddDependency("A")
	targets := map[string]*Target{"A": a, "B": b}

	if !WouldCreateCycle(targets, "A", "B") {
		t.Fatalf("A depending on B should close a cycle (B already depends on A)")
	}
	if WouldCreateCycle(targets, "B", "A") {
		t.Fatalf("B depending on A is already the case and introduces no new cycle")
	}
}
