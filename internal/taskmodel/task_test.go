package taskmodel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lithium-observatory/sequencer/internal/corectx"
)

func testContext() *corectx.ExecutionContext {
	return &corectx.ExecutionContext{SessionID: "test-session"}
}

func TestTaskHappyPath(t *testing.T) {
	task := NewTask("slew-m31", "Slew", func(ctx context.Context, ec *corectx.ExecutionContext, params map[string]any) error {
		return nil
	})
	if err := task.Execute(context.Background(), testContext(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.Status() != StatusCompleted {
		t.Fatalf("expected Completed, got %v", task.Status())
	}
	if task.Progress() != 1 {
		t.Fatalf("expected progress 1.0, got %v", task.Progress())
	}
}

func TestTaskInvalidParameterNeverRuns(t *testing.T) {
	ran := false
	task := NewTask("expose", "TakeExposure", func(ctx context.Context, ec *corectx.ExecutionContext, params map[string]any) error {
		ran = true
		return nil
	})
	task.DefineParameter(ParameterDef{Name: "duration_s", Type: ParamNumber, Required: true})

	err := task.Execute(context.Background(), testContext(), nil)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if Kind(err) != ErrInvalidParameter {
		t.Fatalf("expected InvalidParameter, got %v", Kind(err))
	}
	if ran {
		t.Fatalf("task body must not run when validation fails")
	}
	if task.Status() != StatusFailed {
		t.Fatalf("expected Failed, got %v", task.Status())
	}
}

func TestTaskRetryExhaustion(t *testing.T) {
	attempts := 0
	task := NewTask("focus", "Autofocus", func(ctx context.Context, ec *corectx.ExecutionContext, params map[string]any) error {
		attempts++
		return errors.New("device jammed")
	})
	task.SetRetryPolicy(2, RetryLinear, time.Millisecond, 10*time.Millisecond, nil)

	err := task.Execute(context.Background(), testContext(), nil)
	if err == nil {
		t.Fatalf("expected failure after retries exhausted")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", attempts)
	}
	if task.Status() != StatusFailed {
		t.Fatalf("expected Failed, got %v", task.Status())
	}
}

func TestTaskCancellation(t *testing.T) {
	started := make(chan struct{})
	task := NewTask("guide", "StartGuiding", func(ctx context.Context, ec *corectx.ExecutionContext, params map[string]any) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Execute(ctx, testContext(), nil) }()

	<-started
	cancel()

	if err := <-done; Kind(err) != ErrCancelled {
		t.Fatalf("expected Cancelled, got %v (%v)", Kind(err), err)
	}
	if task.Status() != StatusCancelled {
		t.Fatalf("expected Cancelled status, got %v", task.Status())
	}
}

func TestTaskTimeout(t *testing.T) {
	task := NewTask("plate-solve", "PlateSolve", func(ctx context.Context, ec *corectx.ExecutionContext, params map[string]any) error {
		<-ctx.Done()
		return ctx.Err()
	})
	task.SetTimeout(10 * time.Millisecond)

	err := task.Execute(context.Background(), testContext(), nil)
	if Kind(err) != ErrTimeout {
		t.Fatalf("expected Timeout, got %v (%v)", Kind(err), err)
	}
}

func TestTaskHooksRunInOrderAndPostRunsAfterFailure(t *testing.T) {
	var order []string
	task := NewTask("expose", "TakeExposure", func(ctx context.Context, ec *corectx.ExecutionContext, params map[string]any) error {
		return errors.New("camera error")
	})
	task.AddPreHook(Hook{Name: "cool-camera", Pre: func(name string) error { order = append(order, "pre1"); return nil }})
	task.AddPreHook(Hook{Name: "open-shutter", Pre: func(name string) error { order = append(order, "pre2"); return nil }})
	task.AddPostHook(Hook{Name: "close-shutter", Post: func(name string, code int) { order = append(order, "post1") }})

	task.Execute(context.Background(), testContext(), nil)

	if len(order) != 3 || order[0] != "pre1" || order[1] != "pre2" || order[2] != "post1" {
		t.Fatalf("unexpected hook order: %v", order)
	}
}

func TestTaskProgressMonotonic(t *testing.T) {
	task := NewTask("expose", "TakeExposure", nil)
	task.SetProgress(0.5)
	task.SetProgress(0.2)
	if task.Progress() != 0.5 {
		t.Fatalf("progress must not regress, got %v", task.Progress())
	}
	task.Reset()
	if task.Progress() != 0 {
		t.Fatalf("reset must clear progress, got %v", task.Progress())
	}
}

func TestTerminalStatusSticky(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped} {
		if !s.Terminal() {
			t.Fatalf("%v should be terminal", s)
		}
	}
	for _, s := range []Status{StatusIdle, StatusValidating, StatusRunning, StatusPaused} {
		if s.Terminal() {
			t.Fatalf("%v should not be terminal", s)
		}
	}
}
