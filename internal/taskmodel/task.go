package taskmodel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/lithium-observatory/sequencer/internal/corectx"
	"github.com/lithium-observatory/sequencer/internal/resilience"
)

// Status is the task lifecycle state (spec.md §3).
type Status string

const (
	StatusIdle       Status = "Idle"
	StatusValidating Status = "Validating"
	StatusRunning    Status = "Running"
	StatusPaused     Status = "Paused"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusCancelled  Status = "Cancelled"
	StatusSkipped    Status = "Skipped"
)

// Terminal reports whether the status is final (sticky per invariant 2).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

// RetryStrategy selects how delay grows between attempts.
type RetryStrategy string

const (
	RetryNone        RetryStrategy = "None"
	RetryLinear      RetryStrategy = "Linear"
	RetryExponential RetryStrategy = "Exponential"
	RetryCustom      RetryStrategy = "Custom"
)

// ParameterType is the JSON-ish type a parameter's runtime value must match.
type ParameterType string

const (
	ParamString ParameterType = "string"
	ParamNumber ParameterType = "number"
	ParamBool   ParameterType = "bool"
	ParamObject ParameterType = "object"
)

// ParameterDef describes one entry of a task's parameter schema.
type ParameterDef struct {
	Name        string
	Type        ParameterType
	Required    bool
	Default     any
	Description string
	Validate    func(v any) error
}

// HistoryEntry is one append-only, timestamped record of task progress.
type HistoryEntry struct {
	Timestamp time.Time
	Status    Status
	Message   string
}

// Hook is a named pre/post callback. Pre-hooks run before the task
// body; post-hooks run after, receiving the body's exit code
// (0 success, non-zero failure, -1 cancelled).
type Hook struct {
	Name string
	Pre  func(taskName string) error
	Post func(taskName string, exitCode int)
}

// CustomDelayFunc computes the delay before attempt+1 given the
// zero-based attempt number and the error from the last attempt.
type CustomDelayFunc func(attempt int, lastErr error) time.Duration

// ResourceLimits declares the memory/CPU a task may consume. The
// Executor sums MemoryBytes over a target's tasks and reserves that
// against the ResourceArbiter's memory budget; CPUPercent is recorded
// but not enforced anywhere.
type ResourceLimits struct {
	MemoryBytes int64
	CPUPercent  float64
}

// Behavior is the function a task-type plugs into the registry
// (Design Notes: "polymorphic task hierarchy" -> {type, params,
// behavior function}). It performs the task's actual device work.
type Behavior func(ctx context.Context, ec *corectx.ExecutionContext, params map[string]any) error

// Task is one atomic unit of sequencer work.
type Task struct {
	mu sync.Mutex

	id       uuid.UUID
	name     string
	taskType string

	schema map[string]ParameterDef
	params map[string]any

	priority      int
	timeout       time.Duration
	retryCount    int
	retryStrategy RetryStrategy
	baseDelay     time.Duration
	maxDelay      time.Duration
	customDelay   CustomDelayFunc
	limits        ResourceLimits
	nonIdempotent bool

	status       Status
	errorKind    ErrorKind
	errorMessage string
	progress     float64
	history      []HistoryEntry

	preHooks  []Hook
	postHooks []Hook

	behavior Behavior

	cancel     context.CancelFunc
	expBackoff *backoff.ExponentialBackOff
}

// NewTask constructs a task in status Idle.
func NewTask(name, taskType string, behavior Behavior) *Task {
	return &Task{
		id:            uuid.New(),
		name:          name,
		taskType:      taskType,
		schema:        make(map[string]ParameterDef),
		params:        make(map[string]any),
		retryStrategy: RetryNone,
		baseDelay:     time.Second,
		maxDelay:      30 * time.Second,
		status:        StatusIdle,
		behavior:      behavior,
	}
}

func (t *Task) ID() uuid.UUID { return t.id }
func (t *Task) Name() string  { return t.name }
func (t *Task) Type() string  { return t.taskType }

// DefineParameter builds the parameter schema. Callable only before
// first execution (Idle).
func (t *Task) DefineParameter(def ParameterDef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusIdle {
		return NewError(ErrSystemError, "cannot define parameters after first execution", nil)
	}
	t.schema[def.Name] = def
	if def.Default != nil {
		t.params[def.Name] = def.Default
	}
	return nil
}

// SetPriority sets the task's priority, clamped to [0,10].
func (t *Task) SetPriority(p int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p < 0 {
		p = 0
	} else if p > 10 {
		p = 10
	}
	t.priority = p
}

func (t *Task) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

// SetTimeout sets the task's execution timeout.
func (t *Task) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
}

func (t *Task) Timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

// RetryCount, RetryStrategyValue, BaseDelay, and MaxDelay expose the
// retry policy configured via SetRetryPolicy, used by package persist
// to round-trip a task's configuration (spec.md §8).
func (t *Task) RetryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryCount
}

func (t *Task) RetryStrategyValue() RetryStrategy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryStrategy
}

func (t *Task) BaseDelay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.baseDelay
}

func (t *Task) MaxDelay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxDelay
}

// SetRetryPolicy configures retry count/strategy/delays.
func (t *Task) SetRetryPolicy(count int, strategy RetryStrategy, baseDelay, maxDelay time.Duration, custom CustomDelayFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retryCount = count
	t.retryStrategy = strategy
	if baseDelay > 0 {
		t.baseDelay = baseDelay
	}
	if maxDelay > 0 {
		t.maxDelay = maxDelay
	}
	t.customDelay = custom
}

// SetResourceLimits sets the task's declared memory/CPU limits (see
// ResourceLimits for which of them the arbiter enforces).
func (t *Task) SetResourceLimits(l ResourceLimits) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits = l
}

func (t *Task) ResourceLimits() ResourceLimits {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limits
}

// MarkNonIdempotent records that the task body must not be retried
// blindly; callers of Execute still retry, but the registry/author is
// declaring the behavior is not safe to re-run without side effects.
func (t *Task) MarkNonIdempotent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nonIdempotent = true
}

// AddPreHook / AddPostHook register hooks in call order.
func (t *Task) AddPreHook(h Hook)  { t.mu.Lock(); t.preHooks = append(t.preHooks, h); t.mu.Unlock() }
func (t *Task) AddPostHook(h Hook) { t.mu.Lock(); t.postHooks = append(t.postHooks, h); t.mu.Unlock() }

// SetParam sets a runtime parameter value (string-keyed at ingress,
// validated against schema before Running per Design Notes §9).
func (t *Task) SetParam(name string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.params[name] = value
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

func (t *Task) ErrorKind() ErrorKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorKind
}

func (t *Task) ErrorMessage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorMessage
}

func (t *Task) History() []HistoryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]HistoryEntry, len(t.history))
	copy(out, t.history)
	return out
}

// SetProgress updates progress, enforcing monotonicity (invariant 5)
// except across an explicit Reset.
func (t *Task) SetProgress(p float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p < t.progress {
		p = t.progress
	}
	if p > 1 {
		p = 1
	}
	t.progress = p
}

// Skip forces the task to a terminal Skipped status without running
// its behavior. Used by the Executor's Skip recovery strategy (spec.md
// §4.2) when a failed task should not block the rest of its target.
func (t *Task) Skip(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setStatus(StatusSkipped, time.Now(), reason)
}

// FailWithoutRunning forces a terminal Failed status before the
// behavior ever ran, for preflight gates the Executor enforces ahead
// of Execute (e.g. the single-writer device lock in spec.md §5).
func (t *Task) FailWithoutRunning(kind ErrorKind, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setStatus(StatusFailed, time.Now(), message)
	t.errorKind = kind
	t.errorMessage = message
}

// Reset restores an Idle task prior to re-execution, required
// explicitly before a Cancelled task may retry (Open Questions).
func (t *Task) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusIdle
	t.errorKind = ErrNone
	t.errorMessage = ""
	t.progress = 0
}

func (t *Task) appendHistory(status Status, message string, now time.Time) {
	t.history = append(t.history, HistoryEntry{Timestamp: now, Status: status, Message: message})
}

func (t *Task) setStatus(status Status, now time.Time, message string) {
	t.status = status
	t.appendHistory(status, message, now)
}

// Validate checks presence of required fields, type match, and custom
// validators. It does not mutate status.
func (t *Task) Validate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, def := range t.schema {
		v, present := t.params[name]
		if !present {
			if def.Required {
				return NewError(ErrInvalidParameter, fmt.Sprintf("missing required parameter %q", name), nil)
			}
			continue
		}
		if err := checkType(def.Type, v); err != nil {
			return NewError(ErrInvalidParameter, fmt.Sprintf("parameter %q: %v", name, err), nil)
		}
		if def.Validate != nil {
			if err := def.Validate(v); err != nil {
				return NewError(ErrInvalidParameter, fmt.Sprintf("parameter %q: %v", name, err), nil)
			}
		}
	}
	return nil
}

func checkType(t ParameterType, v any) error {
	switch t {
	case ParamString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
	case ParamNumber:
		switch v.(type) {
		case int, int64, float64, float32:
		default:
			return fmt.Errorf("expected number, got %T", v)
		}
	case ParamBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
	case ParamObject:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", v)
		}
	}
	return nil
}

// Cancel requests cooperative cancellation. The running body must
// observe ctx.Done() at its suspension points.
func (t *Task) Cancel() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Execute runs the deterministic algorithm from spec.md §4.1: validate,
// pre-hooks, run body under timeout with retries, post-hooks, event
// firing via ec.Publish.
func (t *Task) Execute(ctx context.Context, ec *corectx.ExecutionContext, breaker *resilience.CircuitBreaker) error {
	now := ec.Now()

	t.mu.Lock()
	t.status = StatusValidating
	t.appendHistory(StatusValidating, "validating parameters", now)
	t.mu.Unlock()

	if err := t.Validate(); err != nil {
		se := err.(*SequenceError)
		t.mu.Lock()
		t.setStatus(StatusFailed, ec.Now(), se.Message)
		t.errorKind = se.Kind
		t.errorMessage = se.Message
		t.mu.Unlock()
		ec.Publish(corectx.Event{Kind: corectx.EventTaskFailed, TaskID: t.id.String(), Payload: map[string]any{"kind": string(se.Kind), "message": se.Message}})
		return err
	}

	if err := t.runHooks(t.preHooks, false); err != nil {
		t.mu.Lock()
		t.setStatus(StatusFailed, ec.Now(), err.Error())
		t.errorKind = ErrHookError
		t.errorMessage = err.Error()
		t.mu.Unlock()
		ec.Publish(corectx.Event{Kind: corectx.EventTaskFailed, TaskID: t.id.String(), Payload: map[string]any{"kind": string(ErrHookError), "message": err.Error()}})
		return NewError(ErrHookError, err.Error(), err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.status = StatusRunning
	t.appendHistory(StatusRunning, "running", ec.Now())
	timeout := t.timeout
	retryCount := t.retryCount
	strategy := t.retryStrategy
	t.mu.Unlock()
	defer cancel()

	ec.Publish(corectx.Event{Kind: corectx.EventTaskStarted, TaskID: t.id.String()})

	runErr := t.runWithRetries(runCtx, ec, breaker, timeout, retryCount, strategy)

	exitCode := 0
	var finalErr error
	switch {
	case runErr == nil:
		t.mu.Lock()
		t.setStatus(StatusCompleted, ec.Now(), "completed")
		t.progress = 1
		t.mu.Unlock()
		ec.Publish(corectx.Event{Kind: corectx.EventTaskCompleted, TaskID: t.id.String()})
	case runCtx.Err() == context.Canceled && ctx.Err() == context.Canceled:
		exitCode = -1
		t.mu.Lock()
		t.setStatus(StatusCancelled, ec.Now(), "cancelled")
		t.errorKind = ErrCancelled
		t.errorMessage = "cancelled"
		t.mu.Unlock()
		finalErr = NewError(ErrCancelled, "cancelled", runErr)
		ec.Publish(corectx.Event{Kind: corectx.EventTaskFailed, TaskID: t.id.String(), Payload: map[string]any{"kind": string(ErrCancelled)}})
	case errors.Is(runErr, context.DeadlineExceeded):
		exitCode = 1
		t.mu.Lock()
		t.setStatus(StatusFailed, ec.Now(), "timeout")
		t.errorKind = ErrTimeout
		t.errorMessage = runErr.Error()
		t.mu.Unlock()
		finalErr = NewError(ErrTimeout, "deadline exceeded", runErr)
		ec.Publish(corectx.Event{Kind: corectx.EventTaskFailed, TaskID: t.id.String(), Payload: map[string]any{"kind": string(ErrTimeout)}})
	default:
		exitCode = 1
		kind := Kind(runErr)
		if kind == ErrNone {
			kind = ErrDeviceError
		}
		t.mu.Lock()
		t.setStatus(StatusFailed, ec.Now(), runErr.Error())
		t.errorKind = kind
		t.errorMessage = runErr.Error()
		t.mu.Unlock()
		finalErr = NewError(kind, runErr.Error(), runErr)
		ec.Publish(corectx.Event{Kind: corectx.EventTaskFailed, TaskID: t.id.String(), Payload: map[string]any{"kind": string(kind), "message": runErr.Error()}})
	}

	// Post-hooks always run if pre-hooks completed and the body started.
	t.runHooks(t.postHooks, true, exitCode)

	return finalErr
}

func (t *Task) runWithRetries(ctx context.Context, ec *corectx.ExecutionContext, breaker *resilience.CircuitBreaker, timeout time.Duration, retryCount int, strategy RetryStrategy) error {
	attempts := retryCount + 1
	var lastErr error

	if strategy == RetryExponential {
		t.mu.Lock()
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = t.baseDelay
		eb.MaxInterval = t.maxDelay
		eb.MaxElapsedTime = 0
		eb.Reset()
		t.expBackoff = eb
		t.mu.Unlock()
	}
	for attempt := 0; attempt < attempts; attempt++ {
		attemptCtx := ctx
		var cancelAttempt context.CancelFunc
		if timeout > 0 {
			attemptCtx, cancelAttempt = context.WithTimeout(ctx, timeout)
		}

		if breaker != nil && !breaker.Allow() {
			if cancelAttempt != nil {
				cancelAttempt()
			}
			return NewError(ErrDeviceError, "device circuit open", nil)
		}

		err := t.behavior(attemptCtx, ec, t.snapshotParams())
		if cancelAttempt != nil {
			cancelAttempt()
		}
		if breaker != nil {
			breaker.RecordResult(err == nil)
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attemptCtx.Err() == context.DeadlineExceeded {
			return attemptCtx.Err()
		}
		if attempt == attempts-1 || strategy == RetryNone {
			break
		}

		delay := t.retryDelay(strategy, attempt, lastErr)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return lastErr
}

func (t *Task) retryDelay(strategy RetryStrategy, attempt int, lastErr error) time.Duration {
	t.mu.Lock()
	base, max, custom, eb := t.baseDelay, t.maxDelay, t.customDelay, t.expBackoff
	t.mu.Unlock()
	switch strategy {
	case RetryLinear:
		d := time.Duration(attempt+1) * base
		if d > max {
			d = max
		}
		return d
	case RetryExponential:
		if eb == nil {
			return base
		}
		d := eb.NextBackOff()
		if d == backoff.Stop {
			return max
		}
		return d
	case RetryCustom:
		if custom != nil {
			return custom(attempt, lastErr)
		}
		return 0
	default:
		return 0
	}
}

func (t *Task) snapshotParams() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]any, len(t.params))
	for k, v := range t.params {
		out[k] = v
	}
	return out
}

// ParamsSnapshot returns a copy of the task's current runtime
// parameter values, used by package persist to serialize a Task.
func (t *Task) ParamsSnapshot() map[string]any { return t.snapshotParams() }

// runHooks runs pre or post hooks in registration order. A hook
// exception aborts remaining hooks of that phase (variadic exitCode
// present only for post-hooks).
func (t *Task) runHooks(hooks []Hook, post bool, exitCode ...int) error {
	for _, h := range hooks {
		if post {
			code := -1
			if len(exitCode) > 0 {
				code = exitCode[0]
			}
			if h.Post == nil {
				continue
			}
			if err := safeRunPost(h, t.name, code); err != nil {
				return err
			}
			continue
		}
		if h.Pre == nil {
			continue
		}
		if err := safeRunPre(h, t.name); err != nil {
			return err
		}
	}
	return nil
}

func safeRunPre(h Hook, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %q panicked: %v", h.Name, r)
		}
	}()
	return h.Pre(name)
}

func safeRunPost(h Hook, name string, code int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %q panicked: %v", h.Name, r)
		}
	}()
	h.Post(name, code)
	return nil
}

