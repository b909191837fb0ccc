// Package corectx defines the ExecutionContext threaded explicitly
// through the sequencer core instead of singleton managers (Design
// Notes: singleton managers replaced by explicit context passing).
package corectx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// EventKind is the closed set of event types the EventBus carries.
type EventKind string

const (
	EventSessionStarted        EventKind = "SessionStarted"
	EventSessionPaused         EventKind = "SessionPaused"
	EventSessionResumed        EventKind = "SessionResumed"
	EventSessionStopped        EventKind = "SessionStopped"
	EventTargetStarted         EventKind = "TargetStarted"
	EventTargetCompleted       EventKind = "TargetCompleted"
	EventTargetFailed          EventKind = "TargetFailed"
	EventTargetSkipped         EventKind = "TargetSkipped"
	EventTaskStarted           EventKind = "TaskStarted"
	EventTaskProgress          EventKind = "TaskProgress"
	EventTaskCompleted         EventKind = "TaskCompleted"
	EventTaskFailed            EventKind = "TaskFailed"
	EventMeridianFlipTriggered EventKind = "MeridianFlipTriggered"
	EventWeatherStateChanged   EventKind = "WeatherStateChanged"
)

// Event is one notification carried on the EventBus.
type Event struct {
	Kind         EventKind
	TimestampMS  int64
	SessionID    string
	TargetName   string
	TaskID       string
	Payload      map[string]any
}

// EventPublisher is the narrow surface Task/Target/Executor use to
// emit events; the concrete EventBus implementation lives in package
// eventbus and is injected here to avoid an import cycle.
type EventPublisher interface {
	Publish(Event)
}

// DeviceCapability is the narrow capability set the core consumes
// from a device gateway (spec: "the core never speaks device
// protocols directly").
type DeviceCapability interface {
	Connect(ctx context.Context, device string) error
	Disconnect(ctx context.Context, device string) error
	Status(ctx context.Context, device string) (string, error)
	Slew(ctx context.Context, raHours, decDeg float64) error
	Expose(ctx context.Context, durationSeconds float64) error
	MoveTo(ctx context.Context, position float64) error
	SetFilter(ctx context.Context, filter string) error
	StartGuiding(ctx context.Context) error
}

// ExecutionContext bundles the policy, clock, event bus, device
// gateway, and tracer/meter references that the core threads
// explicitly through every call instead of reaching for singletons.
type ExecutionContext struct {
	SessionID string
	Clock     func() time.Time
	Events    EventPublisher
	Devices   DeviceCapability
	Tracer    trace.Tracer
	Meter     metric.Meter

	// PauseExtendsTimeouts resolves the spec's Open Question; default false.
	PauseExtendsTimeouts bool
}

// Now returns ec.Clock() if set, else time.Now().
func (ec *ExecutionContext) Now() time.Time {
	if ec == nil || ec.Clock == nil {
		return time.Now()
	}
	return ec.Clock()
}

// Publish forwards to ec.Events if present; safe to call on a nil
// publisher (events are best-effort, never load-bearing for control flow).
func (ec *ExecutionContext) Publish(evt Event) {
	if ec == nil || ec.Events == nil {
		return
	}
	evt.TimestampMS = ec.Now().UnixMilli()
	evt.SessionID = ec.SessionID
	ec.Events.Publish(evt)
}
