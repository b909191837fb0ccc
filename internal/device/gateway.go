// Package device provides the narrow DeviceGateway capability
// interface the core consumes (spec.md §6), plus an in-memory
// simulated implementation for tests — no real protocol drivers, per
// spec.md §1 Non-goals. Routing by device kind mirrors the teacher's
// MultiTaskExecutor dispatch-by-type pattern (task_executor.go).
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lithium-observatory/sequencer/internal/corectx"
	"github.com/lithium-observatory/sequencer/internal/taskmodel"
)

// ErrDeviceBusy is returned when a second task tries to use a device
// handle already in use (spec.md §5: "Device handles are single-writer").
var ErrDeviceBusy = taskmodel.NewError(taskmodel.ErrDeviceError, "device busy", nil)

type deviceState struct {
	mu        sync.Mutex
	connected bool
	position  float64
	filter    string
	guiding   bool
}

// SimulatedGateway is an in-memory DeviceGateway implementation used
// by tests and by the reference cmd/sequencerd binary when no real
// hardware driver is wired in.
type SimulatedGateway struct {
	mu      sync.Mutex
	devices map[string]*deviceState

	// SlewDelay/ExposeDelay simulate device latency for tests that
	// exercise cancellation at suspension points (spec.md §5).
	SlewDelay   time.Duration
	ExposeDelay time.Duration

	// FailDevices, if set, makes Connect and every domain operation of
	// the named device fail (used to exercise DeviceError retry paths);
	// Disconnect and Status never fail.
	FailDevices map[string]bool
}

// NewSimulatedGateway constructs a gateway with no connected devices.
func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{devices: make(map[string]*deviceState)}
}

func (g *SimulatedGateway) state(device string) *deviceState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.devices[device]
	if !ok {
		st = &deviceState{}
		g.devices[device] = st
	}
	return st
}

func (g *SimulatedGateway) shouldFail(device string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.FailDevices != nil && g.FailDevices[device]
}

func (g *SimulatedGateway) Connect(ctx context.Context, device string) error {
	if g.shouldFail(device) {
		return taskmodel.NewError(taskmodel.ErrDeviceError, fmt.Sprintf("connect %s failed", device), nil)
	}
	st := g.state(device)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.connected = true
	return nil
}

func (g *SimulatedGateway) Disconnect(ctx context.Context, device string) error {
	st := g.state(device)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.connected = false
	return nil
}

func (g *SimulatedGateway) Status(ctx context.Context, device string) (string, error) {
	st := g.state(device)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.connected {
		return "connected", nil
	}
	return "disconnected", nil
}

func (g *SimulatedGateway) Slew(ctx context.Context, raHours, decDeg float64) error {
	if g.shouldFail("mount") {
		return taskmodel.NewError(taskmodel.ErrDeviceError, "slew failed", nil)
	}
	return g.waitOrCancel(ctx, g.SlewDelay)
}

func (g *SimulatedGateway) Expose(ctx context.Context, durationSeconds float64) error {
	if g.shouldFail("camera") {
		return taskmodel.NewError(taskmodel.ErrDeviceError, "exposure failed", nil)
	}
	delay := g.ExposeDelay
	if delay == 0 {
		delay = time.Duration(durationSeconds * float64(time.Second))
	}
	return g.waitOrCancel(ctx, delay)
}

func (g *SimulatedGateway) MoveTo(ctx context.Context, position float64) error {
	if g.shouldFail("focuser") {
		return taskmodel.NewError(taskmodel.ErrDeviceError, "focuser move failed", nil)
	}
	st := g.state("focuser")
	st.mu.Lock()
	st.position = position
	st.mu.Unlock()
	return nil
}

func (g *SimulatedGateway) SetFilter(ctx context.Context, filter string) error {
	if g.shouldFail("filterwheel") {
		return taskmodel.NewError(taskmodel.ErrDeviceError, "filter change failed", nil)
	}
	st := g.state("filterwheel")
	st.mu.Lock()
	st.filter = filter
	st.mu.Unlock()
	return nil
}

func (g *SimulatedGateway) StartGuiding(ctx context.Context) error {
	if g.shouldFail("guider") {
		return taskmodel.NewError(taskmodel.ErrDeviceError, "guiding start failed", nil)
	}
	st := g.state("guider")
	st.mu.Lock()
	st.guiding = true
	st.mu.Unlock()
	return nil
}

// waitOrCancel simulates device latency while honoring cooperative
// cancellation at the suspension point (spec.md §5).
func (g *SimulatedGateway) waitOrCancel(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

var _ corectx.DeviceCapability = (*SimulatedGateway)(nil)
