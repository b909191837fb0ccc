// Package executor runs one target end-to-end: it iterates the
// target's task list, enforces task-level contracts, reserves
// resources, updates status, and fires events (spec.md §4.5).
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lithium-observatory/sequencer/internal/corectx"
	"github.com/lithium-observatory/sequencer/internal/taskmodel"
)

// Built-in task-type names, reintroduced from original_source's task
// catalogue (meridian_flip_task.cpp, weather_monitor_task.cpp, and the
// sibling custom/advanced tasks it was grouped with).
const (
	TaskTypeSlew          = "Slew"
	TaskTypeTakeExposure  = "TakeExposure"
	TaskTypePlateSolve    = "PlateSolve"
	TaskTypeAutofocus     = "Autofocus"
	TaskTypeSetFilter     = "SetFilter"
	TaskTypeStartGuiding  = "StartGuiding"
	TaskTypeMeridianFlip  = "MeridianFlip"
	TaskTypeWeatherCheck  = "WeatherCheck"
	TaskTypeScript        = "Script"
	TaskTypeMosaicImaging = "MosaicImaging"
	TaskTypeTimelapse     = "Timelapse"
)

// deviceForTaskType maps a task type to the device handle it needs
// exclusive access to, enforcing spec.md §5's "Device handles are
// single-writer" rule.
var deviceForTaskType = map[string]string{
	TaskTypeSlew:          "mount",
	TaskTypeTakeExposure:  "camera",
	TaskTypePlateSolve:    "camera",
	TaskTypeAutofocus:     "focuser",
	TaskTypeSetFilter:     "filterwheel",
	TaskTypeStartGuiding:  "guider",
	TaskTypeMeridianFlip:  "mount",
	TaskTypeWeatherCheck:  "",
	TaskTypeScript:        "",
	TaskTypeMosaicImaging: "camera",
	TaskTypeTimelapse:     "camera",
}

// NewBuiltinRegistry returns a TaskRegistry with a Factory registered
// for each built-in task type. Each Behavior calls the narrow
// DeviceGateway capability interface from corectx; the registry never
// speaks device protocols directly (spec.md §6).
func NewBuiltinRegistry() *taskmodel.Registry {
	reg := taskmodel.NewRegistry()

	reg.Register(TaskTypeSlew, func(name string) (*taskmodel.Task, error) {
		t := taskmodel.NewTask(name, TaskTypeSlew, slewBehavior)
		t.DefineParameter(taskmodel.ParameterDef{Name: "ra_hours", Type: taskmodel.ParamNumber, Required: true, Description: "target right ascension in hours [0,24)"})
		t.DefineParameter(taskmodel.ParameterDef{Name: "dec_deg", Type: taskmodel.ParamNumber, Required: true, Description: "target declination in degrees [-90,90]"})
		return t, nil
	})

	reg.Register(TaskTypeTakeExposure, func(name string) (*taskmodel.Task, error) {
		t := taskmodel.NewTask(name, TaskTypeTakeExposure, exposeBehavior)
		t.DefineParameter(taskmodel.ParameterDef{Name: "duration_s", Type: taskmodel.ParamNumber, Required: true, Description: "exposure duration in seconds"})
		t.DefineParameter(taskmodel.ParameterDef{Name: "frame_type", Type: taskmodel.ParamString, Required: false, Default: "light", Description: "light/dark/flat/bias"})
		return t, nil
	})

	reg.Register(TaskTypePlateSolve, func(name string) (*taskmodel.Task, error) {
		t := taskmodel.NewTask(name, TaskTypePlateSolve, plateSolveBehavior)
		t.DefineParameter(taskmodel.ParameterDef{Name: "search_radius_deg", Type: taskmodel.ParamNumber, Required: false, Default: 5.0})
		return t, nil
	})

	reg.Register(TaskTypeAutofocus, func(name string) (*taskmodel.Task, error) {
		t := taskmodel.NewTask(name, TaskTypeAutofocus, autofocusBehavior)
		t.DefineParameter(taskmodel.ParameterDef{Name: "step_size", Type: taskmodel.ParamNumber, Required: false, Default: 50.0})
		return t, nil
	})

	reg.Register(TaskTypeSetFilter, func(name string) (*taskmodel.Task, error) {
		t := taskmodel.NewTask(name, TaskTypeSetFilter, setFilterBehavior)
		t.DefineParameter(taskmodel.ParameterDef{Name: "filter", Type: taskmodel.ParamString, Required: true})
		return t, nil
	})

	reg.Register(TaskTypeStartGuiding, func(name string) (*taskmodel.Task, error) {
		t := taskmodel.NewTask(name, TaskTypeStartGuiding, startGuidingBehavior)
		return t, nil
	})

	reg.Register(TaskTypeMeridianFlip, func(name string) (*taskmodel.Task, error) {
		t := taskmodel.NewTask(name, TaskTypeMeridianFlip, meridianFlipBehavior)
		// Parameters mirror original_source's meridian_flip_task.cpp defineParameters.
		t.DefineParameter(taskmodel.ParameterDef{Name: "target_ra", Type: taskmodel.ParamNumber, Required: true,
			Validate: func(v any) error { return validateRA(v) }})
		t.DefineParameter(taskmodel.ParameterDef{Name: "target_dec", Type: taskmodel.ParamNumber, Required: true,
			Validate: func(v any) error { return validateDec(v) }})
		t.DefineParameter(taskmodel.ParameterDef{Name: "flip_offset_minutes", Type: taskmodel.ParamNumber, Required: false, Default: 5.0})
		t.DefineParameter(taskmodel.ParameterDef{Name: "autofocus_after_flip", Type: taskmodel.ParamBool, Required: false, Default: true})
		t.DefineParameter(taskmodel.ParameterDef{Name: "platesolve_after_flip", Type: taskmodel.ParamBool, Required: false, Default: true})
		t.DefineParameter(taskmodel.ParameterDef{Name: "rotate_after_flip", Type: taskmodel.ParamBool, Required: false, Default: false})
		t.DefineParameter(taskmodel.ParameterDef{Name: "target_rotation", Type: taskmodel.ParamNumber, Required: false, Default: 0.0})
		t.DefineParameter(taskmodel.ParameterDef{Name: "pause_before_flip", Type: taskmodel.ParamBool, Required: false, Default: false})
		// original_source's createEnhancedTask fixes priority=9, timeout=3600s.
		t.SetPriority(9)
		return t, nil
	})

	reg.Register(TaskTypeWeatherCheck, func(name string) (*taskmodel.Task, error) {
		t := taskmodel.NewTask(name, TaskTypeWeatherCheck, weatherCheckBehavior)
		return t, nil
	})

	reg.Register(TaskTypeScript, func(name string) (*taskmodel.Task, error) {
		t := taskmodel.NewTask(name, TaskTypeScript, scriptBehavior)
		t.DefineParameter(taskmodel.ParameterDef{Name: "script_name", Type: taskmodel.ParamString, Required: true})
		return t, nil
	})

	reg.Register(TaskTypeMosaicImaging, func(name string) (*taskmodel.Task, error) {
		t := taskmodel.NewTask(name, TaskTypeMosaicImaging, mosaicImagingBehavior)
		// Parameters follow original_source's mosaic_imaging_task.cpp
		// calculateTileCoordinates grid: a center pointing tiled out by
		// tilesRA x tilesDec frames with a configurable overlap.
		t.DefineParameter(taskmodel.ParameterDef{Name: "center_ra_hours", Type: taskmodel.ParamNumber, Required: true,
			Validate: func(v any) error { return validateRA(v) }})
		t.DefineParameter(taskmodel.ParameterDef{Name: "center_dec_deg", Type: taskmodel.ParamNumber, Required: true,
			Validate: func(v any) error { return validateDec(v) }})
		t.DefineParameter(taskmodel.ParameterDef{Name: "tiles_ra", Type: taskmodel.ParamNumber, Required: false, Default: 2.0})
		t.DefineParameter(taskmodel.ParameterDef{Name: "tiles_dec", Type: taskmodel.ParamNumber, Required: false, Default: 2.0})
		t.DefineParameter(taskmodel.ParameterDef{Name: "tile_overlap_percent", Type: taskmodel.ParamNumber, Required: false, Default: 10.0})
		t.DefineParameter(taskmodel.ParameterDef{Name: "exposure_s", Type: taskmodel.ParamNumber, Required: true})
		return t, nil
	})

	reg.Register(TaskTypeTimelapse, func(name string) (*taskmodel.Task, error) {
		t := taskmodel.NewTask(name, TaskTypeTimelapse, timelapseBehavior)
		t.DefineParameter(taskmodel.ParameterDef{Name: "frame_count", Type: taskmodel.ParamNumber, Required: true})
		t.DefineParameter(taskmodel.ParameterDef{Name: "interval_s", Type: taskmodel.ParamNumber, Required: false, Default: 0.0})
		t.DefineParameter(taskmodel.ParameterDef{Name: "exposure_s", Type: taskmodel.ParamNumber, Required: true})
		return t, nil
	})

	return reg
}

func validateRA(v any) error {
	ra := toFloat(v)
	if ra < 0 || ra >= 24 {
		return fmt.Errorf("RA must be in [0,24)h, got %v", v)
	}
	return nil
}

func validateDec(v any) error {
	dec := toFloat(v)
	if dec < -90 || dec > 90 {
		return fmt.Errorf("Dec must be in [-90,90]deg, got %v", v)
	}
	return nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func slewBehavior(ctx context.Context, ec *corectx.ExecutionContext, params map[string]any) error {
	return ec.Devices.Slew(ctx, toFloat(params["ra_hours"]), toFloat(params["dec_deg"]))
}

func exposeBehavior(ctx context.Context, ec *corectx.ExecutionContext, params map[string]any) error {
	return ec.Devices.Expose(ctx, toFloat(params["duration_s"]))
}

func plateSolveBehavior(ctx context.Context, ec *corectx.ExecutionContext, params map[string]any) error {
	// Plate solving is a referenced external routine (spec.md §1 Non-goals);
	// the core only fixes the contract by which it is invoked and awaited.
	return ec.Devices.Expose(ctx, 1)
}

func autofocusBehavior(ctx context.Context, ec *corectx.ExecutionContext, params map[string]any) error {
	return ec.Devices.MoveTo(ctx, toFloat(params["step_size"]))
}

func setFilterBehavior(ctx context.Context, ec *corectx.ExecutionContext, params map[string]any) error {
	filter, _ := params["filter"].(string)
	return ec.Devices.SetFilter(ctx, filter)
}

func startGuidingBehavior(ctx context.Context, ec *corectx.ExecutionContext, params map[string]any) error {
	return ec.Devices.StartGuiding(ctx)
}

// meridianFlipBehavior performs the mount reorientation: slew to the
// post-flip pointing, then optionally autofocus/platesolve, mirroring
// original_source's performFlip/verifyFlip/recenterTarget sequence
// (meridian_flip_task.cpp). The rotate_after_flip, target_rotation,
// pause_before_flip and flip_offset_minutes parameters are accepted
// but not read here.
func meridianFlipBehavior(ctx context.Context, ec *corectx.ExecutionContext, params map[string]any) error {
	ra := toFloat(params["target_ra"])
	dec := toFloat(params["target_dec"])

	if err := ec.Devices.Slew(ctx, ra, dec); err != nil {
		return err
	}
	ec.Publish(corectx.Event{Kind: corectx.EventMeridianFlipTriggered, Payload: map[string]any{"target_ra": ra, "target_dec": dec}})

	if autofocus, _ := params["autofocus_after_flip"].(bool); autofocus {
		if err := ec.Devices.MoveTo(ctx, 0); err != nil {
			return err
		}
	}
	if platesolve, _ := params["platesolve_after_flip"].(bool); platesolve {
		if err := ec.Devices.Expose(ctx, 1); err != nil {
			return err
		}
	}
	return nil
}

// weatherCheckBehavior re-validates observatory status mid-sequence;
// the gating decision itself lives in the SkyAdvisor (invariant 10
// purity), this task only confirms the device-reported state.
func weatherCheckBehavior(ctx context.Context, ec *corectx.ExecutionContext, params map[string]any) error {
	status, err := ec.Devices.Status(ctx, "observatory")
	if err != nil {
		return err
	}
	if status == "unsafe" {
		return taskmodel.NewError(taskmodel.ErrSkyUnsafe, "observatory reports unsafe conditions", nil)
	}
	return nil
}

func scriptBehavior(ctx context.Context, ec *corectx.ExecutionContext, params map[string]any) error {
	name, _ := params["script_name"].(string)
	slog.Info("running script task", "script", name)
	return nil
}

// mosaicImagingBehavior tiles a rectangular field around a center
// pointing, slewing and exposing once per tile. The per-tile offset is
// a simplified flat-grid approximation of original_source's
// calculateTileCoordinates (which accounts for cos(dec) foreshortening
// in RA); declination spacing here is a fixed degree step since the
// advanced spherical projection is out of scope for this core.
func mosaicImagingBehavior(ctx context.Context, ec *corectx.ExecutionContext, params map[string]any) error {
	centerRA := toFloat(params["center_ra_hours"])
	centerDec := toFloat(params["center_dec_deg"])
	tilesRA := int(toFloat(params["tiles_ra"]))
	tilesDec := int(toFloat(params["tiles_dec"]))
	overlap := toFloat(params["tile_overlap_percent"])
	exposure := toFloat(params["exposure_s"])

	if tilesRA < 1 {
		tilesRA = 1
	}
	if tilesDec < 1 {
		tilesDec = 1
	}

	const tileFieldDeg = 1.0 // assumed per-tile field of view
	step := tileFieldDeg * (1 - overlap/100)

	for i := 0; i < tilesRA; i++ {
		for j := 0; j < tilesDec; j++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			raOffsetDeg := (float64(i) - float64(tilesRA-1)/2) * step
			decOffset := (float64(j) - float64(tilesDec-1)/2) * step
			ra := centerRA + raOffsetDeg/15 // degrees of RA -> hours
			dec := centerDec + decOffset

			if err := ec.Devices.Slew(ctx, ra, dec); err != nil {
				return err
			}
			if err := ec.Devices.Expose(ctx, exposure); err != nil {
				return err
			}
		}
	}
	return nil
}

// timelapseBehavior repeatedly exposes at a fixed interval, grounded on
// original_source's timelapse_task.hpp interval-driven capture loop.
// Sleeping between frames respects ctx cancellation rather than
// blocking the full interval unconditionally.
func timelapseBehavior(ctx context.Context, ec *corectx.ExecutionContext, params map[string]any) error {
	frameCount := int(toFloat(params["frame_count"]))
	intervalS := toFloat(params["interval_s"])
	exposure := toFloat(params["exposure_s"])

	for i := 0; i < frameCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ec.Devices.Expose(ctx, exposure); err != nil {
			return err
		}
		if i == frameCount-1 || intervalS <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(intervalS * float64(time.Second))):
		}
	}
	return nil
}
