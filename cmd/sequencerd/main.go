// Command sequencerd runs the imaging sequencer as an HTTP control
// surface, the same shape as the teacher's orchestrator daemon:
// slog/otelinit bring-up, a stdlib ServeMux front door, and a bounded
// signal.NotifyContext shutdown.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lithium-observatory/sequencer/internal/arbiter"
	"github.com/lithium-observatory/sequencer/internal/corectx"
	"github.com/lithium-observatory/sequencer/internal/corelog"
	"github.com/lithium-observatory/sequencer/internal/device"
	"github.com/lithium-observatory/sequencer/internal/eventbus"
	"github.com/lithium-observatory/sequencer/internal/executor"
	"github.com/lithium-observatory/sequencer/internal/otelinit"
	"github.com/lithium-observatory/sequencer/internal/persist"
	"github.com/lithium-observatory/sequencer/internal/scheduler"
	"github.com/lithium-observatory/sequencer/internal/sequence"
	"github.com/lithium-observatory/sequencer/internal/sky"
	"github.com/lithium-observatory/sequencer/internal/targetmodel"
	"github.com/lithium-observatory/sequencer/internal/taskmodel"
	"go.opentelemetry.io/otel"
)

// clearSkySource is a stand-in WeatherSource for the single-process
// daemon: real deployments replace it with a station-backed sampler,
// but the Advisor's contract (WeatherSource.Sample) stays the same.
type clearSkySource struct{}

func (clearSkySource) Sample(_ context.Context) (sky.Snapshot, error) {
	return sky.Snapshot{CloudCoverPct: 5, WindSpeedKmh: 8, HumidityPct: 40, TemperatureC: 10, DewPointC: 2, SampledAt: time.Now()}, nil
}

type targetRequest struct {
	Name         string   `json:"name"`
	Priority     int      `json:"priority"`
	RAHours      float64  `json:"ra_hours"`
	DecDeg       float64  `json:"dec_deg"`
	TimeoutSecs  int64    `json:"timeout_seconds"`
	Dependencies []string `json:"dependencies"`
	Tasks        []struct {
		Type       string         `json:"type"`
		Name       string         `json:"name"`
		DurationS  float64        `json:"duration_s,omitempty"`
		ExtraParam map[string]any `json:"params,omitempty"`
	} `json:"tasks"`
}

func main() {
	service := "sequencerd"
	corelog.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, metrics := otelinit.InitMetrics(ctx, service)

	dataDir := os.Getenv("SEQUENCER_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("failed to create data dir", "error", err)
		os.Exit(1)
	}
	_ = metrics // resilience instruments are read by executor's circuit breakers via otel globals

	store, err := persist.Open(dataDir, otel.GetMeterProvider().Meter("sequencer"))
	if err != nil {
		slog.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	gw := device.NewSimulatedGateway()
	bus := eventbus.New()
	site := sky.DefaultSiteConfig()
	ec := &corectx.ExecutionContext{
		SessionID: "default",
		Clock:     time.Now,
		Events:    bus,
		Devices:   gw,
	}
	sampler := sky.NewWeatherSampler(clearSkySource{}, 5*time.Minute, ec)
	if err := sampler.Start(ctx); err != nil {
		slog.Error("failed to start weather sampler", "error", err)
		os.Exit(1)
	}
	defer sampler.Stop()

	advisor := scheduler.NewAdvisorAdapter(site, sampler, ec)
	arb := arbiter.New(arbiter.Config{MaxConcurrentTargets: 4, TotalMemoryBytes: 4 << 30})
	sched := scheduler.New(scheduler.StrategyPriority, advisor, nil)
	exec := executor.New(ec, arb, 4, executor.RecoveryStop, sched)
	reg := executor.NewBuiltinRegistry()

	seq := sequence.New("default", sched, exec, arb, bus, store, ec, reg, 3600, 4)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/targets", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req targetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		tg, err := buildTarget(reg, req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := seq.AddTarget(tg); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("/v1/execute", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := seq.ExecuteAll(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/v1/pause", func(w http.ResponseWriter, r *http.Request) {
		if err := seq.Pause(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/resume", func(w http.ResponseWriter, r *http.Request) {
		if err := seq.Resume(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/stop", func(w http.ResponseWriter, r *http.Request) {
		if err := seq.Stop(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		stats := seq.GetExecutionStats()
		resp := map[string]any{
			"state":    seq.State(),
			"progress": seq.GetProgress(),
			"stats":    stats,
			"failed":   seq.GetFailedTargets(),
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	srv := &http.Server{Addr: addr(), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("sequencerd started", "addr", srv.Addr)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	if seq.State() == sequence.StateRunning || seq.State() == sequence.StatePaused {
		_ = seq.Stop()
	}
	_ = seq.SaveToStore(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

func addr() string {
	if a := os.Getenv("SEQUENCER_ADDR"); a != "" {
		return a
	}
	return ":8080"
}

func buildTarget(reg *taskmodel.Registry, req targetRequest) (*targetmodel.Target, error) {
	tg := targetmodel.NewTarget(req.Name, 0)
	tg.SetPriority(req.Priority)
	if req.TimeoutSecs > 0 {
		tg.SetTimeout(req.TimeoutSecs)
	}
	if req.RAHours != 0 || req.DecDeg != 0 {
		if err := tg.SetCoordinates(req.RAHours, req.DecDeg); err != nil {
			return nil, err
		}
	}
	for _, dep := range req.Dependencies {
		tg.AddDependency(dep)
	}
	for _, tr := range req.Tasks {
		task, err := reg.Create(tr.Type, tr.Name)
		if err != nil {
			return nil, err
		}
		if tr.DurationS > 0 {
			task.SetParam("duration_s", tr.DurationS)
		}
		for k, v := range tr.ExtraParam {
			task.SetParam(k, v)
		}
		tg.AddTask(task)
	}
	return tg, nil
}
