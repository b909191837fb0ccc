package sky

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lithium-observatory/sequencer/internal/corectx"
)

// WeatherSource is the external collaborator WeatherSampler polls; the
// core never talks to a weather station directly (spec.md §4.3:
// "Weather snapshots are sampled externally").
type WeatherSource interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// WeatherSampler periodically refreshes a cached Snapshot on a
// robfig/cron schedule, the same scheduling primitive the teacher's
// Scheduler uses for periodic work, so the Advisor itself never blocks
// on I/O.
type WeatherSampler struct {
	mu       sync.RWMutex
	cronSvc  *cron.Cron
	source   WeatherSource
	latest   Snapshot
	ec       *corectx.ExecutionContext
	entryID  cron.EntryID
	interval time.Duration
}

// NewWeatherSampler constructs a sampler polling source every interval
// (default 5 minutes per spec.md §4.3) via a cron expression built from
// the interval.
func NewWeatherSampler(source WeatherSource, interval time.Duration, ec *corectx.ExecutionContext) *WeatherSampler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &WeatherSampler{
		cronSvc:  cron.New(cron.WithSeconds()),
		source:   source,
		ec:       ec,
		interval: interval,
	}
}

// Start performs an initial synchronous sample, then schedules
// periodic refreshes for the configured interval.
func (w *WeatherSampler) Start(ctx context.Context) error {
	w.refresh(ctx)

	spec := "@every " + w.interval.String()
	entryID, err := w.cronSvc.AddFunc(spec, func() {
		w.refresh(context.Background())
	})
	if err != nil {
		return err
	}
	w.entryID = entryID
	w.cronSvc.Start()
	return nil
}

// Stop halts the background sampling.
func (w *WeatherSampler) Stop() {
	stopCtx := w.cronSvc.Stop()
	<-stopCtx.Done()
}

func (w *WeatherSampler) refresh(ctx context.Context) {
	snap, err := w.source.Sample(ctx)
	if err != nil {
		slog.Warn("weather sample failed", "error", err)
		return
	}
	w.mu.Lock()
	prev := w.latest
	w.latest = snap
	w.mu.Unlock()

	if w.ec != nil && weatherStateChanged(prev, snap) {
		w.ec.Publish(corectx.Event{
			Kind: corectx.EventWeatherStateChanged,
			Payload: map[string]any{
				"cloud_cover_pct": snap.CloudCoverPct,
				"wind_speed_kmh":  snap.WindSpeedKmh,
				"raining":         snap.Raining,
			},
		})
	}
}

// Latest returns the most recently cached snapshot. Called
// synchronously by the Advisor; never blocks on I/O.
func (w *WeatherSampler) Latest() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.latest
}

func weatherStateChanged(a, b Snapshot) bool {
	return a.Raining != b.Raining ||
		(a.CloudCoverPct < 30) != (b.CloudCoverPct < 30) ||
		(a.WindSpeedKmh < 25) != (b.WindSpeedKmh < 25)
}
