// Package scheduler implements target selection: given the target set,
// current statuses, and SkyAdvisor verdicts, it picks the next ready
// target(s) under the configured strategy (spec.md §4.4). The
// ready-queue shape is grounded on the teacher's Kahn's-algorithm
// traversal in dag_engine.go, generalized from task-level to
// target-level dependencies.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/lithium-observatory/sequencer/internal/corectx"
	"github.com/lithium-observatory/sequencer/internal/sky"
	"github.com/lithium-observatory/sequencer/internal/taskmodel"
	"github.com/lithium-observatory/sequencer/internal/targetmodel"
)

// Strategy selects how ready targets are ordered for dispatch.
type Strategy string

const (
	StrategyFIFO         Strategy = "FIFO"
	StrategyPriority     Strategy = "Priority"
	StrategyDependencies Strategy = "Dependencies"
)

// Advisor is the narrow surface the scheduler needs from the
// SkyAdvisor + WeatherSampler pair.
type Advisor interface {
	Verdict(tg *targetmodel.Target) sky.Verdict
}

// Scheduler selects the next ready targets under a configured strategy.
//
// strategy and flipInProgress are mutated from the sequence facade's
// runLoop goroutine (via SelectReady/SetStrategy) and from the
// Executor's worker goroutines (via MarkFlipComplete), so both fields
// are guarded by mu rather than relying on a caller-held lock the
// Scheduler has no visibility into.
type Scheduler struct {
	mu              sync.Mutex
	strategy        Strategy
	advisor         Advisor
	flipTaskFactory func(tg *targetmodel.Target) *taskmodel.Task
	flipInProgress  bool
}

// New constructs a Scheduler. flipTaskFactory builds the synthesized
// MeridianFlip task inserted ahead of a target's remaining tasks when
// the SkyAdvisor reports a flip is imminent.
func New(strategy Strategy, advisor Advisor, flipTaskFactory func(tg *targetmodel.Target) *taskmodel.Task) *Scheduler {
	return &Scheduler{strategy: strategy, advisor: advisor, flipTaskFactory: flipTaskFactory}
}

func (s *Scheduler) SetStrategy(strategy Strategy) {
	s.mu.Lock()
	s.strategy = strategy
	s.mu.Unlock()
}

func (s *Scheduler) Strategy() Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

// SelectReady returns, in dispatch order, up to maxCount targets ready
// to run right now. Targets is the full insertion-ordered set; statuses
// gives each target's current dependency-relevant status.
func (s *Scheduler) SelectReady(targets []*targetmodel.Target, statuses map[string]targetmodel.Status, maxCount int) []*targetmodel.Target {
	ready := s.readyCandidates(targets, statuses)
	strategy := s.Strategy()

	switch strategy {
	case StrategyPriority:
		sort.SliceStable(ready, func(i, j int) bool {
			if ready[i].Priority() != ready[j].Priority() {
				return ready[i].Priority() > ready[j].Priority()
			}
			return ready[i].InsertionOrder() < ready[j].InsertionOrder()
		})
	case StrategyDependencies:
		ready = s.topoFilter(ready, targets, statuses)
		sort.SliceStable(ready, func(i, j int) bool {
			if ready[i].Priority() != ready[j].Priority() {
				return ready[i].Priority() > ready[j].Priority()
			}
			return ready[i].InsertionOrder() < ready[j].InsertionOrder()
		})
	default: // FIFO
		sort.SliceStable(ready, func(i, j int) bool {
			return ready[i].InsertionOrder() < ready[j].InsertionOrder()
		})
	}

	if maxCount > 0 && len(ready) > maxCount {
		ready = ready[:maxCount]
	}

	for _, tg := range ready {
		s.maybeInsertMeridianFlip(tg)
	}

	return ready
}

func (s *Scheduler) readyCandidates(targets []*targetmodel.Target, statuses map[string]targetmodel.Status) []*targetmodel.Target {
	var ready []*targetmodel.Target
	for _, tg := range targets {
		if !tg.Ready(statuses) {
			continue
		}
		if s.advisor != nil {
			v := s.advisor.Verdict(tg)
			if !v.Observable {
				continue
			}
		}
		ready = append(ready, tg)
	}
	return ready
}

// topoFilter excludes targets whose dependencies are not fully
// satisfied in dependency order: a target whose dependencies are
// partially complete never runs (spec.md §4.4).
func (s *Scheduler) topoFilter(ready []*targetmodel.Target, all []*targetmodel.Target, statuses map[string]targetmodel.Status) []*targetmodel.Target {
	out := make([]*targetmodel.Target, 0, len(ready))
	for _, tg := range ready {
		deps := tg.Dependencies()
		allDone := true
		for _, dep := range deps {
			if statuses[dep] != targetmodel.StatusCompleted {
				allDone = false
				break
			}
		}
		if allDone {
			out = append(out, tg)
		}
	}
	return out
}

// maybeInsertMeridianFlip inserts a synthesized MeridianFlip task at
// the head of tg's remaining task list when the SkyAdvisor reports a
// flip imminent. A single session never attempts concurrent flips.
func (s *Scheduler) maybeInsertMeridianFlip(tg *targetmodel.Target) {
	if s.advisor == nil || s.flipTaskFactory == nil {
		return
	}
	v := s.advisor.Verdict(tg)
	if !v.FlipImminent {
		return
	}

	s.mu.Lock()
	if s.flipInProgress {
		s.mu.Unlock()
		return
	}
	s.flipInProgress = true
	s.mu.Unlock()

	flip := s.flipTaskFactory(tg)
	tg.InsertTaskAtHead(flip)
}

// MarkFlipComplete releases the single-flip-in-flight guard. Called by
// the executor's worker goroutine once the synthesized MeridianFlip
// task reaches a terminal status, so it must take mu itself rather
// than assume the sequence facade's lock is held.
func (s *Scheduler) MarkFlipComplete() {
	s.mu.Lock()
	s.flipInProgress = false
	s.mu.Unlock()
}

// advisorAdapter adapts a raw (SiteConfig, WeatherSampler) pair into
// the Advisor interface the Scheduler consumes, keeping sky.Observe
// pure and I/O-free (invariant 10).
type advisorAdapter struct {
	site    sky.SiteConfig
	weather *sky.WeatherSampler
	clock   func() time.Time
}

// NewAdvisorAdapter builds the standard Advisor used in production:
// SkyAdvisor.Observe fed by the cached WeatherSampler snapshot.
func NewAdvisorAdapter(site sky.SiteConfig, weather *sky.WeatherSampler, ec *corectx.ExecutionContext) Advisor {
	return &advisorAdapter{site: site, weather: weather, clock: ec.Now}
}

func (a *advisorAdapter) Verdict(tg *targetmodel.Target) sky.Verdict {
	coords := tg.Coordinates()
	if coords == nil {
		return sky.Verdict{Observable: true}
	}
	var snap sky.Snapshot
	if a.weather != nil {
		snap = a.weather.Latest()
	}
	return sky.Observe(*coords, a.clock(), a.site, snap)
}
