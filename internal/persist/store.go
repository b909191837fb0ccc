// Package persist implements the SequenceStore: durable storage for a
// session's target graph and its execution-statistics history, via
// BoltDB exactly as the teacher's WorkflowStore does for workflows
// (services/orchestrator/persistence.go). A session loads or saves
// as a single serialized blob under one key so invariant 8 (save/load
// round-trip) is atomic by construction — a torn write never leaves a
// half-restored graph.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lithium-observatory/sequencer/internal/taskmodel"
	"github.com/lithium-observatory/sequencer/internal/targetmodel"
)

var (
	bucketSessions = []byte("sessions")
	bucketStats    = []byte("execution_stats")
)

// TaskSnapshot is the serialized form of one taskmodel.Task's structure
// and policy. Runtime status is intentionally not part of the
// persisted layout (spec's save format is structure + policy only);
// reloading a task always starts it fresh at StatusIdle, matching
// invariant 8's "status reset to its pre-run value".
type TaskSnapshot struct {
	Name          string                   `json:"name"`
	Type          string                   `json:"type"`
	Priority      int                      `json:"priority"`
	TimeoutMS     int64                    `json:"timeout_ms"`
	RetryCount    int                      `json:"retry_count"`
	RetryStrategy taskmodel.RetryStrategy  `json:"retry_strategy"`
	BaseDelayMS   int64                    `json:"base_delay_ms"`
	MaxDelayMS    int64                    `json:"max_delay_ms"`
	Limits        taskmodel.ResourceLimits `json:"resource_limits"`
	Params        map[string]any           `json:"params"`
}

// TargetSnapshot is the serialized form of one targetmodel.Target's
// structure and policy, recursively including its alternatives. Like
// TaskSnapshot, it omits runtime status for the same reason.
type TargetSnapshot struct {
	Name           string           `json:"name"`
	InsertionOrder int              `json:"insertion_order"`
	Priority       int              `json:"priority"`
	Enabled        bool             `json:"enabled"`
	TimeoutSeconds int64            `json:"timeout_seconds"`
	RAHours        *float64         `json:"ra_hours,omitempty"`
	DecDeg         *float64         `json:"dec_deg,omitempty"`
	Dependencies   []string         `json:"dependencies"`
	Tasks          []TaskSnapshot   `json:"tasks"`
	Alternatives   []TargetSnapshot `json:"alternatives,omitempty"`
}

// SessionSnapshot is the complete, self-contained graph state for one
// sequencer session.
type SessionSnapshot struct {
	SessionID            string           `json:"session_id"`
	SavedAt              time.Time        `json:"saved_at"`
	SchedulingStrategy   string           `json:"scheduling_strategy"`
	RecoveryStrategy     string           `json:"recovery_strategy"`
	MaxConcurrentTargets int              `json:"max_concurrent_targets"`
	GlobalTimeoutSeconds int64            `json:"global_timeout_seconds"`
	Targets              []TargetSnapshot `json:"targets"`
}

// ExecutionStats is one append-only record of a completed session run,
// mirroring the shape getExecutionStats reports on the facade.
type ExecutionStats struct {
	SessionID        string    `json:"session_id"`
	RecordedAt       time.Time `json:"recorded_at"`
	TargetsCompleted int       `json:"targets_completed"`
	TargetsFailed    int       `json:"targets_failed"`
	TargetsSkipped   int       `json:"targets_skipped"`
	DurationMS       int64     `json:"duration_ms"`
}

// Store is the BoltDB-backed SequenceStore.
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex

	cache map[string]SessionSnapshot

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open creates or opens the store's database file under dir.
func Open(dir string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{Timeout: time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(dir+"/sequencer.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSessions, bucketStats} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	var readLatency, writeLatency metric.Float64Histogram
	if meter != nil {
		readLatency, _ = meter.Float64Histogram("sequencer_store_read_ms")
		writeLatency, _ = meter.Float64Histogram("sequencer_store_write_ms")
	}

	s := &Store{db: db, cache: make(map[string]SessionSnapshot), readLatency: readLatency, writeLatency: writeLatency}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)
		return bucket.ForEach(func(k, v []byte) error {
			var snap SessionSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return nil // skip corrupt entries rather than fail startup
			}
			s.cache[snap.SessionID] = snap
			return nil
		})
	})
}

func (s *Store) recordLatency(h metric.Float64Histogram, ctx context.Context, start time.Time, op string) {
	if h == nil {
		return
	}
	h.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

// SaveSession writes snap as a single key/value pair inside one
// BoltDB transaction: either the whole graph lands, or none of it does
// (invariant 8).
func (s *Store) SaveSession(ctx context.Context, snap SessionSnapshot) error {
	start := time.Now()
	defer s.recordLatency(s.writeLatency, ctx, start, "save_session")

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(snap.SessionID), data)
	})
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	s.cache[snap.SessionID] = snap
	return nil
}

// LoadSession reads the session snapshot back; the boolean is false
// when no such session has ever been saved.
func (s *Store) LoadSession(ctx context.Context, sessionID string) (SessionSnapshot, bool, error) {
	start := time.Now()
	defer s.recordLatency(s.readLatency, ctx, start, "load_session")

	s.mu.RLock()
	if snap, ok := s.cache[sessionID]; ok {
		s.mu.RUnlock()
		return snap, true, nil
	}
	s.mu.RUnlock()

	var snap SessionSnapshot
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(sessionID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return SessionSnapshot{}, false, fmt.Errorf("read session: %w", err)
	}
	if !found {
		return SessionSnapshot{}, false, nil
	}

	s.mu.Lock()
	s.cache[sessionID] = snap
	s.mu.Unlock()
	return snap, true, nil
}

// AppendStats records one execution-stats entry to the append-only
// history bucket, keyed so ListStats can range over a session's runs
// in chronological order.
func (s *Store) AppendStats(ctx context.Context, stats ExecutionStats) error {
	start := time.Now()
	defer s.recordLatency(s.writeLatency, ctx, start, "append_stats")

	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	key := fmt.Sprintf("%s:%d", stats.SessionID, stats.RecordedAt.UnixNano())

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStats).Put([]byte(key), data)
	})
}

// ListStats returns every recorded execution-stats entry for sessionID,
// oldest first.
func (s *Store) ListStats(ctx context.Context, sessionID string) ([]ExecutionStats, error) {
	var out []ExecutionStats
	prefix := []byte(sessionID + ":")

	s.mu.RLock()
	defer s.mu.RUnlock()
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketStats).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			var st ExecutionStats
			if err := json.Unmarshal(v, &st); err != nil {
				continue
			}
			out = append(out, st)
		}
		return nil
	})
	return out, err
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
