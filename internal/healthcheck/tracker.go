package healthcheck

import (
	"sync"
	"time"

	"github.com/dan246/mtx-toolkit/internal/health"
)

// Snapshot describes the latest sweep timing per cadence.
type Snapshot struct {
	LastQuickTime   *time.Time `json:"last_quick_time"`
	QuickDurationMS int64      `json:"quick_duration_ms"`
	LastDeepTime    *time.Time `json:"last_deep_time"`
	DeepDurationMS  int64      `json:"deep_duration_ms"`
	StreamsChecked  int        `json:"streams_checked"`
}

// Tracker records sweep timing for health endpoints. It satisfies
// sched.Recorder.
type Tracker struct {
	mu             sync.RWMutex
	lastQuick      time.Time
	quickDuration  time.Duration
	lastDeep       time.Time
	deepDuration   time.Duration
	streamsChecked int
	ready          bool
}

// NewTracker constructs a new Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// RecordSweep updates sweep timing for the given cadence. The quick
// cadence drives readiness since it is the first to complete.
func (t *Tracker) RecordSweep(kind string, duration time.Duration, streams int) {
	if t == nil {
		return
	}
	now := time.Now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	switch kind {
	case string(health.KindDeep):
		t.lastDeep = now
		t.deepDuration = duration
	default:
		t.lastQuick = now
		t.quickDuration = duration
		t.ready = true
	}
	t.streamsChecked = streams
}

// Snapshot returns the current tracker snapshot.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := Snapshot{
		QuickDurationMS: int64(t.quickDuration / time.Millisecond),
		DeepDurationMS:  int64(t.deepDuration / time.Millisecond),
		StreamsChecked:  t.streamsChecked,
	}
	if !t.lastQuick.IsZero() {
		value := t.lastQuick
		snapshot.LastQuickTime = &value
	}
	if !t.lastDeep.IsZero() {
		value := t.lastDeep
		snapshot.LastDeepTime = &value
	}
	return snapshot
}

// Ready reports whether at least one quick sweep has completed.
func (t *Tracker) Ready() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// Healthy reports whether the last quick sweep completed within 2x the
// quick interval. The deep cadence is not part of liveness; a stalled
// probe pool shows up in metrics instead of flapping the process.
func (t *Tracker) Healthy(now time.Time, quickInterval time.Duration) bool {
	if t == nil {
		return false
	}
	if quickInterval <= 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastQuick.IsZero() {
		return false
	}
	return now.Sub(t.lastQuick) <= 2*quickInterval
}
