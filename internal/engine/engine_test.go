package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dan246/mtx-toolkit/internal/events"
	"github.com/dan246/mtx-toolkit/internal/fleet"
	"github.com/dan246/mtx-toolkit/internal/health"
)

type memStore struct {
	mu      sync.Mutex
	streams map[string]fleet.Stream
	events  []events.Event
}

func newMemStore(streams ...fleet.Stream) *memStore {
	s := &memStore{streams: make(map[string]fleet.Stream)}
	for _, stream := range streams {
		s.streams[stream.ID] = stream
	}
	return s
}

func (s *memStore) Stream(_ context.Context, id string) (fleet.Stream, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, ok := s.streams[id]
	return stream, ok, nil
}

func (s *memStore) SaveStream(_ context.Context, stream fleet.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[stream.ID] = stream
	return nil
}

func (s *memStore) AppendEvent(_ context.Context, event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memStore) Events(_ context.Context, streamID string, limit int) ([]events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]events.Event, 0)
	for i := len(s.events) - 1; i >= 0; i-- {
		if streamID != "" && s.events[i].StreamID != streamID {
			continue
		}
		matched = append(matched, s.events[i])
		if limit > 0 && len(matched) >= limit {
			break
		}
	}
	return matched, nil
}

func (s *memStore) UnresolvedEvents(_ context.Context, streamID string) ([]events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]events.Event, 0)
	for _, event := range s.events {
		if event.Resolved {
			continue
		}
		if streamID != "" && event.StreamID != streamID {
			continue
		}
		matched = append(matched, event)
	}
	return matched, nil
}

func (s *memStore) ResolveEvent(_ context.Context, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == eventID {
			s.events[i].Resolved = true
			resolvedAt := at
			s.events[i].ResolvedAt = &resolvedAt
		}
	}
	return nil
}

func (s *memStore) allEvents() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.events))
	copy(out, s.events)
	return out
}

type recordingObserver struct {
	mu        sync.Mutex
	unhealthy []string
	recovered []string
}

func (o *recordingObserver) StreamUnhealthy(stream fleet.Stream) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unhealthy = append(o.unhealthy, stream.ID)
}

func (o *recordingObserver) StreamRecovered(stream fleet.Stream) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recovered = append(o.recovered, stream.ID)
}

func testEngine(store *memStore, opts ...Option) *Engine {
	logger := zerolog.Nop()
	return New(logger, store, events.NewLog(logger, store), opts...)
}

func quickResult(streamID string, ok bool, at time.Time) health.CheckResult {
	result := health.CheckResult{
		StreamID:  streamID,
		NodeID:    "node-1",
		Kind:      health.KindQuick,
		OK:        ok,
		CheckedAt: at,
	}
	if !ok {
		result.Err = "path not ready"
	}
	return result
}

func deepResult(streamID string, ok bool, issues []health.Issue, at time.Time) health.CheckResult {
	return health.CheckResult{
		StreamID:  streamID,
		NodeID:    "node-1",
		Kind:      health.KindDeep,
		OK:        ok,
		Issues:    issues,
		CheckedAt: at,
	}
}

func TestApplyUnknownStream(t *testing.T) {
	eng := testEngine(newMemStore())

	err := eng.Apply(context.Background(), quickResult("missing", true, time.Now()))
	if !errors.Is(err, ErrUnknownStream) {
		t.Fatalf("expected ErrUnknownStream, got %v", err)
	}
}

func TestQuickFailureNeedsConfirmation(t *testing.T) {
	store := newMemStore(fleet.Stream{ID: "s1", Status: health.StatusHealthy})
	eng := testEngine(store)
	ctx := context.Background()
	base := time.Now().UTC()

	if err := eng.Apply(ctx, quickResult("s1", false, base)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	stream, _, _ := store.Stream(ctx, "s1")
	if stream.Status != health.StatusDegraded {
		t.Fatalf("after one failure expected degraded, got %s", stream.Status)
	}
	if stream.QuickFailStreak != 1 {
		t.Fatalf("expected streak 1, got %d", stream.QuickFailStreak)
	}
	if stream.FailingSince == nil || !stream.FailingSince.Equal(base) {
		t.Fatalf("expected failing since %v, got %v", base, stream.FailingSince)
	}

	if err := eng.Apply(ctx, quickResult("s1", false, base.Add(10*time.Second))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	stream, _, _ = store.Stream(ctx, "s1")
	if stream.Status != health.StatusUnhealthy {
		t.Fatalf("after two failures expected unhealthy, got %s", stream.Status)
	}

	logged := store.allEvents()
	if len(logged) != 2 {
		t.Fatalf("expected 2 events, got %d", len(logged))
	}
	if logged[0].Severity != health.SeverityWarning {
		t.Fatalf("expected warning for degraded, got %s", logged[0].Severity)
	}
	if logged[1].Severity != health.SeverityError {
		t.Fatalf("expected error for unhealthy, got %s", logged[1].Severity)
	}
}

func TestQuickSuccessNeedsFreshDeepForHealthy(t *testing.T) {
	base := time.Now().UTC()
	store := newMemStore(fleet.Stream{
		ID:              "s1",
		Status:          health.StatusUnknown,
		LastDeepAt:      base.Add(-30 * time.Minute),
		LastDeepHealthy: true,
	})
	eng := testEngine(store, WithDeepFreshness(10*time.Minute))
	ctx := context.Background()

	if err := eng.Apply(ctx, quickResult("s1", true, base)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	stream, _, _ := store.Stream(ctx, "s1")
	if stream.Status != health.StatusDegraded {
		t.Fatalf("stale deep evidence should cap at degraded, got %s", stream.Status)
	}

	if err := eng.Apply(ctx, deepResult("s1", true, nil, base.Add(time.Minute))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := eng.Apply(ctx, quickResult("s1", true, base.Add(2*time.Minute))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	stream, _, _ = store.Stream(ctx, "s1")
	if stream.Status != health.StatusHealthy {
		t.Fatalf("fresh deep plus quick success should be healthy, got %s", stream.Status)
	}
}

func TestDeepResultSetsStatusAndMetrics(t *testing.T) {
	store := newMemStore(fleet.Stream{ID: "s1", Status: health.StatusHealthy})
	eng := testEngine(store)
	ctx := context.Background()
	base := time.Now().UTC()

	result := deepResult("s1", true, []health.Issue{health.IssueBlackFrame}, base)
	result.Metrics = &health.Metrics{FPS: 24.5, BitrateBPS: 1_500_000, LatencyMS: 120}
	if err := eng.Apply(ctx, result); err != nil {
		t.Fatalf("apply: %v", err)
	}

	stream, _, _ := store.Stream(ctx, "s1")
	if stream.Status != health.StatusDegraded {
		t.Fatalf("deep with issues expected degraded, got %s", stream.Status)
	}
	if stream.FPS != 24.5 || stream.BitrateBPS != 1_500_000 || stream.LatencyMS != 120 {
		t.Fatalf("metrics not copied: %+v", stream)
	}
	if stream.LastDeepHealthy {
		t.Fatal("deep with issues must not count as clean evidence")
	}

	if err := eng.Apply(ctx, deepResult("s1", false, nil, base.Add(time.Minute))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	stream, _, _ = store.Stream(ctx, "s1")
	if stream.Status != health.StatusUnhealthy {
		t.Fatalf("unreachable deep expected unhealthy, got %s", stream.Status)
	}

	if err := eng.Apply(ctx, deepResult("s1", true, nil, base.Add(2*time.Minute))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	stream, _, _ = store.Stream(ctx, "s1")
	if stream.Status != health.StatusHealthy {
		t.Fatalf("clean deep expected healthy, got %s", stream.Status)
	}
	if stream.QuickFailStreak != 0 || stream.FailingSince != nil {
		t.Fatalf("clean deep should reset failure bookkeeping: %+v", stream)
	}
}

func TestStaleResultDropped(t *testing.T) {
	store := newMemStore(fleet.Stream{ID: "s1", Status: health.StatusUnknown})
	eng := testEngine(store)
	ctx := context.Background()
	base := time.Now().UTC()

	if err := eng.Apply(ctx, deepResult("s1", true, nil, base)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	stream, _, _ := store.Stream(ctx, "s1")
	if stream.Status != health.StatusHealthy {
		t.Fatalf("expected healthy, got %s", stream.Status)
	}

	// A quick failure measured before the deep result arrives late.
	if err := eng.Apply(ctx, quickResult("s1", false, base.Add(-5*time.Second))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	stream, _, _ = store.Stream(ctx, "s1")
	if stream.Status != health.StatusHealthy {
		t.Fatalf("stale quick failure must be dropped, got %s", stream.Status)
	}
	if stream.QuickFailStreak != 0 {
		t.Fatalf("stale result must not touch bookkeeping, streak %d", stream.QuickFailStreak)
	}
}

func TestReplayedResultIsNoOp(t *testing.T) {
	store := newMemStore(fleet.Stream{ID: "s1", Status: health.StatusHealthy})
	eng := testEngine(store)
	ctx := context.Background()
	base := time.Now().UTC()

	result := quickResult("s1", false, base)
	if err := eng.Apply(ctx, result); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := eng.Apply(ctx, result); err != nil {
		t.Fatalf("replay: %v", err)
	}

	stream, _, _ := store.Stream(ctx, "s1")
	if stream.QuickFailStreak != 1 {
		t.Fatalf("replay must not advance streak, got %d", stream.QuickFailStreak)
	}
	if got := len(store.allEvents()); got != 1 {
		t.Fatalf("replay must not append events, got %d", got)
	}
}

func TestDeepWinsTimestampTie(t *testing.T) {
	store := newMemStore(fleet.Stream{ID: "s1", Status: health.StatusUnknown})
	eng := testEngine(store)
	ctx := context.Background()
	base := time.Now().UTC()

	if err := eng.Apply(ctx, deepResult("s1", true, nil, base)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := eng.Apply(ctx, quickResult("s1", false, base)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	stream, _, _ := store.Stream(ctx, "s1")
	if stream.Status != health.StatusHealthy {
		t.Fatalf("deep should win the tie, got %s", stream.Status)
	}
}

func TestDeepEvidenceSurvivesOverlappingQuickCheck(t *testing.T) {
	store := newMemStore(fleet.Stream{ID: "s1", Status: health.StatusDegraded})
	eng := testEngine(store, WithDeepFreshness(10*time.Minute))
	ctx := context.Background()
	base := time.Now().UTC()

	// A quick sweep lands while the probe is still sampling; the probe
	// finishes a few seconds later and is stamped at completion.
	if err := eng.Apply(ctx, quickResult("s1", true, base.Add(2*time.Second))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	stream, _, _ := store.Stream(ctx, "s1")
	if stream.Status != health.StatusDegraded {
		t.Fatalf("liveness alone must not promote, got %s", stream.Status)
	}

	clean := deepResult("s1", true, nil, base.Add(5*time.Second))
	clean.Metrics = &health.Metrics{FPS: 30, BitrateBPS: 4_000_000, LatencyMS: 110}
	if err := eng.Apply(ctx, clean); err != nil {
		t.Fatalf("apply: %v", err)
	}

	stream, _, _ = store.Stream(ctx, "s1")
	if stream.Status != health.StatusHealthy {
		t.Fatalf("clean deep evidence must promote, got %s", stream.Status)
	}
	if stream.LastDeepAt.IsZero() || !stream.LastDeepHealthy {
		t.Fatalf("deep evidence not recorded: %+v", stream)
	}
	if stream.FPS != 30 {
		t.Fatalf("deep metrics not recorded: %+v", stream)
	}

	// The next quick success keeps the stream healthy off that evidence.
	if err := eng.Apply(ctx, quickResult("s1", true, base.Add(12*time.Second))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	stream, _, _ = store.Stream(ctx, "s1")
	if stream.Status != health.StatusHealthy {
		t.Fatalf("expected healthy to stick, got %s", stream.Status)
	}
}

func TestObserverNotifications(t *testing.T) {
	store := newMemStore(fleet.Stream{ID: "s1", Status: health.StatusHealthy})
	observer := &recordingObserver{}
	eng := testEngine(store, WithConfirmThreshold(1), WithObserver(observer))
	ctx := context.Background()
	base := time.Now().UTC()

	if err := eng.Apply(ctx, quickResult("s1", false, base)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(observer.unhealthy) != 1 || observer.unhealthy[0] != "s1" {
		t.Fatalf("expected unhealthy notification, got %v", observer.unhealthy)
	}

	if err := eng.Apply(ctx, deepResult("s1", true, nil, base.Add(time.Minute))); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(observer.recovered) != 1 || observer.recovered[0] != "s1" {
		t.Fatalf("expected recovery notification, got %v", observer.recovered)
	}
}

func TestRecoveryResolvesOpenEvents(t *testing.T) {
	store := newMemStore(fleet.Stream{ID: "s1", Status: health.StatusHealthy})
	eng := testEngine(store, WithConfirmThreshold(1))
	ctx := context.Background()
	base := time.Now().UTC()

	if err := eng.Apply(ctx, quickResult("s1", false, base)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := eng.Apply(ctx, deepResult("s1", true, nil, base.Add(time.Minute))); err != nil {
		t.Fatalf("apply: %v", err)
	}

	unresolved, err := store.UnresolvedEvents(ctx, "s1")
	if err != nil {
		t.Fatalf("unresolved: %v", err)
	}
	for _, event := range unresolved {
		if event.Severity != health.SeverityInfo {
			t.Fatalf("non-info event left unresolved after recovery: %+v", event)
		}
	}
}

func TestSustainedFailureEscalatesToCritical(t *testing.T) {
	base := time.Now().UTC()
	failingSince := base.Add(-10 * time.Minute)
	store := newMemStore(fleet.Stream{
		ID:              "s1",
		Status:          health.StatusDegraded,
		QuickFailStreak: 1,
		FailingSince:    &failingSince,
		LastQuickAt:     base.Add(-10 * time.Second),
	})
	eng := testEngine(store, WithCriticalAfter(5*time.Minute))
	ctx := context.Background()

	if err := eng.Apply(ctx, quickResult("s1", false, base)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	logged := store.allEvents()
	if len(logged) != 1 {
		t.Fatalf("expected 1 event, got %d", len(logged))
	}
	if logged[0].Severity != health.SeverityCritical {
		t.Fatalf("expected critical severity, got %s", logged[0].Severity)
	}
}
