package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dan246/mtx-toolkit/internal/events"
	"github.com/dan246/mtx-toolkit/internal/fleet"
	"github.com/dan246/mtx-toolkit/internal/health"
)

const lockStripes = 64

// ErrUnknownStream is returned when a result references a stream that is
// not in the inventory.
var ErrUnknownStream = errors.New("unknown stream")

// StreamStore is the persistence surface the state machine needs. The
// engine is the sole writer of Stream.Status and the check bookkeeping
// fields.
type StreamStore interface {
	Stream(ctx context.Context, id string) (fleet.Stream, bool, error)
	SaveStream(ctx context.Context, stream fleet.Stream) error
}

// Observer is notified of remediation-relevant transitions.
type Observer interface {
	// StreamUnhealthy fires on a transition into unhealthy.
	StreamUnhealthy(stream fleet.Stream)
	// StreamRecovered fires when an unhealthy stream returns to a live
	// state (healthy or degraded).
	StreamRecovered(stream fleet.Stream)
}

// Engine owns the authoritative status of every stream. Results from
// both check cadences funnel through Apply, which serializes updates
// per stream and resolves races by result timestamp, not arrival order.
type Engine struct {
	logger zerolog.Logger
	store  StreamStore
	log    *events.Log

	confirmThreshold int
	deepFreshness    time.Duration
	criticalAfter    time.Duration
	deepWinsTies     bool

	observer Observer
	locks    [lockStripes]sync.Mutex
}

// Option customizes engine behavior.
type Option func(*Engine)

// WithConfirmThreshold sets how many consecutive quick-check failures
// escalate a stream to unhealthy. Values below 1 are ignored.
func WithConfirmThreshold(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.confirmThreshold = n
		}
	}
}

// WithDeepFreshness sets how recent a clean deep check must be for a
// quick success to promote a stream straight to healthy.
func WithDeepFreshness(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.deepFreshness = d
		}
	}
}

// WithCriticalAfter sets how long a stream must have been failing before
// an unhealthy transition is logged at critical instead of error.
func WithCriticalAfter(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.criticalAfter = d
		}
	}
}

// WithDeepWinsTies makes a deep result authoritative when both cadences
// produce evidence with the same timestamp.
func WithDeepWinsTies(enabled bool) Option {
	return func(e *Engine) {
		e.deepWinsTies = enabled
	}
}

// WithObserver registers the remediation observer.
func WithObserver(observer Observer) Option {
	return func(e *Engine) {
		e.observer = observer
	}
}

// New constructs the state machine.
func New(logger zerolog.Logger, store StreamStore, log *events.Log, opts ...Option) *Engine {
	e := &Engine{
		logger:           logger,
		store:            store,
		log:              log,
		confirmThreshold: 2,
		deepFreshness:    10 * time.Minute,
		criticalAfter:    5 * time.Minute,
		deepWinsTies:     true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply merges one check result into the stream's state. Safe for
// concurrent use; updates for the same stream are serialized.
func (e *Engine) Apply(ctx context.Context, result health.CheckResult) error {
	if result.StreamID == "" {
		return errors.New("check result has no stream id")
	}
	if result.CheckedAt.IsZero() {
		result.CheckedAt = time.Now().UTC()
	}

	lock := &e.locks[stripe(result.StreamID)]
	lock.Lock()
	defer lock.Unlock()

	stream, found, err := e.store.Stream(ctx, result.StreamID)
	if err != nil {
		return fmt.Errorf("load stream %s: %w", result.StreamID, err)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownStream, result.StreamID)
	}

	verdict, apply := e.merge(&stream, result)
	if !apply {
		return nil
	}

	prior := stream.Status
	stream.LastCheck = result.CheckedAt
	stream.UpdatedAt = time.Now().UTC()

	if verdict == prior {
		// Idempotent no-op transition: bookkeeping only, no event.
		return e.store.SaveStream(ctx, stream)
	}

	stream.Status = verdict
	if err := e.store.SaveStream(ctx, stream); err != nil {
		return err
	}

	e.recordTransition(ctx, stream, prior, verdict, result)
	e.notifyObserver(stream, prior, verdict)
	return nil
}

// merge folds the result into the stream's bookkeeping and returns the
// target status. apply=false means the result is stale or a replay and
// must be dropped without touching state.
func (e *Engine) merge(stream *fleet.Stream, result health.CheckResult) (health.Status, bool) {
	ts := result.CheckedAt
	newest := stream.LastQuickAt
	if stream.LastDeepAt.After(newest) {
		newest = stream.LastDeepAt
	}
	if ts.Before(newest) {
		return stream.Status, false
	}

	switch result.Kind {
	case health.KindQuick:
		if ts.Equal(stream.LastQuickAt) {
			// Replay of an already-merged quick result.
			return stream.Status, false
		}
		if e.deepWinsTies && !stream.LastDeepAt.IsZero() && ts.Equal(stream.LastDeepAt) {
			return stream.Status, false
		}
		return e.mergeQuick(stream, result), true
	case health.KindDeep:
		if ts.Equal(stream.LastDeepAt) {
			return stream.Status, false
		}
		return e.mergeDeep(stream, result), true
	default:
		return stream.Status, false
	}
}

func (e *Engine) mergeQuick(stream *fleet.Stream, result health.CheckResult) health.Status {
	stream.LastQuickAt = result.CheckedAt

	if !result.OK {
		stream.QuickFailStreak++
		if stream.FailingSince == nil {
			at := result.CheckedAt
			stream.FailingSince = &at
		}
		// A single blip is common on standby and on-demand sources;
		// only a sustained failure is escalated.
		if stream.QuickFailStreak >= e.confirmThreshold {
			return health.StatusUnhealthy
		}
		return health.StatusDegraded
	}

	stream.QuickFailStreak = 0
	stream.FailingSince = nil

	if stream.Status == health.StatusHealthy {
		return health.StatusHealthy
	}
	// Liveness alone is necessary but not sufficient to call the stream
	// healthy; recent clean deep metrics are.
	if stream.LastDeepHealthy && result.CheckedAt.Sub(stream.LastDeepAt) <= e.deepFreshness {
		return health.StatusHealthy
	}
	return health.StatusDegraded
}

func (e *Engine) mergeDeep(stream *fleet.Stream, result health.CheckResult) health.Status {
	stream.LastDeepAt = result.CheckedAt
	stream.LastDeepHealthy = result.Healthy()

	if result.Metrics != nil {
		stream.FPS = result.Metrics.FPS
		stream.BitrateBPS = result.Metrics.BitrateBPS
		stream.LatencyMS = result.Metrics.LatencyMS
	}

	if !result.OK {
		if stream.FailingSince == nil {
			at := result.CheckedAt
			stream.FailingSince = &at
		}
		return health.StatusUnhealthy
	}

	if len(result.Issues) > 0 {
		// Reachable but impaired.
		return health.StatusDegraded
	}

	// Clean deep evidence wins, unless a fresher quick-check failure is
	// still pending confirmation.
	if stream.QuickFailStreak > 0 && stream.LastQuickAt.After(result.CheckedAt) {
		return health.StatusDegraded
	}
	stream.QuickFailStreak = 0
	stream.FailingSince = nil
	return health.StatusHealthy
}

func (e *Engine) recordTransition(ctx context.Context, stream fleet.Stream, prior, current health.Status, result health.CheckResult) {
	severity := e.transitionSeverity(stream, current, result.CheckedAt)

	details := make([]string, 0, len(result.Issues)+1)
	for _, issue := range result.Issues {
		details = append(details, string(issue))
	}
	if result.Err != "" {
		details = append(details, result.Err)
	}

	message := fmt.Sprintf("status changed: %s -> %s", prior, current)
	if len(details) > 0 {
		message = fmt.Sprintf("%s (%s)", message, strings.Join(details, ", "))
	}

	if _, err := e.log.Append(ctx, events.Event{
		StreamID: stream.ID,
		Type:     events.TypeStatusChange,
		Severity: severity,
		Message:  message,
		Details:  details,
	}); err != nil {
		e.logger.Error().Err(err).Str("stream", stream.ID).Msg("append status-change event failed")
	}

	if current == health.StatusHealthy {
		if _, err := e.log.ResolveForStream(ctx, stream.ID); err != nil {
			e.logger.Error().Err(err).Str("stream", stream.ID).Msg("resolve events failed")
		}
	}
}

func (e *Engine) transitionSeverity(stream fleet.Stream, current health.Status, at time.Time) health.Severity {
	switch current {
	case health.StatusUnhealthy:
		if stream.FailingSince != nil && at.Sub(*stream.FailingSince) >= e.criticalAfter {
			return health.SeverityCritical
		}
		return health.SeverityError
	case health.StatusDegraded:
		return health.SeverityWarning
	default:
		return health.SeverityInfo
	}
}

func (e *Engine) notifyObserver(stream fleet.Stream, prior, current health.Status) {
	if e.observer == nil {
		return
	}
	switch {
	case current == health.StatusUnhealthy:
		e.observer.StreamUnhealthy(stream)
	case prior == health.StatusUnhealthy:
		e.observer.StreamRecovered(stream)
	}
}

func stripe(streamID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(streamID))
	return int(h.Sum32() % lockStripes)
}
