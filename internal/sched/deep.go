package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dan246/mtx-toolkit/internal/engine"
	"github.com/dan246/mtx-toolkit/internal/fleet"
	"github.com/dan246/mtx-toolkit/internal/health"
	"github.com/dan246/mtx-toolkit/internal/metrics"
	"github.com/dan246/mtx-toolkit/internal/probe"
)

// ErrProbeInFlight is returned when an on-demand probe is requested for
// a stream that is already being probed.
var ErrProbeInFlight = errors.New("probe already in flight for stream")

// StreamSource provides stream lookup for deep sweeps.
type StreamSource interface {
	Streams(ctx context.Context) ([]fleet.Stream, error)
	Stream(ctx context.Context, id string) (fleet.Stream, bool, error)
}

// DeepChecker runs the expensive per-stream quality probes through a
// bounded worker pool. A stream whose previous probe has not returned
// is skipped, so a slow source can never stack probes against itself.
type DeepChecker struct {
	logger        zerolog.Logger
	registry      *fleet.Registry
	streams       StreamSource
	prober        probe.Prober
	engine        *engine.Engine
	limits        health.Thresholds
	metrics       *metrics.Metrics
	recorder      Recorder
	interval      time.Duration
	workers       int
	tickerFactory func(time.Duration) Ticker
	sweeping      atomic.Bool

	mu       sync.Mutex
	inflight map[string]struct{}
}

// DeepOption customizes deep checker behavior.
type DeepOption func(*DeepChecker)

// WithDeepTickerFactory overrides how tickers are created.
func WithDeepTickerFactory(factory func(time.Duration) Ticker) DeepOption {
	return func(d *DeepChecker) {
		d.tickerFactory = factory
	}
}

// WithWorkers bounds how many probes run concurrently.
func WithWorkers(n int) DeepOption {
	return func(d *DeepChecker) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithThresholds overrides the quality limits applied to probe reports.
func WithThresholds(limits health.Thresholds) DeepOption {
	return func(d *DeepChecker) {
		d.limits = limits
	}
}

// WithDeepMetrics wires sweep metrics.
func WithDeepMetrics(m *metrics.Metrics) DeepOption {
	return func(d *DeepChecker) {
		d.metrics = m
	}
}

// WithDeepRecorder wires sweep completions into liveness reporting.
func WithDeepRecorder(r Recorder) DeepOption {
	return func(d *DeepChecker) {
		d.recorder = r
	}
}

// NewDeepChecker constructs a deep checker sweeping at the given
// interval.
func NewDeepChecker(logger zerolog.Logger, registry *fleet.Registry, streams StreamSource, prober probe.Prober, eng *engine.Engine, interval time.Duration, opts ...DeepOption) *DeepChecker {
	d := &DeepChecker{
		logger:        logger,
		registry:      registry,
		streams:       streams,
		prober:        prober,
		engine:        eng,
		limits:        health.DefaultThresholds(),
		interval:      interval,
		workers:       8,
		tickerFactory: newTimeTicker,
		inflight:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts the sweep loop and blocks until the context is canceled.
func (d *DeepChecker) Run(ctx context.Context) error {
	if d.interval <= 0 {
		return errors.New("deep interval must be greater than zero")
	}

	if err := d.Sweep(ctx); err != nil {
		d.logger.Error().Err(err).Msg("initial deep sweep failed")
	}

	ticker := d.tickerFactory(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("deep checker stopped")
			return nil
		case <-ticker.C():
			if err := d.Sweep(ctx); err != nil {
				d.logger.Error().Err(err).Msg("deep sweep failed")
			}
		}
	}
}

// Sweep probes every stream on a reachable active node through the
// worker pool. Streams on unreachable nodes are left to the quick
// cadence, which already holds them unhealthy.
func (d *DeepChecker) Sweep(ctx context.Context) error {
	if !d.sweeping.CompareAndSwap(false, true) {
		d.logger.Warn().Msg("deep sweep still running, skipping tick")
		return nil
	}
	defer d.sweeping.Store(false)

	start := time.Now()
	streams, err := d.streams.Streams(ctx)
	if err != nil {
		return err
	}

	type job struct {
		stream fleet.Stream
		node   fleet.Node
	}
	jobs := make(chan job)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				d.probeAndApply(ctx, j.stream, j.node)
				d.release(j.stream.ID)
			}
		}()
	}

	probed := 0
	for _, stream := range streams {
		node, ok := d.registry.Node(stream.NodeID)
		if !ok || !node.Active || !node.Reachable {
			continue
		}
		if !d.tryAcquire(stream.ID) {
			d.logger.Warn().Str("stream_id", stream.ID).Msg("previous probe still running, skipping")
			continue
		}
		select {
		case jobs <- job{stream: stream, node: node}:
			probed++
		case <-ctx.Done():
			d.release(stream.ID)
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	duration := time.Since(start)
	d.metrics.ObserveSweepDuration(string(health.KindDeep), duration)
	d.metrics.SetLastSweepTimestamp(string(health.KindDeep), time.Now().UTC())
	if d.recorder != nil {
		d.recorder.RecordSweep(string(health.KindDeep), duration, probed)
	}

	d.logger.Debug().
		Int("streams", probed).
		Dur("duration", duration).
		Msg("deep sweep complete")
	return ctx.Err()
}

// ProbeStream runs an on-demand deep check of a single stream and feeds
// the result through the state machine.
func (d *DeepChecker) ProbeStream(ctx context.Context, streamID string) (health.CheckResult, error) {
	stream, found, err := d.streams.Stream(ctx, streamID)
	if err != nil {
		return health.CheckResult{}, err
	}
	if !found {
		return health.CheckResult{}, engine.ErrUnknownStream
	}
	node, ok := d.registry.Node(stream.NodeID)
	if !ok {
		return health.CheckResult{}, errors.New("stream has no known node")
	}
	if !d.tryAcquire(stream.ID) {
		return health.CheckResult{}, ErrProbeInFlight
	}
	defer d.release(stream.ID)

	result := d.probe(ctx, stream.ID, node.ID, fleet.StreamURL(stream, node), stream.Protocol)
	if err := d.engine.Apply(ctx, result); err != nil {
		return result, err
	}
	return result, nil
}

// ProbeURL probes an arbitrary URL without touching any stream state.
// Used for pre-flight checks of sources not yet under management.
func (d *DeepChecker) ProbeURL(ctx context.Context, url, protocol string) health.CheckResult {
	return d.probe(ctx, "", "", url, protocol)
}

func (d *DeepChecker) probeAndApply(ctx context.Context, stream fleet.Stream, node fleet.Node) {
	result := d.probe(ctx, stream.ID, node.ID, fleet.StreamURL(stream, node), stream.Protocol)
	if !result.OK {
		d.metrics.IncCheckErrors(string(health.KindDeep))
	}
	if err := d.engine.Apply(ctx, result); err != nil {
		if errors.Is(err, engine.ErrUnknownStream) {
			d.logger.Debug().Str("stream_id", stream.ID).Msg("stream removed mid-sweep")
			return
		}
		d.logger.Error().Err(err).Str("stream_id", stream.ID).Msg("apply deep result failed")
	}
}

func (d *DeepChecker) probe(ctx context.Context, streamID, nodeID, url, protocol string) health.CheckResult {
	report, err := d.prober.Probe(ctx, url, protocol)
	if err != nil {
		return health.CheckResult{
			StreamID:  streamID,
			NodeID:    nodeID,
			Kind:      health.KindDeep,
			OK:        false,
			Err:       err.Error(),
			CheckedAt: time.Now().UTC(),
		}
	}
	return health.EvaluateDeep(streamID, nodeID, report, d.limits)
}

func (d *DeepChecker) tryAcquire(streamID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[streamID]; busy {
		return false
	}
	d.inflight[streamID] = struct{}{}
	return true
}

func (d *DeepChecker) release(streamID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, streamID)
}
