package sched

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dan246/mtx-toolkit/internal/engine"
	"github.com/dan246/mtx-toolkit/internal/fleet"
	"github.com/dan246/mtx-toolkit/internal/health"
	"github.com/dan246/mtx-toolkit/internal/metrics"
	"github.com/dan246/mtx-toolkit/internal/mtx"
)

// StreamLister provides the stream inventory for a sweep.
type StreamLister interface {
	Streams(ctx context.Context) ([]fleet.Stream, error)
}

// QuickChecker runs the cheap per-node liveness sweep. One API call per
// node answers for every stream the node carries; a node that does not
// answer within the node timeout fails all of its streams without
// delaying the rest of the fleet.
type QuickChecker struct {
	logger        zerolog.Logger
	registry      *fleet.Registry
	streams       StreamLister
	client        mtx.Client
	engine        *engine.Engine
	metrics       *metrics.Metrics
	recorder      Recorder
	interval      time.Duration
	nodeTimeout   time.Duration
	tickerFactory func(time.Duration) Ticker
	sweeping      atomic.Bool
}

// QuickOption customizes quick checker behavior.
type QuickOption func(*QuickChecker)

// WithQuickTickerFactory overrides how tickers are created.
func WithQuickTickerFactory(factory func(time.Duration) Ticker) QuickOption {
	return func(q *QuickChecker) {
		q.tickerFactory = factory
	}
}

// WithNodeTimeout bounds each node's API call during a sweep.
func WithNodeTimeout(d time.Duration) QuickOption {
	return func(q *QuickChecker) {
		if d > 0 {
			q.nodeTimeout = d
		}
	}
}

// WithQuickMetrics wires sweep metrics.
func WithQuickMetrics(m *metrics.Metrics) QuickOption {
	return func(q *QuickChecker) {
		q.metrics = m
	}
}

// WithQuickRecorder wires sweep completions into liveness reporting.
func WithQuickRecorder(r Recorder) QuickOption {
	return func(q *QuickChecker) {
		q.recorder = r
	}
}

// NewQuickChecker constructs a quick checker sweeping at the given
// interval.
func NewQuickChecker(logger zerolog.Logger, registry *fleet.Registry, streams StreamLister, client mtx.Client, eng *engine.Engine, interval time.Duration, opts ...QuickOption) *QuickChecker {
	q := &QuickChecker{
		logger:        logger,
		registry:      registry,
		streams:       streams,
		client:        client,
		engine:        eng,
		interval:      interval,
		nodeTimeout:   3 * time.Second,
		tickerFactory: newTimeTicker,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Run starts the sweep loop and blocks until the context is canceled.
func (q *QuickChecker) Run(ctx context.Context) error {
	if q.interval <= 0 {
		return errors.New("quick interval must be greater than zero")
	}

	if err := q.Sweep(ctx); err != nil {
		q.logger.Error().Err(err).Msg("initial quick sweep failed")
	}

	ticker := q.tickerFactory(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.logger.Info().Msg("quick checker stopped")
			return nil
		case <-ticker.C():
			if err := q.Sweep(ctx); err != nil {
				q.logger.Error().Err(err).Msg("quick sweep failed")
			}
		}
	}
}

// Sweep runs one full liveness pass over every active node. A sweep
// still in flight when the next tick arrives makes the tick a no-op.
func (q *QuickChecker) Sweep(ctx context.Context) error {
	if !q.sweeping.CompareAndSwap(false, true) {
		q.logger.Warn().Msg("quick sweep still running, skipping tick")
		return nil
	}
	defer q.sweeping.Store(false)

	start := time.Now()
	streams, err := q.streams.Streams(ctx)
	if err != nil {
		return err
	}

	byNode := make(map[string][]fleet.Stream)
	for _, stream := range streams {
		byNode[stream.NodeID] = append(byNode[stream.NodeID], stream)
	}

	var group errgroup.Group
	checked := 0
	for _, node := range q.registry.ActiveNodes() {
		node := node
		owned := byNode[node.ID]
		checked += len(owned)
		group.Go(func() error {
			q.checkNode(ctx, node, owned)
			return nil
		})
	}
	_ = group.Wait()

	duration := time.Since(start)
	q.metrics.ObserveSweepDuration(string(health.KindQuick), duration)
	q.metrics.SetLastSweepTimestamp(string(health.KindQuick), time.Now().UTC())
	if q.recorder != nil {
		q.recorder.RecordSweep(string(health.KindQuick), duration, checked)
	}
	q.updateStreamGauges(ctx)

	q.logger.Debug().
		Int("streams", checked).
		Dur("duration", duration).
		Msg("quick sweep complete")
	return nil
}

// checkNode asks one node for its path list and converts the answer
// into quick results for every stream the node owns. All results from
// the same response share one timestamp.
func (q *QuickChecker) checkNode(ctx context.Context, node fleet.Node, streams []fleet.Stream) {
	nodeCtx, cancel := context.WithTimeout(ctx, q.nodeTimeout)
	defer cancel()

	paths, err := q.client.ListPaths(nodeCtx, node.APIURL)
	checkedAt := time.Now().UTC()

	if err != nil {
		q.registry.MarkUnreachable(ctx, node.ID)
		q.metrics.SetNodeReachable(node.Name, false)
		q.metrics.IncCheckErrors(string(health.KindQuick))
		for _, stream := range streams {
			q.apply(ctx, health.CheckResult{
				StreamID:  stream.ID,
				NodeID:    node.ID,
				Kind:      health.KindQuick,
				OK:        false,
				Err:       "node unreachable: " + err.Error(),
				CheckedAt: checkedAt,
			})
		}
		return
	}

	q.registry.MarkReachable(ctx, node.ID)
	q.metrics.SetNodeReachable(node.Name, true)

	ready := make(map[string]bool, len(paths))
	for _, path := range paths {
		ready[path.Name] = path.Ready
	}

	for _, stream := range streams {
		result := health.CheckResult{
			StreamID:  stream.ID,
			NodeID:    node.ID,
			Kind:      health.KindQuick,
			CheckedAt: checkedAt,
		}
		isReady, published := ready[stream.Path]
		switch {
		case !published:
			result.Err = "path not published"
		case !isReady:
			result.Err = "path not ready"
		default:
			result.OK = true
		}
		q.apply(ctx, result)
	}
}

func (q *QuickChecker) apply(ctx context.Context, result health.CheckResult) {
	if err := q.engine.Apply(ctx, result); err != nil {
		if errors.Is(err, engine.ErrUnknownStream) {
			q.logger.Debug().Str("stream_id", result.StreamID).Msg("stream removed mid-sweep")
			return
		}
		q.logger.Error().Err(err).Str("stream_id", result.StreamID).Msg("apply quick result failed")
	}
}

// updateStreamGauges refreshes the per-node status gauges after a sweep.
func (q *QuickChecker) updateStreamGauges(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	streams, err := q.streams.Streams(ctx)
	if err != nil {
		return
	}
	counts := make(map[string]map[health.Status]int)
	for _, stream := range streams {
		node, ok := q.registry.Node(stream.NodeID)
		if !ok {
			continue
		}
		if counts[node.Name] == nil {
			counts[node.Name] = make(map[health.Status]int)
		}
		counts[node.Name][stream.Status]++
	}
	statuses := []health.Status{health.StatusUnknown, health.StatusHealthy, health.StatusDegraded, health.StatusUnhealthy}
	for name, byStatus := range counts {
		for _, status := range statuses {
			q.metrics.SetStreamsTotal(name, string(status), byStatus[status])
		}
	}
}
