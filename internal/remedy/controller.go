package remedy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/dan246/mtx-toolkit/internal/events"
	"github.com/dan246/mtx-toolkit/internal/fleet"
	"github.com/dan246/mtx-toolkit/internal/health"
)

// ErrAttemptInFlight is returned when a manual remediation is requested
// while another attempt for the same stream is outstanding.
var ErrAttemptInFlight = errors.New("remediation attempt already in flight")

// ErrNotEligible is returned when a manual remediation targets a stream
// that does not exist.
var ErrNotEligible = errors.New("stream not eligible for remediation")

// defaultTiers is the delay before the attempt at the given tier. Tier 0
// fires immediately; each failure moves the stream one tier up.
var defaultTiers = []time.Duration{
	0,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
}

// StreamGetter reads stream records for eligibility re-checks.
type StreamGetter interface {
	Stream(ctx context.Context, id string) (fleet.Stream, bool, error)
}

// NodeGetter resolves a stream's owning node. *fleet.Registry satisfies it.
type NodeGetter interface {
	Node(id string) (fleet.Node, bool)
}

// Controller watches for sustained unhealthy streams and runs tiered
// repair attempts with per-stream jittered backoff. It is the sole
// writer of State and guarantees at most one outstanding attempt per
// stream.
type Controller struct {
	logger  zerolog.Logger
	clock   clock.Clock
	store   Store
	streams StreamGetter
	nodes   NodeGetter
	log     *events.Log
	actions []Action

	tiers         []time.Duration
	jitter        float64
	dwell         time.Duration
	grace         time.Duration
	actionTimeout time.Duration

	ctx context.Context
	wg  sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool
	pending  map[string]bool
	rng      *rand.Rand
}

// ControllerOption customizes controller behavior.
type ControllerOption func(*Controller)

// WithClock injects a clock, for tests.
func WithClock(c clock.Clock) ControllerOption {
	return func(ctrl *Controller) {
		if c != nil {
			ctrl.clock = c
		}
	}
}

// WithTiers overrides the backoff tier delays. The last entry is the cap.
func WithTiers(tiers []time.Duration) ControllerOption {
	return func(ctrl *Controller) {
		if len(tiers) > 0 {
			ctrl.tiers = tiers
		}
	}
}

// WithJitter sets the relative jitter applied to tier delays (0.2 = ±20%).
func WithJitter(fraction float64) ControllerOption {
	return func(ctrl *Controller) {
		if fraction >= 0 && fraction < 1 {
			ctrl.jitter = fraction
		}
	}
}

// WithDwell sets how long a stream must stay recovered before its tier
// resets to zero.
func WithDwell(d time.Duration) ControllerOption {
	return func(ctrl *Controller) {
		if d > 0 {
			ctrl.dwell = d
		}
	}
}

// WithGrace sets how long after a successful repair the controller waits
// for the health checks to confirm recovery before escalating anyway.
func WithGrace(d time.Duration) ControllerOption {
	return func(ctrl *Controller) {
		if d > 0 {
			ctrl.grace = d
		}
	}
}

// WithActionTimeout bounds each repair action invocation.
func WithActionTimeout(d time.Duration) ControllerOption {
	return func(ctrl *Controller) {
		if d > 0 {
			ctrl.actionTimeout = d
		}
	}
}

// NewController constructs the remediation controller. Actions are the
// escalation chain, least disruptive first.
func NewController(logger zerolog.Logger, store Store, streams StreamGetter, nodes NodeGetter, log *events.Log, actions []Action, opts ...ControllerOption) *Controller {
	ctrl := &Controller{
		logger:        logger,
		clock:         clock.New(),
		store:         store,
		streams:       streams,
		nodes:         nodes,
		log:           log,
		actions:       actions,
		tiers:         defaultTiers,
		jitter:        0.2,
		dwell:         5 * time.Minute,
		grace:         90 * time.Second,
		actionTimeout: 60 * time.Second,
		ctx:           context.Background(),
		inflight:      map[string]bool{},
		pending:       map[string]bool{},
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(ctrl)
	}
	return ctrl
}

// Start binds the controller's background work to ctx. Must be called
// before the engine begins delivering transitions.
func (c *Controller) Start(ctx context.Context) {
	c.ctx = ctx
}

// Wait blocks until all outstanding attempt goroutines finish. Intended
// for shutdown and tests.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// StreamUnhealthy implements engine.Observer.
func (c *Controller) StreamUnhealthy(stream fleet.Stream) {
	if !stream.AutoRemediate {
		return
	}
	if !c.markPending(stream.ID) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.clearPending(stream.ID)
		c.runAuto(stream.ID)
	}()
}

// StreamRecovered implements engine.Observer. Tier resets only after the
// stream holds a live state for the dwell period; a bounce back to
// unhealthy keeps the backoff position.
func (c *Controller) StreamRecovered(stream fleet.Stream) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if !c.sleep(c.dwell) {
			return
		}
		current, found, err := c.streams.Stream(c.ctx, stream.ID)
		if err != nil || !found {
			return
		}
		if current.Status == health.StatusUnhealthy || current.Status == health.StatusUnknown {
			return
		}
		c.resetTier(stream.ID)
	}()
}

// Remediate runs a manual, operator-triggered attempt. It bypasses the
// auto-eligibility checks (auto_remediate flag, tier cap, backoff wait)
// but still refuses concurrent attempts and advances the tier and event
// log exactly as an automatic attempt would.
func (c *Controller) Remediate(ctx context.Context, streamID string) error {
	stream, found, err := c.streams.Stream(ctx, streamID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrNotEligible, streamID)
	}
	return c.attempt(ctx, stream, true)
}

func (c *Controller) runAuto(streamID string) {
	state, _, err := c.store.RemediationState(c.ctx, streamID)
	if err != nil {
		c.logger.Error().Err(err).Str("stream", streamID).Msg("load remediation state failed")
		return
	}
	if state.Exhausted {
		return
	}

	if wait := state.NextAttemptAt.Sub(c.clock.Now()); wait > 0 {
		if !c.sleep(wait) {
			return
		}
	}

	stream, found, err := c.streams.Stream(c.ctx, streamID)
	if err != nil || !found {
		return
	}
	// The stream may have recovered while we waited out the backoff.
	if stream.Status != health.StatusUnhealthy || !stream.AutoRemediate {
		return
	}

	if err := c.attempt(c.ctx, stream, false); err != nil && !errors.Is(err, ErrAttemptInFlight) {
		c.logger.Error().Err(err).Str("stream", streamID).Msg("remediation attempt failed to run")
	}
}

// attempt runs one repair action for the stream. The in-flight gate is
// the only state requiring exclusive access; everything else is owned by
// this goroutine once the gate is held.
func (c *Controller) attempt(ctx context.Context, stream fleet.Stream, manual bool) error {
	if !c.acquire(stream.ID) {
		return fmt.Errorf("%w: %s", ErrAttemptInFlight, stream.ID)
	}
	defer c.release(stream.ID)

	node, ok := c.nodes.Node(stream.NodeID)
	if !ok {
		return fmt.Errorf("%w: node %s not found", ErrNotEligible, stream.NodeID)
	}

	state, _, err := c.store.RemediationState(ctx, stream.ID)
	if err != nil {
		return err
	}
	state.StreamID = stream.ID
	state.InFlight = true
	state.LastAttemptAt = c.clock.Now().UTC()
	state.UpdatedAt = state.LastAttemptAt
	if err := c.store.SaveRemediationState(ctx, state); err != nil {
		return err
	}

	action := c.actionForTier(state.Tier)
	c.appendEvent(ctx, stream.ID, events.TypeRemediationTriggered, health.SeverityInfo,
		fmt.Sprintf("remediation attempt started: %s (tier %d)", action.Name(), state.Tier), nil)

	actionCtx, cancel := context.WithTimeout(ctx, c.actionTimeout)
	repairErr := action.Repair(actionCtx, node, stream)
	cancel()

	now := c.clock.Now().UTC()
	if err := c.store.UpdateStreamRemediation(ctx, stream.ID, stream.RemediationCount+1, now); err != nil {
		c.logger.Error().Err(err).Str("stream", stream.ID).Msg("update stream remediation counters failed")
	}

	state.InFlight = false
	state.UpdatedAt = now

	if repairErr == nil {
		c.appendEvent(ctx, stream.ID, events.TypeRemediationResult, health.SeverityInfo,
			fmt.Sprintf("remediation action %s succeeded", action.Name()), nil)
		if err := c.store.SaveRemediationState(ctx, state); err != nil {
			return err
		}
		// The action ran; recovery still has to show up in the checks.
		c.watchGrace(stream.ID)
		return nil
	}

	state.ConsecutiveFailures++
	state.Tier++
	c.logger.Warn().Err(repairErr).
		Str("stream", stream.ID).
		Str("action", action.Name()).
		Int("tier", state.Tier).
		Msg("remediation action failed")

	if state.Tier >= len(c.tiers) {
		state.Exhausted = true
		if err := c.store.SaveRemediationState(ctx, state); err != nil {
			return err
		}
		c.appendEvent(ctx, stream.ID, events.TypeRemediationResult, health.SeverityCritical,
			fmt.Sprintf("remediation exhausted after %d failed attempts; manual intervention required", state.ConsecutiveFailures),
			[]string{repairErr.Error()})
		return nil
	}

	delay := c.jittered(c.tiers[state.Tier])
	state.NextAttemptAt = now.Add(delay)
	if err := c.store.SaveRemediationState(ctx, state); err != nil {
		return err
	}
	c.appendEvent(ctx, stream.ID, events.TypeRemediationResult, health.SeverityError,
		fmt.Sprintf("remediation action %s failed; next attempt in %s (tier %d)", action.Name(), delay.Round(time.Second), state.Tier),
		[]string{repairErr.Error()})

	if !manual {
		c.scheduleRetry(stream.ID)
	}
	return nil
}

// watchGrace re-checks the stream after the grace window; a stream still
// unhealthy despite a "successful" action escalates to the next tier.
func (c *Controller) watchGrace(streamID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if !c.sleep(c.grace) {
			return
		}
		stream, found, err := c.streams.Stream(c.ctx, streamID)
		if err != nil || !found {
			return
		}
		if stream.Status != health.StatusUnhealthy {
			return
		}

		state, _, err := c.store.RemediationState(c.ctx, streamID)
		if err != nil {
			return
		}
		state.ConsecutiveFailures++
		state.Tier++
		now := c.clock.Now().UTC()
		state.UpdatedAt = now
		if state.Tier >= len(c.tiers) {
			state.Exhausted = true
			_ = c.store.SaveRemediationState(c.ctx, state)
			c.appendEvent(c.ctx, streamID, events.TypeRemediationResult, health.SeverityCritical,
				fmt.Sprintf("remediation exhausted after %d failed attempts; manual intervention required", state.ConsecutiveFailures), nil)
			return
		}
		delay := c.jittered(c.tiers[state.Tier])
		state.NextAttemptAt = now.Add(delay)
		if err := c.store.SaveRemediationState(c.ctx, state); err != nil {
			return
		}
		c.appendEvent(c.ctx, streamID, events.TypeRemediationResult, health.SeverityError,
			fmt.Sprintf("stream did not recover within grace window; next attempt in %s (tier %d)", delay.Round(time.Second), state.Tier), nil)
		c.scheduleRetry(streamID)
	}()
}

func (c *Controller) scheduleRetry(streamID string) {
	if !c.markPending(streamID) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.clearPending(streamID)
		c.runAuto(streamID)
	}()
}

func (c *Controller) resetTier(streamID string) {
	state, found, err := c.store.RemediationState(c.ctx, streamID)
	if err != nil || !found {
		return
	}
	if state.Tier == 0 && state.ConsecutiveFailures == 0 && !state.Exhausted {
		return
	}
	state.Tier = 0
	state.ConsecutiveFailures = 0
	state.Exhausted = false
	state.NextAttemptAt = time.Time{}
	state.UpdatedAt = c.clock.Now().UTC()
	if err := c.store.SaveRemediationState(c.ctx, state); err != nil {
		c.logger.Error().Err(err).Str("stream", streamID).Msg("reset remediation tier failed")
		return
	}
	c.logger.Info().Str("stream", streamID).Msg("remediation tier reset after confirmed recovery")
}

func (c *Controller) actionForTier(tier int) Action {
	// Escalate one action step every two tiers; the chain is ordered
	// least disruptive first.
	idx := tier / 2
	if idx >= len(c.actions) {
		idx = len(c.actions) - 1
	}
	return c.actions[idx]
}

// jittered spreads a delay by ±jitter so streams failing together on one
// node do not retry in lockstep.
func (c *Controller) jittered(d time.Duration) time.Duration {
	if d <= 0 || c.jitter == 0 {
		return d
	}
	c.mu.Lock()
	factor := 1 + c.jitter*(2*c.rng.Float64()-1)
	c.mu.Unlock()
	return time.Duration(float64(d) * factor)
}

func (c *Controller) sleep(d time.Duration) bool {
	if d <= 0 {
		return c.ctx.Err() == nil
	}
	timer := c.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Controller) acquire(streamID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[streamID] {
		return false
	}
	c.inflight[streamID] = true
	return true
}

func (c *Controller) release(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, streamID)
}

func (c *Controller) markPending(streamID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[streamID] {
		return false
	}
	c.pending[streamID] = true
	return true
}

func (c *Controller) clearPending(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, streamID)
}

func (c *Controller) appendEvent(ctx context.Context, streamID string, eventType events.Type, severity health.Severity, message string, details []string) {
	if _, err := c.log.Append(ctx, events.Event{
		StreamID: streamID,
		Type:     eventType,
		Severity: severity,
		Message:  message,
		Details:  details,
	}); err != nil {
		c.logger.Error().Err(err).Str("stream", streamID).Msg("append remediation event failed")
	}
}
