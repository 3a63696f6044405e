package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dan246/mtx-toolkit/internal/health"
)

// Store is the persistence surface the registry needs.
type Store interface {
	Nodes(ctx context.Context) ([]Node, error)
	SaveNode(ctx context.Context, node Node) error
	Streams(ctx context.Context) ([]Stream, error)
	SaveStream(ctx context.Context, stream Stream) error
}

// Registry holds the known node set and its reachability state. It is the
// sole writer of Node.Reachable and Node.LastSeen.
type Registry struct {
	logger zerolog.Logger
	store  Store

	mu    sync.RWMutex
	nodes map[string]Node
}

// NewRegistry constructs a Registry and loads the node inventory.
func NewRegistry(ctx context.Context, logger zerolog.Logger, store Store) (*Registry, error) {
	nodes, err := store.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load node inventory: %w", err)
	}

	r := &Registry{
		logger: logger,
		store:  store,
		nodes:  make(map[string]Node, len(nodes)),
	}
	for _, node := range nodes {
		r.nodes[node.ID] = node
	}
	logger.Info().Int("nodes", len(nodes)).Msg("node inventory loaded")
	return r, nil
}

// Seed registers nodes from configuration that are not yet in the store.
// Existing nodes keep their stored reachability state; address and
// environment are refreshed from the seed.
func (r *Registry) Seed(ctx context.Context, nodes []Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for _, seed := range nodes {
		existing, ok := r.nodes[seed.ID]
		if ok {
			existing.Name = seed.Name
			existing.APIURL = seed.APIURL
			existing.RTSPURL = seed.RTSPURL
			existing.Environment = seed.Environment
			existing.Active = seed.Active
			existing.UpdatedAt = now
			seed = existing
		} else {
			seed.CreatedAt = now
			seed.UpdatedAt = now
		}
		if err := r.store.SaveNode(ctx, seed); err != nil {
			return fmt.Errorf("seed node %q: %w", seed.ID, err)
		}
		r.nodes[seed.ID] = seed
	}
	return nil
}

// ActiveNodes returns the nodes eligible for checking.
func (r *Registry) ActiveNodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		if node.Active {
			active = append(active, node)
		}
	}
	return active
}

// Node returns a node by id.
func (r *Registry) Node(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[id]
	return node, ok
}

// MarkReachable records a successful control-plane round-trip.
func (r *Registry) MarkReachable(ctx context.Context, id string) {
	r.setReachability(ctx, id, true)
}

// MarkUnreachable records a failed control-plane round-trip. LastSeen is
// left at the last successful contact.
func (r *Registry) MarkUnreachable(ctx context.Context, id string) {
	r.setReachability(ctx, id, false)
}

func (r *Registry) setReachability(ctx context.Context, id string, reachable bool) {
	r.mu.Lock()
	node, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	changed := node.Reachable != reachable
	node.Reachable = reachable
	if reachable {
		node.LastSeen = time.Now().UTC()
	}
	node.UpdatedAt = time.Now().UTC()
	r.nodes[id] = node
	r.mu.Unlock()

	if changed {
		event := r.logger.Info()
		if !reachable {
			event = r.logger.Warn()
		}
		event.Str("node", node.Name).Bool("reachable", reachable).Msg("node reachability changed")
	}
	if err := r.store.SaveNode(ctx, node); err != nil {
		r.logger.Error().Err(err).Str("node", node.Name).Msg("persist node state failed")
	}
}

// Summary counts streams by status for dashboard consumers.
type Summary struct {
	Nodes            int `json:"nodes"`
	NodesReachable   int `json:"nodes_reachable"`
	Streams          int `json:"streams"`
	StreamsHealthy   int `json:"streams_healthy"`
	StreamsDegraded  int `json:"streams_degraded"`
	StreamsUnhealthy int `json:"streams_unhealthy"`
	StreamsUnknown   int `json:"streams_unknown"`
}

// Summarize builds a point-in-time fleet summary from the store.
func (r *Registry) Summarize(ctx context.Context) (Summary, error) {
	streams, err := r.store.Streams(ctx)
	if err != nil {
		return Summary{}, err
	}

	r.mu.RLock()
	summary := Summary{Nodes: len(r.nodes)}
	for _, node := range r.nodes {
		if node.Reachable {
			summary.NodesReachable++
		}
	}
	r.mu.RUnlock()

	summary.Streams = len(streams)
	for _, stream := range streams {
		switch stream.Status {
		case health.StatusHealthy:
			summary.StreamsHealthy++
		case health.StatusDegraded:
			summary.StreamsDegraded++
		case health.StatusUnhealthy:
			summary.StreamsUnhealthy++
		default:
			summary.StreamsUnknown++
		}
	}
	return summary, nil
}
