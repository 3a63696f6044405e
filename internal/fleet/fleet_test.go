package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dan246/mtx-toolkit/internal/health"
	"github.com/dan246/mtx-toolkit/internal/mtx"
)

type fakeStore struct {
	mu      sync.Mutex
	nodes   map[string]Node
	streams map[string]Stream

	// Runs after each path lookup, outside the lock. Lets tests slip a
	// concurrent write between discovery's read and its update.
	afterStreamByPath func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes:   make(map[string]Node),
		streams: make(map[string]Stream),
	}
}

func (s *fakeStore) Nodes(_ context.Context) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, node)
	}
	return out, nil
}

func (s *fakeStore) SaveNode(_ context.Context, node Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID] = node
	return nil
}

func (s *fakeStore) Streams(_ context.Context) ([]Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stream, 0, len(s.streams))
	for _, stream := range s.streams {
		out = append(out, stream)
	}
	return out, nil
}

func (s *fakeStore) SaveStream(_ context.Context, stream Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[stream.ID] = stream
	return nil
}

func (s *fakeStore) StreamByPath(_ context.Context, nodeID, path string) (Stream, bool, error) {
	s.mu.Lock()
	var match Stream
	var found bool
	for _, stream := range s.streams {
		if stream.NodeID == nodeID && stream.Path == path {
			match, found = stream, true
			break
		}
	}
	s.mu.Unlock()
	if s.afterStreamByPath != nil {
		s.afterStreamByPath()
	}
	return match, found, nil
}

func (s *fakeStore) UpdateStreamSource(_ context.Context, streamID, sourceURL, protocol string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, ok := s.streams[streamID]
	if !ok {
		return nil
	}
	stream.SourceURL = sourceURL
	stream.Protocol = protocol
	stream.UpdatedAt = at
	s.streams[streamID] = stream
	return nil
}

type pathClient struct {
	paths map[string][]mtx.PathState
	errs  map[string]error
}

func (c *pathClient) ListPaths(_ context.Context, apiURL string) ([]mtx.PathState, error) {
	if err := c.errs[apiURL]; err != nil {
		return nil, err
	}
	return c.paths[apiURL], nil
}

func (c *pathClient) KickPathSessions(context.Context, string, string) (int, error) {
	return 0, nil
}

func (c *pathClient) GetPathConfig(context.Context, string, string) (mtx.PathConfig, error) {
	return nil, nil
}

func (c *pathClient) DeletePath(context.Context, string, string) error {
	return nil
}

func (c *pathClient) AddPath(context.Context, string, string, mtx.PathConfig) error {
	return nil
}

func TestRegistrySeedMergesConfiguredNodes(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	// A node known from a previous run, currently reachable.
	_ = store.SaveNode(ctx, Node{ID: "node-1", Name: "old-name", APIURL: "http://old:9997", Reachable: true})

	registry, err := NewRegistry(ctx, zerolog.Nop(), store)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	err = registry.Seed(ctx, []Node{
		{ID: "node-1", Name: "edge-1", APIURL: "http://edge-1:9997", Active: true},
		{ID: "node-2", Name: "edge-2", APIURL: "http://edge-2:9997", Active: true},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	node, ok := registry.Node("node-1")
	if !ok {
		t.Fatal("node-1 missing after seed")
	}
	if node.Name != "edge-1" || node.APIURL != "http://edge-1:9997" {
		t.Fatalf("config must win for identity fields: %+v", node)
	}
	if !node.Reachable {
		t.Fatal("reachability state must survive reseeding")
	}

	if _, ok := registry.Node("node-2"); !ok {
		t.Fatal("node-2 missing after seed")
	}
	if got := len(registry.ActiveNodes()); got != 2 {
		t.Fatalf("expected 2 active nodes, got %d", got)
	}
}

func TestRegistryReachabilityTransitions(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	registry, err := NewRegistry(ctx, zerolog.Nop(), store)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := registry.Seed(ctx, []Node{{ID: "node-1", Name: "edge-1", APIURL: "http://edge-1:9997", Active: true}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	registry.MarkReachable(ctx, "node-1")
	node, _ := registry.Node("node-1")
	if !node.Reachable {
		t.Fatal("expected reachable after MarkReachable")
	}
	if node.LastSeen.IsZero() {
		t.Fatal("expected last seen timestamp")
	}
	lastSeen := node.LastSeen

	registry.MarkUnreachable(ctx, "node-1")
	node, _ = registry.Node("node-1")
	if node.Reachable {
		t.Fatal("expected unreachable after MarkUnreachable")
	}
	if !node.LastSeen.Equal(lastSeen) {
		t.Fatal("losing reachability must not advance last seen")
	}

	// Persisted through the store as well.
	stored, _ := store.Nodes(ctx)
	if len(stored) != 1 || stored[0].Reachable {
		t.Fatalf("reachability not persisted: %+v", stored)
	}
}

func TestSyncNodeCreatesAndUpdatesStreams(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	registry, err := NewRegistry(ctx, zerolog.Nop(), store)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	node := Node{ID: "node-1", Name: "edge-1", APIURL: "http://edge-1:9997", Active: true}
	if err := registry.Seed(ctx, []Node{node}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	client := &pathClient{paths: map[string][]mtx.PathState{
		"http://edge-1:9997": {
			{Name: "cam-1", Ready: true, SourceType: "rtspSource", SourceID: "rtsp://upstream/cam-1"},
			{Name: "cam-2", Ready: false, SourceType: "rtmpConn"},
		},
	}}

	syncer := NewSyncer(zerolog.Nop(), store, registry, client, true)
	result := syncer.SyncNode(ctx, node)
	if result.Err != nil {
		t.Fatalf("sync: %v", result.Err)
	}
	if result.Created != 2 {
		t.Fatalf("expected 2 created, got %d", result.Created)
	}

	stream, found, _ := store.StreamByPath(ctx, "node-1", "cam-1")
	if !found {
		t.Fatal("cam-1 not created")
	}
	if stream.Status != health.StatusUnknown {
		t.Fatalf("new streams must start unknown, got %s", stream.Status)
	}
	if !stream.AutoRemediate {
		t.Fatal("auto-remediation default not applied")
	}
	if stream.Protocol != "rtsp" {
		t.Fatalf("expected rtsp protocol, got %s", stream.Protocol)
	}

	// Re-sync is idempotent for unchanged paths.
	result = syncer.SyncNode(ctx, node)
	if result.Created != 0 || result.Updated != 0 {
		t.Fatalf("unchanged re-sync must be a no-op: %+v", result)
	}

	// Health state is never written by discovery.
	stream.Status = health.StatusUnhealthy
	_ = store.SaveStream(ctx, stream)
	_ = syncer.SyncNode(ctx, node)
	stream, _, _ = store.StreamByPath(ctx, "node-1", "cam-1")
	if stream.Status != health.StatusUnhealthy {
		t.Fatalf("discovery must not touch health state, got %s", stream.Status)
	}
}

func TestSyncDoesNotClobberConcurrentHealthWrites(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	registry, err := NewRegistry(ctx, zerolog.Nop(), store)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	node := Node{ID: "node-1", Name: "edge-1", APIURL: "http://edge-1:9997", Active: true}
	if err := registry.Seed(ctx, []Node{node}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_ = store.SaveStream(ctx, Stream{
		ID:     "s1",
		NodeID: "node-1",
		Path:   "cam-1",
		Status: health.StatusHealthy,
	})

	// The state machine lands a failing check between discovery's read
	// of the record and its source update.
	store.afterStreamByPath = func() {
		store.mu.Lock()
		defer store.mu.Unlock()
		stream := store.streams["s1"]
		stream.Status = health.StatusUnhealthy
		stream.QuickFailStreak = 2
		store.streams["s1"] = stream
	}

	client := &pathClient{paths: map[string][]mtx.PathState{
		"http://edge-1:9997": {
			{Name: "cam-1", Ready: true, SourceType: "rtspSource", SourceID: "rtsp://upstream/cam-1"},
		},
	}}

	syncer := NewSyncer(zerolog.Nop(), store, registry, client, false)
	result := syncer.SyncNode(ctx, node)
	if result.Err != nil {
		t.Fatalf("sync: %v", result.Err)
	}
	if result.Updated != 1 {
		t.Fatalf("expected 1 updated, got %d", result.Updated)
	}

	store.mu.Lock()
	stream := store.streams["s1"]
	store.mu.Unlock()
	if stream.SourceURL != "rtsp://upstream/cam-1" || stream.Protocol != "rtsp" {
		t.Fatalf("source fields not updated: %+v", stream)
	}
	if stream.Status != health.StatusUnhealthy || stream.QuickFailStreak != 2 {
		t.Fatalf("concurrent health write lost: %+v", stream)
	}
}

func TestSyncAllIsolatesNodeFailures(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	registry, err := NewRegistry(ctx, zerolog.Nop(), store)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	err = registry.Seed(ctx, []Node{
		{ID: "node-1", Name: "edge-1", APIURL: "http://edge-1:9997", Active: true},
		{ID: "node-2", Name: "edge-2", APIURL: "http://edge-2:9997", Active: true},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	client := &pathClient{
		errs: map[string]error{"http://edge-1:9997": errors.New("connection refused")},
		paths: map[string][]mtx.PathState{
			"http://edge-2:9997": {{Name: "cam-2", Ready: true}},
		},
	}

	syncer := NewSyncer(zerolog.Nop(), store, registry, client, false)
	results := syncer.SyncAll(ctx)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	failed, succeeded := 0, 0
	for _, result := range results {
		if result.Err != nil {
			failed++
		} else {
			succeeded++
		}
	}
	if failed != 1 || succeeded != 1 {
		t.Fatalf("expected one failure and one success, got %d/%d", failed, succeeded)
	}

	if _, found, _ := store.StreamByPath(ctx, "node-2", "cam-2"); !found {
		t.Fatal("healthy node's streams must still be discovered")
	}
}

func TestStreamURL(t *testing.T) {
	node := Node{ID: "node-1", RTSPURL: "rtsp://edge-1:8554/"}

	withSource := Stream{Path: "cam-1", SourceURL: "rtsp://upstream/cam-1"}
	if got := StreamURL(withSource, node); got != "rtsp://upstream/cam-1" {
		t.Fatalf("declared source must win, got %s", got)
	}

	withoutSource := Stream{Path: "cam-1"}
	if got := StreamURL(withoutSource, node); got != "rtsp://edge-1:8554/cam-1" {
		t.Fatalf("expected node RTSP base plus path, got %s", got)
	}
}

func TestSummarize(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	registry, err := NewRegistry(ctx, zerolog.Nop(), store)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := registry.Seed(ctx, []Node{{ID: "node-1", Name: "edge-1", APIURL: "http://edge-1:9997", Active: true}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	registry.MarkReachable(ctx, "node-1")

	_ = store.SaveStream(ctx, Stream{ID: "s1", NodeID: "node-1", Path: "a", Status: health.StatusHealthy})
	_ = store.SaveStream(ctx, Stream{ID: "s2", NodeID: "node-1", Path: "b", Status: health.StatusHealthy})
	_ = store.SaveStream(ctx, Stream{ID: "s3", NodeID: "node-1", Path: "c", Status: health.StatusUnhealthy})
	_ = store.SaveStream(ctx, Stream{ID: "s4", NodeID: "node-1", Path: "d", Status: health.StatusDegraded})

	summary, err := registry.Summarize(ctx)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary.NodesReachable != 1 {
		t.Fatalf("expected 1 reachable node, got %d", summary.NodesReachable)
	}
	if summary.StreamsHealthy != 2 || summary.StreamsUnhealthy != 1 || summary.StreamsDegraded != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}
