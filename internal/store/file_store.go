package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dan246/mtx-toolkit/internal/events"
	"github.com/dan246/mtx-toolkit/internal/fleet"
	"github.com/dan246/mtx-toolkit/internal/remedy"
)

// document is the on-disk shape of the file store.
type document struct {
	Nodes        map[string]fleet.Node   `json:"nodes"`
	Streams      map[string]fleet.Stream `json:"streams"`
	Events       []events.Event          `json:"events"`
	Remediations map[string]remedy.State `json:"remediations"`
}

func emptyDocument() document {
	return document{
		Nodes:        map[string]fleet.Node{},
		Streams:      map[string]fleet.Stream{},
		Events:       []events.Event{},
		Remediations: map[string]remedy.State{},
	}
}

// FileStore persists all records as a single JSON document on disk,
// written atomically. Suited to single-process deployments; RedisStore
// covers the rest.
type FileStore struct {
	logger zerolog.Logger
	path   string

	mu  sync.Mutex
	doc document
}

// NewFileStore opens (or initializes) a JSON-backed store at path.
// Missing or corrupt files start fresh with a warning; in-flight
// remediation markers from a previous process are cleared on load, never
// silently resumed.
func NewFileStore(path string, logger zerolog.Logger) (*FileStore, error) {
	s := &FileStore{logger: logger, path: path, doc: emptyDocument()}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn().Str("path", path).Msg("state file missing, starting fresh")
			return s, nil
		}
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn().Str("path", path).Err(err).Msg("state file corrupt, starting fresh")
		return s, nil
	}
	if doc.Nodes == nil {
		doc.Nodes = map[string]fleet.Node{}
	}
	if doc.Streams == nil {
		doc.Streams = map[string]fleet.Stream{}
	}
	if doc.Remediations == nil {
		doc.Remediations = map[string]remedy.State{}
	}
	for id, state := range doc.Remediations {
		if state.InFlight {
			state.InFlight = false
			doc.Remediations[id] = state
		}
	}
	s.doc = doc
	return s, nil
}

// Nodes implements fleet.Store.
func (s *FileStore) Nodes(ctx context.Context) ([]fleet.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := make([]fleet.Node, 0, len(s.doc.Nodes))
	for _, node := range s.doc.Nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// SaveNode implements fleet.Store.
func (s *FileStore) SaveNode(ctx context.Context, node fleet.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Nodes[node.ID] = node
	return s.persistLocked()
}

// Streams implements fleet.Store.
func (s *FileStore) Streams(ctx context.Context) ([]fleet.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	streams := make([]fleet.Stream, 0, len(s.doc.Streams))
	for _, stream := range s.doc.Streams {
		streams = append(streams, stream)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].ID < streams[j].ID })
	return streams, nil
}

// Stream implements engine.StreamStore.
func (s *FileStore) Stream(ctx context.Context, id string) (fleet.Stream, bool, error) {
	if err := ctx.Err(); err != nil {
		return fleet.Stream{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, ok := s.doc.Streams[id]
	return stream, ok, nil
}

// StreamByPath implements fleet.SyncStore.
func (s *FileStore) StreamByPath(ctx context.Context, nodeID, path string) (fleet.Stream, bool, error) {
	if err := ctx.Err(); err != nil {
		return fleet.Stream{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stream := range s.doc.Streams {
		if stream.NodeID == nodeID && stream.Path == path {
			return stream, true, nil
		}
	}
	return fleet.Stream{}, false, nil
}

// SaveStream implements fleet.Store and engine.StreamStore.
func (s *FileStore) SaveStream(ctx context.Context, stream fleet.Stream) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Streams[stream.ID] = stream
	return s.persistLocked()
}

// UpdateStreamSource rewrites the discovery-owned source fields of a
// stream record without clobbering fields owned by the state machine.
func (s *FileStore) UpdateStreamSource(ctx context.Context, streamID, sourceURL, protocol string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, ok := s.doc.Streams[streamID]
	if !ok {
		return nil
	}
	stream.SourceURL = sourceURL
	stream.Protocol = protocol
	stream.UpdatedAt = at
	s.doc.Streams[streamID] = stream
	return s.persistLocked()
}

// UpdateStreamRemediation bumps the remediation counters on a stream
// record without clobbering fields owned by the state machine.
func (s *FileStore) UpdateStreamRemediation(ctx context.Context, streamID string, count int, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, ok := s.doc.Streams[streamID]
	if !ok {
		return nil
	}
	stream.RemediationCount = count
	stream.LastRemediation = &at
	s.doc.Streams[streamID] = stream
	return s.persistLocked()
}

// AppendEvent implements events.Store.
func (s *FileStore) AppendEvent(ctx context.Context, event events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Events = append(s.doc.Events, event)
	return s.persistLocked()
}

// Events implements events.Store. Empty streamID matches all streams.
func (s *FileStore) Events(ctx context.Context, streamID string, limit int) ([]events.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]events.Event, 0)
	for i := len(s.doc.Events) - 1; i >= 0; i-- {
		event := s.doc.Events[i]
		if streamID != "" && event.StreamID != streamID {
			continue
		}
		matched = append(matched, event)
		if limit > 0 && len(matched) >= limit {
			break
		}
	}
	return matched, nil
}

// UnresolvedEvents implements events.Store.
func (s *FileStore) UnresolvedEvents(ctx context.Context, streamID string) ([]events.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]events.Event, 0)
	for i := len(s.doc.Events) - 1; i >= 0; i-- {
		event := s.doc.Events[i]
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

// ResolveEvent implements events.Store.
func (s *FileStore) ResolveEvent(ctx context.Context, eventID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.doc.Events {
		if s.doc.Events[i].ID != eventID {
			continue
		}
		s.doc.Events[i].Resolved = true
		resolvedAt := at
		s.doc.Events[i].ResolvedAt = &resolvedAt
		return s.persistLocked()
	}
	return nil
}

// RemediationState implements remedy.Store.
func (s *FileStore) RemediationState(ctx context.Context, streamID string) (remedy.State, bool, error) {
	if err := ctx.Err(); err != nil {
		return remedy.State{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.doc.Remediations[streamID]
	return state, ok, nil
}

// SaveRemediationState implements remedy.Store.
func (s *FileStore) SaveRemediationState(ctx context.Context, state remedy.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Remediations[state.StreamID] = state
	return s.persistLocked()
}

// persistLocked writes the document to disk atomically. Callers hold mu.
func (s *FileStore) persistLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, ".sentinel-*.json")
	if err != nil {
		return err
	}
	cleanup := func() {
		_ = os.Remove(tempFile.Name())
	}

	encoder := json.NewEncoder(tempFile)
	if err := encoder.Encode(s.doc); err != nil {
		_ = tempFile.Close()
		cleanup()
		return err
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		cleanup()
		return err
	}
	if err := tempFile.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tempFile.Name(), s.path); err != nil {
		cleanup()
		return err
	}
	return nil
}
