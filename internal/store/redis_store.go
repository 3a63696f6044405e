package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dan246/mtx-toolkit/internal/events"
	"github.com/dan246/mtx-toolkit/internal/fleet"
	"github.com/dan246/mtx-toolkit/internal/remedy"
)

const (
	keyNodes       = "sentinel:nodes"
	keyStreams     = "sentinel:streams"
	keyStreamPaths = "sentinel:stream_paths"
	keyEvents      = "sentinel:events"
	keyEventOrder  = "sentinel:event_order"
	keyRemediation = "sentinel:remediation"
)

// RedisStore persists records in Redis hashes, one JSON value per
// record. Shared deployments point multiple read-only consumers (the
// dashboard/API layer) at the same instance.
type RedisStore struct {
	logger zerolog.Logger
	client *redis.Client
}

// NewRedisStore connects to Redis at the given URL and clears stale
// in-flight remediation markers left by a previous process.
func NewRedisStore(ctx context.Context, url string, logger zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	s := &RedisStore{logger: logger, client: client}
	if err := s.resetInFlight(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// resetInFlight clears InFlight on every persisted remediation state so
// an attempt interrupted by a crash is never resumed silently.
func (s *RedisStore) resetInFlight(ctx context.Context) error {
	values, err := s.client.HGetAll(ctx, keyRemediation).Result()
	if err != nil {
		return err
	}
	cleared := 0
	for field, raw := range values {
		var state remedy.State
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			continue
		}
		if !state.InFlight {
			continue
		}
		state.InFlight = false
		if err := s.hsetJSON(ctx, keyRemediation, field, state); err != nil {
			return err
		}
		cleared++
	}
	if cleared > 0 {
		s.logger.Warn().Int("streams", cleared).Msg("cleared stale in-flight remediation markers")
	}
	return nil
}

// Nodes implements fleet.Store.
func (s *RedisStore) Nodes(ctx context.Context) ([]fleet.Node, error) {
	values, err := s.client.HGetAll(ctx, keyNodes).Result()
	if err != nil {
		return nil, err
	}
	nodes := make([]fleet.Node, 0, len(values))
	for _, raw := range values {
		var node fleet.Node
		if err := json.Unmarshal([]byte(raw), &node); err != nil {
			s.logger.Warn().Err(err).Msg("skipping undecodable node record")
			continue
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// SaveNode implements fleet.Store.
func (s *RedisStore) SaveNode(ctx context.Context, node fleet.Node) error {
	return s.hsetJSON(ctx, keyNodes, node.ID, node)
}

// Streams implements fleet.Store.
func (s *RedisStore) Streams(ctx context.Context) ([]fleet.Stream, error) {
	values, err := s.client.HGetAll(ctx, keyStreams).Result()
	if err != nil {
		return nil, err
	}
	streams := make([]fleet.Stream, 0, len(values))
	for _, raw := range values {
		var stream fleet.Stream
		if err := json.Unmarshal([]byte(raw), &stream); err != nil {
			s.logger.Warn().Err(err).Msg("skipping undecodable stream record")
			continue
		}
		streams = append(streams, stream)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].ID < streams[j].ID })
	return streams, nil
}

// Stream implements engine.StreamStore.
func (s *RedisStore) Stream(ctx context.Context, id string) (fleet.Stream, bool, error) {
	raw, err := s.client.HGet(ctx, keyStreams, id).Result()
	if err == redis.Nil {
		return fleet.Stream{}, false, nil
	}
	if err != nil {
		return fleet.Stream{}, false, err
	}
	var stream fleet.Stream
	if err := json.Unmarshal([]byte(raw), &stream); err != nil {
		return fleet.Stream{}, false, err
	}
	return stream, true, nil
}

// StreamByPath implements fleet.SyncStore.
func (s *RedisStore) StreamByPath(ctx context.Context, nodeID, path string) (fleet.Stream, bool, error) {
	id, err := s.client.HGet(ctx, keyStreamPaths, pathKey(nodeID, path)).Result()
	if err == redis.Nil {
		return fleet.Stream{}, false, nil
	}
	if err != nil {
		return fleet.Stream{}, false, err
	}
	return s.Stream(ctx, id)
}

// SaveStream implements fleet.Store and engine.StreamStore.
func (s *RedisStore) SaveStream(ctx context.Context, stream fleet.Stream) error {
	if err := s.hsetJSON(ctx, keyStreams, stream.ID, stream); err != nil {
		return err
	}
	return s.client.HSet(ctx, keyStreamPaths, pathKey(stream.NodeID, stream.Path), stream.ID).Err()
}

// UpdateStreamSource implements fleet.SyncStore.
func (s *RedisStore) UpdateStreamSource(ctx context.Context, streamID, sourceURL, protocol string, at time.Time) error {
	return s.updateStream(ctx, streamID, func(stream *fleet.Stream) {
		stream.SourceURL = sourceURL
		stream.Protocol = protocol
		stream.UpdatedAt = at
	})
}

// UpdateStreamRemediation implements remedy.Store.
func (s *RedisStore) UpdateStreamRemediation(ctx context.Context, streamID string, count int, at time.Time) error {
	return s.updateStream(ctx, streamID, func(stream *fleet.Stream) {
		stream.RemediationCount = count
		stream.LastRemediation = &at
	})
}

// updateStream applies mutate to one stream record under optimistic
// concurrency. The stream hash is WATCHed so a concurrent writer (the
// state machine saves the full record on every check) aborts the
// transaction and the read-modify-write is retried on fresh data.
func (s *RedisStore) updateStream(ctx context.Context, streamID string, mutate func(*fleet.Stream)) error {
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.HGet(ctx, keyStreams, streamID).Result()
			if err == redis.Nil {
				return nil
			}
			if err != nil {
				return err
			}
			var stream fleet.Stream
			if err := json.Unmarshal([]byte(raw), &stream); err != nil {
				return err
			}
			mutate(&stream)
			encoded, err := json.Marshal(stream)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, keyStreams, streamID, encoded)
				return nil
			})
			return err
		}, keyStreams)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return fmt.Errorf("update stream %s: too many write conflicts", streamID)
}

// AppendEvent implements events.Store.
func (s *RedisStore) AppendEvent(ctx context.Context, event events.Event) error {
	if err := s.hsetJSON(ctx, keyEvents, event.ID, event); err != nil {
		return err
	}
	return s.client.RPush(ctx, keyEventOrder, event.ID).Err()
}

// Events implements events.Store.
func (s *RedisStore) Events(ctx context.Context, streamID string, limit int) ([]events.Event, error) {
	all, err := s.loadEvents(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]events.Event, 0)
	for i := len(all) - 1; i >= 0; i-- {
		if streamID != "" && all[i].StreamID != streamID {
			continue
		}
		matched = append(matched, all[i])
		if limit > 0 && len(matched) >= limit {
			break
		}
	}
	return matched, nil
}

// UnresolvedEvents implements events.Store.
func (s *RedisStore) UnresolvedEvents(ctx context.Context, streamID string) ([]events.Event, error) {
	all, err := s.loadEvents(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]events.Event, 0)
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Resolved {
			continue
		}
		if streamID != "" && all[i].StreamID != streamID {
			continue
		}
		matched = append(matched, all[i])
	}
	return matched, nil
}

// ResolveEvent implements events.Store.
func (s *RedisStore) ResolveEvent(ctx context.Context, eventID string, at time.Time) error {
	raw, err := s.client.HGet(ctx, keyEvents, eventID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	var event events.Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return err
	}
	event.Resolved = true
	resolvedAt := at
	event.ResolvedAt = &resolvedAt
	return s.hsetJSON(ctx, keyEvents, eventID, event)
}

// RemediationState implements remedy.Store.
func (s *RedisStore) RemediationState(ctx context.Context, streamID string) (remedy.State, bool, error) {
	raw, err := s.client.HGet(ctx, keyRemediation, streamID).Result()
	if err == redis.Nil {
		return remedy.State{}, false, nil
	}
	if err != nil {
		return remedy.State{}, false, err
	}
	var state remedy.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return remedy.State{}, false, err
	}
	return state, true, nil
}

// SaveRemediationState implements remedy.Store.
func (s *RedisStore) SaveRemediationState(ctx context.Context, state remedy.State) error {
	return s.hsetJSON(ctx, keyRemediation, state.StreamID, state)
}

// loadEvents returns all events in append order.
func (s *RedisStore) loadEvents(ctx context.Context) ([]events.Event, error) {
	ids, err := s.client.LRange(ctx, keyEventOrder, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := s.client.HMGet(ctx, keyEvents, ids...).Result()
	if err != nil {
		return nil, err
	}
	ordered := make([]events.Event, 0, len(raws))
	for _, raw := range raws {
		text, ok := raw.(string)
		if !ok {
			continue
		}
		var event events.Event
		if err := json.Unmarshal([]byte(text), &event); err != nil {
			continue
		}
		ordered = append(ordered, event)
	}
	return ordered, nil
}

func (s *RedisStore) hsetJSON(ctx context.Context, key, field string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, key, field, encoded).Err()
}

func pathKey(nodeID, path string) string {
	return nodeID + "/" + path
}
