package fleet

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dan246/mtx-toolkit/internal/health"
	"github.com/dan246/mtx-toolkit/internal/mtx"
)

// SyncStore extends Store with the path lookup discovery needs and a
// narrow write for the inventory fields discovery owns. Updating source
// details through a whole-record save would race the state machine,
// which writes the same record from the check loops.
type SyncStore interface {
	Store
	StreamByPath(ctx context.Context, nodeID, path string) (Stream, bool, error)
	UpdateStreamSource(ctx context.Context, streamID, sourceURL, protocol string, at time.Time) error
}

// Syncer discovers published paths on each node and keeps the stream
// inventory in step. It creates streams with status unknown and updates
// inventory fields only; it never touches a stream's health state.
type Syncer struct {
	logger        zerolog.Logger
	store         SyncStore
	registry      *Registry
	client        mtx.Client
	autoRemediate bool
}

// NewSyncer constructs a Syncer. Newly discovered streams start with the
// given auto-remediation default.
func NewSyncer(logger zerolog.Logger, store SyncStore, registry *Registry, client mtx.Client, autoRemediate bool) *Syncer {
	return &Syncer{
		logger:        logger,
		store:         store,
		registry:      registry,
		client:        client,
		autoRemediate: autoRemediate,
	}
}

// SyncResult summarizes one node sync.
type SyncResult struct {
	NodeID  string
	Paths   int
	Created int
	Updated int
	Err     error
}

// SyncAll syncs every active node. Per-node failures are recorded in the
// result list, never returned; one unreachable node must not stop
// discovery on the rest.
func (s *Syncer) SyncAll(ctx context.Context) []SyncResult {
	nodes := s.registry.ActiveNodes()
	results := make([]SyncResult, 0, len(nodes))
	for _, node := range nodes {
		results = append(results, s.SyncNode(ctx, node))
	}
	return results
}

// SyncNode discovers the paths on one node.
func (s *Syncer) SyncNode(ctx context.Context, node Node) SyncResult {
	result := SyncResult{NodeID: node.ID}

	paths, err := s.client.ListPaths(ctx, node.APIURL)
	if err != nil {
		s.logger.Warn().Err(err).Str("node", node.Name).Msg("path discovery failed")
		result.Err = err
		return result
	}
	result.Paths = len(paths)
	s.registry.MarkReachable(ctx, node.ID)

	now := time.Now().UTC()
	for _, path := range paths {
		if path.Name == "" {
			continue
		}
		existing, found, err := s.store.StreamByPath(ctx, node.ID, path.Name)
		if err != nil {
			result.Err = err
			continue
		}
		if found {
			protocol := protocolFromSource(path.SourceType)
			if existing.SourceURL == path.SourceID && existing.Protocol == protocol {
				continue
			}
			if err := s.store.UpdateStreamSource(ctx, existing.ID, path.SourceID, protocol, now); err != nil {
				result.Err = err
				continue
			}
			result.Updated++
			continue
		}

		stream := Stream{
			ID:            uuid.NewString(),
			NodeID:        node.ID,
			Path:          path.Name,
			Name:          path.Name,
			SourceURL:     path.SourceID,
			Protocol:      protocolFromSource(path.SourceType),
			Status:        health.StatusUnknown,
			AutoRemediate: s.autoRemediate,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.store.SaveStream(ctx, stream); err != nil {
			result.Err = err
			continue
		}
		result.Created++
	}

	if result.Created > 0 || result.Updated > 0 {
		s.logger.Info().
			Str("node", node.Name).
			Int("paths", result.Paths).
			Int("created", result.Created).
			Int("updated", result.Updated).
			Msg("stream inventory synced")
	}
	return result
}

func protocolFromSource(sourceType string) string {
	lowered := strings.ToLower(sourceType)
	switch {
	case strings.Contains(lowered, "rtsp"):
		return "rtsp"
	case strings.Contains(lowered, "rtmp"):
		return "rtmp"
	case strings.Contains(lowered, "webrtc"):
		return "webrtc"
	case strings.Contains(lowered, "hls"):
		return "hls"
	case strings.Contains(lowered, "srt"):
		return "srt"
	default:
		return "unknown"
	}
}
