package mtx

import "context"

// PathState is one entry from a node's bulk path listing.
type PathState struct {
	Name       string
	Ready      bool
	SourceType string
	SourceID   string
	Tracks     []string
	BytesRecv  int64
}

// PathConfig is the configured definition of a path, as returned by the
// node's config API. Kept as a raw document so delete/re-add round-trips
// preserve fields this toolkit does not model.
type PathConfig map[string]any

// Client defines the control-plane operations against a single media
// server node. All methods take the node's API base URL so one client can
// serve the whole fleet. This interface enables mocking in tests.
type Client interface {
	// ListPaths returns the readiness of every path on the node in one
	// round-trip.
	ListPaths(ctx context.Context, apiURL string) ([]PathState, error)

	// KickPathSessions disconnects all publisher/reader sessions on the
	// given path and returns how many were kicked.
	KickPathSessions(ctx context.Context, apiURL, path string) (int, error)

	// GetPathConfig fetches the configured definition of a path.
	GetPathConfig(ctx context.Context, apiURL, path string) (PathConfig, error)

	// DeletePath removes a path from the node configuration.
	DeletePath(ctx context.Context, apiURL, path string) error

	// AddPath (re-)creates a path with the given configuration.
	AddPath(ctx context.Context, apiURL, path string, cfg PathConfig) error
}
