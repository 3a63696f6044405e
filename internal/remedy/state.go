package remedy

import (
	"context"
	"time"
)

// State is the per-stream remediation bookkeeping owned by the
// Controller. Persisted so backoff position survives restarts; InFlight
// is cleared by stores on load so an interrupted attempt is never
// silently resumed.
type State struct {
	StreamID            string    `json:"stream_id"`
	Tier                int       `json:"tier"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextAttemptAt       time.Time `json:"next_attempt_at,omitempty"`
	LastAttemptAt       time.Time `json:"last_attempt_at,omitempty"`
	InFlight            bool      `json:"in_flight"`
	Exhausted           bool      `json:"exhausted"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Store is the persistence surface the controller needs.
type Store interface {
	RemediationState(ctx context.Context, streamID string) (State, bool, error)
	SaveRemediationState(ctx context.Context, state State) error
	UpdateStreamRemediation(ctx context.Context, streamID string, count int, at time.Time) error
}
