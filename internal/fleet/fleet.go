package fleet

import (
	"time"

	"github.com/dan246/mtx-toolkit/internal/health"
)

// Node is a media server endpoint under management. Identity and
// existence are owned by fleet inventory; the monitoring core only
// updates reachability and LastSeen.
type Node struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	APIURL      string    `json:"api_url"`
	RTSPURL     string    `json:"rtsp_url,omitempty"`
	Environment string    `json:"environment,omitempty"`
	Active      bool      `json:"active"`
	Reachable   bool      `json:"reachable"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Stream is one published path on a node together with its health state.
// Status and the check bookkeeping fields are written exclusively by the
// state machine; the remediation fields by the remediation controller.
type Stream struct {
	ID        string `json:"id"`
	NodeID    string `json:"node_id"`
	Path      string `json:"path"`
	Name      string `json:"name,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
	Protocol  string `json:"protocol,omitempty"`

	Status    health.Status `json:"status"`
	LastCheck time.Time     `json:"last_check,omitempty"`

	FPS        float64 `json:"fps,omitempty"`
	BitrateBPS int     `json:"bitrate_bps,omitempty"`
	LatencyMS  int     `json:"latency_ms,omitempty"`

	// State machine bookkeeping for the two check cadences.
	LastQuickAt      time.Time  `json:"last_quick_at,omitempty"`
	LastDeepAt       time.Time  `json:"last_deep_at,omitempty"`
	LastDeepHealthy  bool       `json:"last_deep_healthy,omitempty"`
	QuickFailStreak  int        `json:"quick_fail_streak,omitempty"`
	FailingSince     *time.Time `json:"failing_since,omitempty"`

	AutoRemediate    bool       `json:"auto_remediate"`
	RemediationCount int        `json:"remediation_count,omitempty"`
	LastRemediation  *time.Time `json:"last_remediation,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// StreamURL resolves the address a diagnostic probe should connect to:
// the declared source when present, otherwise the node's RTSP base plus
// the path name.
func StreamURL(stream Stream, node Node) string {
	if stream.SourceURL != "" {
		return stream.SourceURL
	}
	if node.RTSPURL == "" {
		return ""
	}
	base := node.RTSPURL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + "/" + stream.Path
}
