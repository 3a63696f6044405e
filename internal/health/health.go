package health

import "time"

// Status represents the health of a stream.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Severity classifies events and alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Issue identifies a specific quality problem found by a check.
type Issue string

const (
	IssueBlackFrame   Issue = "black_frame"
	IssueFrozenFrame  Issue = "frozen_frame"
	IssueAudioSilence Issue = "audio_silence"
	IssueHighLatency  Issue = "high_latency"
	IssueLowFPS       Issue = "low_fps"
	IssueUnstableFPS  Issue = "unstable_fps"
	IssueNoVideo      Issue = "no_video"
	IssueNoAudio      Issue = "no_audio"
)

// CheckKind distinguishes the two check cadences.
type CheckKind string

const (
	KindQuick CheckKind = "quick"
	KindDeep  CheckKind = "deep"
)

// Metrics carries the quality numbers extracted by a deep check.
type Metrics struct {
	FPS        float64 `json:"fps"`
	BitrateBPS int     `json:"bitrate_bps"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	VideoCodec string  `json:"video_codec"`
	AudioCodec string  `json:"audio_codec"`
	LatencyMS  int     `json:"latency_ms"`
}

// CheckResult is the ephemeral record a scheduler hands to the state
// machine. OK reports whether the check could reach the stream at all;
// Issues lists quality problems found while it was reachable.
type CheckResult struct {
	StreamID  string
	NodeID    string
	Kind      CheckKind
	OK        bool
	Issues    []Issue
	Metrics   *Metrics
	Err       string
	CheckedAt time.Time
}

// Healthy reports whether the result is clean evidence: reachable and
// free of issues.
func (r CheckResult) Healthy() bool {
	return r.OK && len(r.Issues) == 0
}

// Worse returns the more severe of two statuses.
func Worse(a, b Status) Status {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func rank(s Status) int {
	switch s {
	case StatusUnhealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusHealthy:
		return 1
	default:
		return 0
	}
}

// SeverityRank orders severities for alert filtering.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}
