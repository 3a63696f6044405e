package health

import (
	"github.com/dan246/mtx-toolkit/internal/probe"
)

// Thresholds bound what a deep check will accept before flagging issues.
type Thresholds struct {
	MinFPS float64
	// MaxFPSDrift is the tolerated relative gap between declared and
	// averaged frame rate before the feed is flagged as unstable.
	MaxFPSDrift  float64
	MaxLatencyMS int
}

// DefaultThresholds matches the probe tool's stock detection settings.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinFPS:       10.0,
		MaxFPSDrift:  0.3,
		MaxLatencyMS: 5000,
	}
}

// EvaluateDeep converts a raw probe report into a deep-check result for
// the given stream. A probe that could not connect produces a failed
// result; a connected probe with quality problems produces a successful
// result carrying issue flags.
func EvaluateDeep(streamID, nodeID string, report probe.Report, limits Thresholds) CheckResult {
	result := CheckResult{
		StreamID:  streamID,
		NodeID:    nodeID,
		Kind:      KindDeep,
		CheckedAt: report.ProbedAt,
	}

	if !report.Connected {
		result.Err = report.Err
		if result.Err == "" {
			result.Err = "probe could not connect"
		}
		return result
	}

	result.OK = true
	result.Metrics = &Metrics{
		FPS:        report.FPS,
		BitrateBPS: report.BitrateBPS,
		Width:      report.Width,
		Height:     report.Height,
		VideoCodec: report.VideoCodec,
		AudioCodec: report.AudioCodec,
		LatencyMS:  report.LatencyMS,
	}
	result.Issues = detectIssues(report, limits)
	return result
}

func detectIssues(report probe.Report, limits Thresholds) []Issue {
	var issues []Issue

	if !report.HasVideo {
		// Without a video track nothing else is worth checking.
		return append(issues, IssueNoVideo)
	}
	if !report.HasAudio {
		issues = append(issues, IssueNoAudio)
	}
	if report.BlackFrame {
		issues = append(issues, IssueBlackFrame)
	}
	if report.FrozenFrame {
		issues = append(issues, IssueFrozenFrame)
	}
	if report.AudioSilence {
		issues = append(issues, IssueAudioSilence)
	}
	if limits.MinFPS > 0 && report.FPS > 0 && report.FPS < limits.MinFPS {
		issues = append(issues, IssueLowFPS)
	}
	if limits.MaxFPSDrift > 0 && report.FPS > 0 && report.AvgFPS > 0 {
		drift := report.FPS - report.AvgFPS
		if drift < 0 {
			drift = -drift
		}
		if drift > report.FPS*limits.MaxFPSDrift {
			issues = append(issues, IssueUnstableFPS)
		}
	}
	if limits.MaxLatencyMS > 0 && report.LatencyMS > limits.MaxLatencyMS {
		issues = append(issues, IssueHighLatency)
	}
	return issues
}
