package probe

import (
	"context"
	"time"
)

// Report is the raw outcome of a single diagnostic probe against a stream.
type Report struct {
	URL      string `json:"url"`
	Protocol string `json:"protocol"`

	// Connected is false when the probe could not open the stream at all.
	Connected bool   `json:"connected"`
	Err       string `json:"error,omitempty"`

	HasVideo bool `json:"has_video"`
	HasAudio bool `json:"has_audio"`

	FPS        float64 `json:"fps,omitempty"`
	AvgFPS     float64 `json:"avg_fps,omitempty"`
	BitrateBPS int     `json:"bitrate_bps,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	VideoCodec string  `json:"video_codec,omitempty"`
	AudioCodec string  `json:"audio_codec,omitempty"`
	LatencyMS  int     `json:"latency_ms,omitempty"`

	BlackFrame   bool `json:"black_frame,omitempty"`
	FrozenFrame  bool `json:"frozen_frame,omitempty"`
	AudioSilence bool `json:"audio_silence,omitempty"`

	ProbedAt time.Time `json:"probed_at"`
}

// Prober samples a short window of media from a stream URL and extracts
// quality metrics. Implementations must honor the context deadline and
// report connection or decode failures through Report.Err rather than
// returning an error; the error return is reserved for programming
// mistakes (empty URL, canceled context before start).
type Prober interface {
	Probe(ctx context.Context, url, protocol string) (Report, error)
}
