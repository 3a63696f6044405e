package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultProbeTimeout  = 10 * time.Second
	defaultSampleSeconds = 5

	freezeNoiseTolerance = "0.003"
	silenceNoiseFloorDB  = "-50dB"
	blackPixelThreshold  = "0.10"
)

// commandRunner executes an external command and returns stdout and stderr.
// Injected so tests can run without ffprobe/ffmpeg installed.
type commandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.Bytes(), errBuf.Bytes(), err
}

// FFProbe probes streams by shelling out to ffprobe for container/codec
// inspection and to ffmpeg filters for black/freeze/silence detection.
type FFProbe struct {
	logger        zerolog.Logger
	timeout       time.Duration
	sampleSeconds int
	filterProbes  bool
	run           commandRunner
}

// FFOption customizes FFProbe behavior.
type FFOption func(*FFProbe)

// WithTimeout sets the per-probe deadline.
func WithTimeout(d time.Duration) FFOption {
	return func(p *FFProbe) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithFilterProbes toggles the secondary ffmpeg filter passes
// (blackdetect, freezedetect, silencedetect). They roughly triple probe
// cost, so deep sweeps over large fleets may want them off.
func WithFilterProbes(enabled bool) FFOption {
	return func(p *FFProbe) {
		p.filterProbes = enabled
	}
}

// WithRunner overrides command execution, for tests.
func WithRunner(run commandRunner) FFOption {
	return func(p *FFProbe) {
		if run != nil {
			p.run = run
		}
	}
}

// NewFFProbe constructs a prober backed by the ffprobe and ffmpeg binaries.
func NewFFProbe(logger zerolog.Logger, opts ...FFOption) *FFProbe {
	p := &FFProbe{
		logger:        logger,
		timeout:       defaultProbeTimeout,
		sampleSeconds: defaultSampleSeconds,
		filterProbes:  true,
		run:           execRunner,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ffprobeOutput mirrors the subset of `ffprobe -print_format json` we read.
type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
	Error   *ffprobeError   `json:"error"`
}

type ffprobeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	BitRate      string `json:"bit_rate"`
	SampleRate   string `json:"sample_rate"`
	Channels     int    `json:"channels"`
}

type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	BitRate    string `json:"bit_rate"`
}

type ffprobeError struct {
	Code   int    `json:"code"`
	String string `json:"string"`
}

// Probe implements Prober. The report is stamped when sampling finishes,
// not when it starts: a probe holds the stream open for several seconds,
// and its evidence must order after any check taken during that window.
func (p *FFProbe) Probe(ctx context.Context, url, protocol string) (report Report, err error) {
	if url == "" {
		return Report{}, errors.New("probe url is empty")
	}
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	report = Report{
		URL:      url,
		Protocol: protocol,
	}
	defer func() {
		report.ProbedAt = time.Now().UTC()
	}()

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, runErr := p.run(probeCtx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-show_error",
		"-analyzeduration", strconv.Itoa(p.sampleSeconds*1_000_000),
		"-probesize", strconv.Itoa(p.sampleSeconds*1_000_000),
		url,
	)
	report.LatencyMS = int(time.Since(start) / time.Millisecond)

	if runErr != nil && len(stdout) == 0 {
		report.Err = probeFailureText(runErr, stderr)
		return report, nil
	}

	var out ffprobeOutput
	if err := json.Unmarshal(stdout, &out); err != nil {
		report.Err = fmt.Sprintf("unparseable ffprobe output: %v", err)
		return report, nil
	}
	if out.Error != nil && len(out.Streams) == 0 {
		report.Err = out.Error.String
		return report, nil
	}
	if len(out.Streams) == 0 {
		report.Err = "no media streams found"
		return report, nil
	}

	report.Connected = true
	p.fillTracks(&report, out)

	if p.filterProbes && report.HasVideo {
		p.runFilterProbes(ctx, &report)
	}

	return report, nil
}

func (p *FFProbe) fillTracks(report *Report, out ffprobeOutput) {
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if report.HasVideo {
				continue
			}
			report.HasVideo = true
			report.VideoCodec = s.CodecName
			report.Width = s.Width
			report.Height = s.Height
			report.FPS = parseFrameRate(s.RFrameRate)
			report.AvgFPS = parseFrameRate(s.AvgFrameRate)
			if bps, err := strconv.Atoi(s.BitRate); err == nil {
				report.BitrateBPS = bps
			}
		case "audio":
			if report.HasAudio {
				continue
			}
			report.HasAudio = true
			report.AudioCodec = s.CodecName
		}
	}
	if report.BitrateBPS == 0 {
		if bps, err := strconv.Atoi(out.Format.BitRate); err == nil {
			report.BitrateBPS = bps
		}
	}
}

// runFilterProbes samples the stream through ffmpeg detection filters.
// Filter failures are swallowed: a flaky secondary pass must not turn an
// otherwise readable stream into a failed probe.
func (p *FFProbe) runFilterProbes(ctx context.Context, report *Report) {
	sample := strconv.Itoa(p.sampleSeconds)

	if marker, err := p.runFilter(ctx, report.URL,
		[]string{"-vf", "blackdetect=d=0.5:pix_th=" + blackPixelThreshold, "-an"}, sample); err == nil {
		report.BlackFrame = strings.Contains(marker, "black_start")
	}

	if marker, err := p.runFilter(ctx, report.URL,
		[]string{"-vf", "freezedetect=n=" + freezeNoiseTolerance + ":d=" + sample, "-an"}, sample); err == nil {
		report.FrozenFrame = strings.Contains(marker, "freeze_start")
	}

	if report.HasAudio {
		if marker, err := p.runFilter(ctx, report.URL,
			[]string{"-af", "silencedetect=n=" + silenceNoiseFloorDB + ":d=2", "-vn"}, sample); err == nil {
			report.AudioSilence = strings.Contains(marker, "silence_start")
		}
	}
}

func (p *FFProbe) runFilter(ctx context.Context, url string, filterArgs []string, sampleSeconds string) (string, error) {
	filterCtx, cancel := context.WithTimeout(ctx, p.timeout+time.Duration(p.sampleSeconds)*time.Second)
	defer cancel()

	args := append([]string{"-i", url, "-t", sampleSeconds}, filterArgs...)
	args = append(args, "-f", "null", "-")

	_, stderr, err := p.run(filterCtx, "ffmpeg", args...)
	if err != nil && len(stderr) == 0 {
		return "", err
	}
	// Detection markers are written to stderr even on nonzero exit.
	return string(stderr), nil
}

// parseFrameRate parses ffprobe rational frame rates such as "30000/1001"
// as well as plain decimals. Returns 0 when the value is absent or bogus.
func parseFrameRate(value string) float64 {
	if value == "" || value == "0/0" {
		return 0
	}
	if num, den, ok := strings.Cut(value, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		return n / d
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func probeFailureText(runErr error, stderr []byte) string {
	text := strings.TrimSpace(string(stderr))
	if errors.Is(runErr, context.DeadlineExceeded) {
		return "probe timed out"
	}
	if text != "" {
		if len(text) > 512 {
			text = text[:512]
		}
		return text
	}
	return runErr.Error()
}
