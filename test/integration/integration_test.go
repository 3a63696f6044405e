//go:build integration

package integration

import (
	"context"
	"net/http"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/dan246/mtx-toolkit/internal/logging"
	"github.com/dan246/mtx-toolkit/internal/mtx"
	"github.com/dan246/mtx-toolkit/internal/probe"
)

// TestIntegrationMediaMTX verifies the control-plane client and the
// prober against a real MediaMTX node.
//
// Prerequisites:
//   - MediaMTX running with its API enabled
//   - optionally a published stream for the probe subtest
//
// Run with: go test -tags=integration -v ./test/integration/...
func TestIntegrationMediaMTX(t *testing.T) {
	apiURL := getEnv("TEST_MTX_API_URL", "http://localhost:9997")
	streamURL := os.Getenv("TEST_MTX_STREAM_URL")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checkEndpoint(ctx, apiURL+"/v3/paths/list"); err != nil {
		t.Skipf("MediaMTX API not reachable (start a node first): %v", err)
	}

	logger := logging.New("debug", false)
	client := mtx.NewHTTPClient(logger)

	t.Run("ListPaths", func(t *testing.T) {
		paths, err := client.ListPaths(context.Background(), apiURL)
		if err != nil {
			t.Fatalf("list paths: %v", err)
		}
		t.Logf("Found %d paths", len(paths))
	})

	t.Run("PathConfigRoundTrip", func(t *testing.T) {
		path := "mtx-toolkit-itest"
		cfg := mtx.PathConfig{"source": "publisher"}

		if err := client.AddPath(context.Background(), apiURL, path, cfg); err != nil {
			t.Fatalf("add path: %v", err)
		}
		defer func() {
			if err := client.DeletePath(context.Background(), apiURL, path); err != nil {
				t.Errorf("cleanup path: %v", err)
			}
		}()

		got, err := client.GetPathConfig(context.Background(), apiURL, path)
		if err != nil {
			t.Fatalf("get path config: %v", err)
		}
		if got["source"] != "publisher" {
			t.Fatalf("unexpected config: %+v", got)
		}
	})

	t.Run("Probe", func(t *testing.T) {
		if streamURL == "" {
			t.Skip("TEST_MTX_STREAM_URL not set")
		}
		if _, err := exec.LookPath("ffprobe"); err != nil {
			t.Skip("ffprobe not installed")
		}

		prober := probe.NewFFProbe(logger, probe.WithTimeout(15*time.Second))
		report, err := prober.Probe(context.Background(), streamURL, "rtsp")
		if err != nil {
			t.Fatalf("probe: %v", err)
		}
		if !report.Connected {
			t.Fatalf("probe could not connect: %s", report.Err)
		}
		t.Logf("Probed %s: video=%v fps=%.1f bitrate=%d", streamURL, report.HasVideo, report.FPS, report.BitrateBPS)
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func checkEndpoint(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}
