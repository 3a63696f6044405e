package mtx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout = 3 * time.Second
	errorBodyLimit        = 512
)

// sessionKinds are the session listings inspected when kicking a path's
// connections. Paths may be fed over any of them.
var sessionKinds = []string{"rtspsessions", "rtspssessions", "rtmpconns", "webrtcsessions", "srtconns"}

// HTTPClient talks to media server nodes over their v3 HTTP API.
// Idempotent reads get transport-level retries; mutating calls never do.
type HTTPClient struct {
	logger zerolog.Logger
	reads  *retryablehttp.Client
	writes *retryablehttp.Client
}

// HTTPOption customizes HTTPClient behavior.
type HTTPOption func(*HTTPClient)

// WithRequestTimeout bounds each API round-trip.
func WithRequestTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		if d > 0 {
			c.reads.HTTPClient.Timeout = d
			c.writes.HTTPClient.Timeout = d
		}
	}
}

// WithRetries sets the retry budget for idempotent reads.
func WithRetries(max int) HTTPOption {
	return func(c *HTTPClient) {
		if max >= 0 {
			c.reads.RetryMax = max
		}
	}
}

// NewHTTPClient constructs a Client for node control planes.
func NewHTTPClient(logger zerolog.Logger, opts ...HTTPOption) *HTTPClient {
	newClient := func(retryMax int) *retryablehttp.Client {
		client := retryablehttp.NewClient()
		client.RetryMax = retryMax
		client.RetryWaitMin = 100 * time.Millisecond
		client.RetryWaitMax = 500 * time.Millisecond
		client.Logger = nil
		client.HTTPClient = &http.Client{Timeout: defaultRequestTimeout}
		return client
	}

	c := &HTTPClient{logger: logger, reads: newClient(1), writes: newClient(0)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type pathListResponse struct {
	Items []pathItem `json:"items"`
}

type pathItem struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Source *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"source"`
	Tracks        []string `json:"tracks"`
	BytesReceived int64    `json:"bytesReceived"`
}

// ListPaths implements Client.
func (c *HTTPClient) ListPaths(ctx context.Context, apiURL string) ([]PathState, error) {
	var parsed pathListResponse
	if err := c.getJSON(ctx, joinAPI(apiURL, "v3/paths/list"), &parsed); err != nil {
		return nil, fmt.Errorf("list paths: %w", err)
	}

	paths := make([]PathState, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		state := PathState{
			Name:      item.Name,
			Ready:     item.Ready,
			Tracks:    item.Tracks,
			BytesRecv: item.BytesReceived,
		}
		if item.Source != nil {
			state.SourceType = item.Source.Type
			state.SourceID = item.Source.ID
		}
		paths = append(paths, state)
	}
	return paths, nil
}

type sessionListResponse struct {
	Items []struct {
		ID   string `json:"id"`
		Path string `json:"path"`
	} `json:"items"`
}

// KickPathSessions implements Client. Session kinds the node does not
// serve respond 404 and are skipped.
func (c *HTTPClient) KickPathSessions(ctx context.Context, apiURL, path string) (int, error) {
	kicked := 0
	for _, kind := range sessionKinds {
		var sessions sessionListResponse
		err := c.getJSON(ctx, joinAPI(apiURL, "v3/"+kind+"/list"), &sessions)
		if err != nil {
			continue
		}
		for _, session := range sessions.Items {
			if session.Path != path || session.ID == "" {
				continue
			}
			kickURL := joinAPI(apiURL, "v3/"+kind+"/kick/"+url.PathEscape(session.ID))
			if err := c.do(ctx, http.MethodPost, kickURL, nil); err != nil {
				c.logger.Debug().Err(err).Str("session", session.ID).Str("kind", kind).Msg("session kick failed")
				continue
			}
			kicked++
		}
	}
	return kicked, nil
}

// GetPathConfig implements Client.
func (c *HTTPClient) GetPathConfig(ctx context.Context, apiURL, path string) (PathConfig, error) {
	var cfg PathConfig
	if err := c.getJSON(ctx, joinAPI(apiURL, "v3/config/paths/get/"+url.PathEscape(path)), &cfg); err != nil {
		return nil, fmt.Errorf("get path config %q: %w", path, err)
	}
	return cfg, nil
}

// DeletePath implements Client.
func (c *HTTPClient) DeletePath(ctx context.Context, apiURL, path string) error {
	if err := c.do(ctx, http.MethodDelete, joinAPI(apiURL, "v3/config/paths/delete/"+url.PathEscape(path)), nil); err != nil {
		return fmt.Errorf("delete path %q: %w", path, err)
	}
	return nil
}

// AddPath implements Client.
func (c *HTTPClient) AddPath(ctx context.Context, apiURL, path string, cfg PathConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode path config: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, joinAPI(apiURL, "v3/config/paths/add/"+url.PathEscape(path)), body); err != nil {
		return fmt.Errorf("add path %q: %w", path, err)
	}
	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, rawURL string, into any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.reads.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

// do issues a mutating call with retries disabled.
func (c *HTTPClient) do(ctx context.Context, method, rawURL string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.writes.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func joinAPI(apiURL, endpoint string) string {
	return strings.TrimRight(apiURL, "/") + "/" + endpoint
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	text := strings.TrimSpace(string(body))
	if text != "" {
		return fmt.Errorf("%s (%s)", resp.Status, text)
	}
	return fmt.Errorf("%s", resp.Status)
}
