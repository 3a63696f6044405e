package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envLogLevel  = "MTX_LOG_LEVEL"
	envLogPretty = "MTX_LOG_PRETTY"

	envQuickInterval = "MTX_QUICK_INTERVAL"
	envDeepInterval  = "MTX_DEEP_INTERVAL"
	envSyncInterval  = "MTX_SYNC_INTERVAL"
	envNodeTimeout   = "MTX_NODE_TIMEOUT"
	envProbeTimeout  = "MTX_PROBE_TIMEOUT"
	envDeepWorkers   = "MTX_DEEP_WORKERS"
	envFilterProbes  = "MTX_FILTER_PROBES"

	envConfirmThreshold = "MTX_CONFIRM_THRESHOLD"
	envMinFPS           = "MTX_MIN_FPS"
	envMaxFPSDrift      = "MTX_MAX_FPS_DRIFT"
	envMaxLatencyMS     = "MTX_MAX_LATENCY_MS"

	envFleetFile = "MTX_FLEET_FILE"
	envStatePath = "MTX_STATE_PATH"
	envRedisURL  = "MTX_REDIS_URL"

	envSlackWebhookURL = "MTX_SLACK_WEBHOOK_URL"
	envWebhookURL      = "MTX_WEBHOOK_URL"
	envWebhookTemplate = "MTX_WEBHOOK_TEMPLATE"
	envAlertSeverity   = "MTX_ALERT_MIN_SEVERITY"

	envAutoRemediate   = "MTX_AUTO_REMEDIATE"
	envDryRun          = "MTX_DRY_RUN"
	envDockerHost      = "MTX_DOCKER_HOST"
	envContainerPrefix = "MTX_CONTAINER_PREFIX"

	envHealthPort  = "MTX_HEALTH_PORT"
	envMetricsPort = "MTX_METRICS_PORT"
)

const (
	defaultQuickInterval    = 10 * time.Second
	defaultDeepInterval     = 5 * time.Minute
	defaultSyncInterval     = time.Minute
	defaultNodeTimeout      = 3 * time.Second
	defaultProbeTimeout     = 15 * time.Second
	defaultDeepWorkers      = 8
	defaultConfirmThreshold = 2
	defaultStatePath        = "sentinel-state.json"
	defaultContainerPrefix  = "mediamtx-"
	defaultAlertSeverity    = "warning"
	defaultHealthPort       = 8080
	defaultMetricsPort      = 9090
)

// Config describes runtime configuration loaded from the environment.
type Config struct {
	LogLevel  string
	LogPretty bool

	QuickInterval time.Duration
	DeepInterval  time.Duration
	SyncInterval  time.Duration
	NodeTimeout   time.Duration
	ProbeTimeout  time.Duration
	DeepWorkers   int
	FilterProbes  bool

	ConfirmThreshold int
	MinFPS           float64
	MaxFPSDrift      float64
	MaxLatencyMS     int

	FleetFile string
	StatePath string
	RedisURL  string

	SlackWebhookURL  string
	WebhookURL       string
	WebhookTemplate  string
	AlertMinSeverity string

	AutoRemediate   bool
	DryRun          bool
	DockerHost      string
	ContainerPrefix string

	HealthPort  int
	MetricsPort int
}

// Load reads configuration from environment variables and a local .env
// file if present. Existing environment variables take precedence over
// values in .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		LogLevel:         "info",
		QuickInterval:    defaultQuickInterval,
		DeepInterval:     defaultDeepInterval,
		SyncInterval:     defaultSyncInterval,
		NodeTimeout:      defaultNodeTimeout,
		ProbeTimeout:     defaultProbeTimeout,
		DeepWorkers:      defaultDeepWorkers,
		FilterProbes:     true,
		ConfirmThreshold: defaultConfirmThreshold,
		StatePath:        defaultStatePath,
		AlertMinSeverity: defaultAlertSeverity,
		AutoRemediate:    true,
		ContainerPrefix:  defaultContainerPrefix,
		HealthPort:       defaultHealthPort,
		MetricsPort:      defaultMetricsPort,
	}

	if value, ok := lookupTrimmed(envLogLevel); ok {
		cfg.LogLevel = value
	}
	var err error
	if cfg.LogPretty, err = boolEnv(envLogPretty, cfg.LogPretty); err != nil {
		return Config{}, err
	}

	if cfg.QuickInterval, err = durationEnv(envQuickInterval, cfg.QuickInterval); err != nil {
		return Config{}, err
	}
	if cfg.DeepInterval, err = durationEnv(envDeepInterval, cfg.DeepInterval); err != nil {
		return Config{}, err
	}
	if cfg.SyncInterval, err = durationEnv(envSyncInterval, cfg.SyncInterval); err != nil {
		return Config{}, err
	}
	if cfg.NodeTimeout, err = durationEnv(envNodeTimeout, cfg.NodeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ProbeTimeout, err = durationEnv(envProbeTimeout, cfg.ProbeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.DeepWorkers, err = intEnv(envDeepWorkers, cfg.DeepWorkers); err != nil {
		return Config{}, err
	}
	if cfg.FilterProbes, err = boolEnv(envFilterProbes, cfg.FilterProbes); err != nil {
		return Config{}, err
	}

	if cfg.ConfirmThreshold, err = intEnv(envConfirmThreshold, cfg.ConfirmThreshold); err != nil {
		return Config{}, err
	}
	if cfg.MinFPS, err = floatEnv(envMinFPS, cfg.MinFPS); err != nil {
		return Config{}, err
	}
	if cfg.MaxFPSDrift, err = floatEnv(envMaxFPSDrift, cfg.MaxFPSDrift); err != nil {
		return Config{}, err
	}
	if cfg.MaxLatencyMS, err = intEnv(envMaxLatencyMS, cfg.MaxLatencyMS); err != nil {
		return Config{}, err
	}

	if value, ok := lookupTrimmed(envFleetFile); ok {
		cfg.FleetFile = value
	}
	if value, ok := lookupTrimmed(envStatePath); ok {
		cfg.StatePath = value
	}
	if value, ok := lookupTrimmed(envRedisURL); ok {
		cfg.RedisURL = value
	}

	if value, ok := lookupTrimmed(envSlackWebhookURL); ok {
		cfg.SlackWebhookURL = value
	}
	if value, ok := lookupTrimmed(envWebhookURL); ok {
		cfg.WebhookURL = value
	}
	if value, ok := lookupTrimmed(envWebhookTemplate); ok {
		cfg.WebhookTemplate = value
	}
	if value, ok := lookupTrimmed(envAlertSeverity); ok {
		cfg.AlertMinSeverity = value
	}

	if cfg.AutoRemediate, err = boolEnv(envAutoRemediate, cfg.AutoRemediate); err != nil {
		return Config{}, err
	}
	if cfg.DryRun, err = boolEnv(envDryRun, cfg.DryRun); err != nil {
		return Config{}, err
	}
	if value, ok := lookupTrimmed(envDockerHost); ok {
		cfg.DockerHost = value
	}
	if value, ok := lookupTrimmed(envContainerPrefix); ok {
		cfg.ContainerPrefix = value
	}

	if cfg.HealthPort, err = intEnv(envHealthPort, cfg.HealthPort); err != nil {
		return Config{}, err
	}
	if cfg.MetricsPort, err = intEnv(envMetricsPort, cfg.MetricsPort); err != nil {
		return Config{}, err
	}

	if cfg.FleetFile == "" {
		return Config{}, errors.New("MTX_FLEET_FILE is required")
	}
	if cfg.QuickInterval <= 0 {
		return Config{}, fmt.Errorf("%s must be greater than zero", envQuickInterval)
	}
	if cfg.DeepInterval <= 0 {
		return Config{}, fmt.Errorf("%s must be greater than zero", envDeepInterval)
	}
	if cfg.DeepWorkers <= 0 {
		return Config{}, fmt.Errorf("%s must be greater than zero", envDeepWorkers)
	}
	if cfg.ConfirmThreshold < 1 {
		return Config{}, fmt.Errorf("%s must be at least 1", envConfirmThreshold)
	}
	if cfg.SlackWebhookURL != "" {
		if err := validateURL(cfg.SlackWebhookURL, envSlackWebhookURL); err != nil {
			return Config{}, err
		}
	}
	if cfg.WebhookURL != "" {
		if err := validateURL(cfg.WebhookURL, envWebhookURL); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func intEnv(key string, fallback int) (int, error) {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func floatEnv(key string, fallback float64) (float64, error) {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	return nil
}
