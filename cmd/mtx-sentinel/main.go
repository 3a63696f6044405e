package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dan246/mtx-toolkit/internal/config"
	"github.com/dan246/mtx-toolkit/internal/engine"
	"github.com/dan246/mtx-toolkit/internal/events"
	"github.com/dan246/mtx-toolkit/internal/fleet"
	"github.com/dan246/mtx-toolkit/internal/health"
	"github.com/dan246/mtx-toolkit/internal/healthcheck"
	"github.com/dan246/mtx-toolkit/internal/logging"
	"github.com/dan246/mtx-toolkit/internal/metrics"
	"github.com/dan246/mtx-toolkit/internal/mtx"
	"github.com/dan246/mtx-toolkit/internal/notify"
	"github.com/dan246/mtx-toolkit/internal/probe"
	"github.com/dan246/mtx-toolkit/internal/remedy"
	"github.com/dan246/mtx-toolkit/internal/sched"
	"github.com/dan246/mtx-toolkit/internal/server"
	"github.com/dan246/mtx-toolkit/internal/store"
)

// sentinelStore is the persistence surface the whole process shares.
type sentinelStore interface {
	fleet.SyncStore
	engine.StreamStore
	events.Store
	remedy.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrap := logging.New("info", false)
		bootstrap.Fatal().Err(err).Msg("configuration error")
	}

	logger := logging.New(cfg.LogLevel, cfg.LogPretty)
	logger.Info().
		Dur("quick_interval", cfg.QuickInterval).
		Dur("deep_interval", cfg.DeepInterval).
		Bool("auto_remediate", cfg.AutoRemediate).
		Bool("dry_run", cfg.DryRun).
		Msg("mtx-sentinel starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st sentinelStore
	if cfg.RedisURL != "" {
		redisStore, err := store.NewRedisStore(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis store init failed")
		}
		defer redisStore.Close()
		st = redisStore
	} else {
		fileStore, err := store.NewFileStore(cfg.StatePath, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("file store init failed")
		}
		st = fileStore
	}

	nodes, err := config.LoadFleetFile(cfg.FleetFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("fleet file error")
	}

	registry, err := fleet.NewRegistry(ctx, logger, st)
	if err != nil {
		logger.Fatal().Err(err).Msg("registry init failed")
	}
	if err := registry.Seed(ctx, nodes); err != nil {
		logger.Fatal().Err(err).Msg("fleet seed failed")
	}

	mtxClient := mtx.NewHTTPClient(logger, mtx.WithRequestTimeout(cfg.NodeTimeout))

	metricsCollector := metrics.New()
	notifier := buildNotifier(logger, cfg)
	eventLog := events.NewLog(logger, st,
		events.WithAlertSink(notify.NewSink(notifier, metricsCollector), parseSeverity(cfg.AlertMinSeverity)))

	actions := buildActions(logger, cfg, mtxClient, metricsCollector)
	controller := remedy.NewController(logger, st, st, registry, eventLog, actions)
	controller.Start(ctx)

	eng := engine.New(logger, st, eventLog,
		engine.WithConfirmThreshold(cfg.ConfirmThreshold),
		engine.WithDeepFreshness(2*cfg.DeepInterval),
		engine.WithObserver(controller))

	prober := probe.NewFFProbe(logger,
		probe.WithTimeout(cfg.ProbeTimeout),
		probe.WithFilterProbes(cfg.FilterProbes))

	tracker := healthcheck.NewTracker()

	quick := sched.NewQuickChecker(logger, registry, st, mtxClient, eng, cfg.QuickInterval,
		sched.WithNodeTimeout(cfg.NodeTimeout),
		sched.WithQuickMetrics(metricsCollector),
		sched.WithQuickRecorder(tracker))

	deep := sched.NewDeepChecker(logger, registry, st, prober, eng, cfg.DeepInterval,
		sched.WithWorkers(cfg.DeepWorkers),
		sched.WithThresholds(buildThresholds(cfg)),
		sched.WithDeepMetrics(metricsCollector),
		sched.WithDeepRecorder(tracker))

	syncer := fleet.NewSyncer(logger, st, registry, mtxClient, cfg.AutoRemediate)

	server.Start(ctx, logger, cfg.QuickInterval, tracker, metricsCollector, cfg.HealthPort, cfg.MetricsPort)

	supervisor := sched.NewSupervisor(logger, quick, deep, syncer, cfg.SyncInterval)
	if err := supervisor.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("supervisor exited with error")
	}

	controller.Wait()
	logger.Info().Msg("mtx-sentinel stopped")
}

func buildNotifier(logger zerolog.Logger, cfg config.Config) notify.Notifier {
	if cfg.DryRun {
		return notify.NewDryRunNotifier(logger)
	}

	slackNotifier := notify.NewSlackNotifier(logger, cfg.SlackWebhookURL)
	webhookNotifier, err := notify.NewWebhookNotifier(logger, cfg.WebhookURL, cfg.WebhookTemplate)
	if err != nil {
		logger.Fatal().Err(err).Msg("webhook notifier init failed")
	}
	return notify.NewMultiNotifier(slackNotifier, webhookNotifier)
}

func buildActions(logger zerolog.Logger, cfg config.Config, client mtx.Client, m *metrics.Metrics) []remedy.Action {
	actions := []remedy.Action{
		remedy.NewKickSessionsAction(client),
		remedy.NewRestartPathAction(client),
	}

	containerAction, err := remedy.NewRestartContainerAction(cfg.DockerHost, cfg.ContainerPrefix, 60*time.Second)
	if err != nil {
		logger.Warn().Err(err).Msg("docker unavailable, container restarts disabled")
	} else {
		actions = append(actions, containerAction)
	}

	wrapped := make([]remedy.Action, 0, len(actions))
	for _, action := range actions {
		if cfg.DryRun {
			action = dryRunAction{logger: logger, inner: action}
		}
		wrapped = append(wrapped, instrumentedAction{inner: action, metrics: m})
	}
	return wrapped
}

func buildThresholds(cfg config.Config) health.Thresholds {
	limits := health.DefaultThresholds()
	if cfg.MinFPS > 0 {
		limits.MinFPS = cfg.MinFPS
	}
	if cfg.MaxFPSDrift > 0 {
		limits.MaxFPSDrift = cfg.MaxFPSDrift
	}
	if cfg.MaxLatencyMS > 0 {
		limits.MaxLatencyMS = cfg.MaxLatencyMS
	}
	return limits
}

func parseSeverity(value string) health.Severity {
	switch value {
	case "info":
		return health.SeverityInfo
	case "error":
		return health.SeverityError
	case "critical":
		return health.SeverityCritical
	default:
		return health.SeverityWarning
	}
}

// instrumentedAction counts attempt outcomes per action.
type instrumentedAction struct {
	inner   remedy.Action
	metrics *metrics.Metrics
}

func (a instrumentedAction) Name() string {
	return a.inner.Name()
}

func (a instrumentedAction) Repair(ctx context.Context, node fleet.Node, stream fleet.Stream) error {
	err := a.inner.Repair(ctx, node, stream)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	a.metrics.IncRemediations(a.inner.Name(), outcome)
	return err
}

// dryRunAction logs the repair that would have run and reports success.
type dryRunAction struct {
	logger zerolog.Logger
	inner  remedy.Action
}

func (a dryRunAction) Name() string {
	return a.inner.Name()
}

func (a dryRunAction) Repair(_ context.Context, node fleet.Node, stream fleet.Stream) error {
	a.logger.Info().
		Str("action", a.inner.Name()).
		Str("node", node.Name).
		Str("stream_id", stream.ID).
		Str("path", stream.Path).
		Msg("[DRY-RUN] Would repair")
	return nil
}
