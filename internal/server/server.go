package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dan246/mtx-toolkit/internal/healthcheck"
	"github.com/dan246/mtx-toolkit/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// Start launches the HTTP listeners for the health endpoints and the
// Prometheus scrape target. Each surface binds its configured port; a
// port of zero disables that surface, and both surfaces sharing a port
// share one listener.
func Start(ctx context.Context, logger zerolog.Logger, quickInterval time.Duration, tracker *healthcheck.Tracker, metricsCollector *metrics.Metrics, healthPort, metricsPort int) {
	muxes := make(map[int]*http.ServeMux)
	labels := make(map[int][]string)
	muxFor := func(port int) *http.ServeMux {
		if muxes[port] == nil {
			muxes[port] = http.NewServeMux()
		}
		return muxes[port]
	}

	if healthPort > 0 {
		mux := muxFor(healthPort)
		mux.HandleFunc("/healthz", healthcheck.HealthHandler(tracker, quickInterval))
		mux.HandleFunc("/readyz", healthcheck.ReadyHandler(tracker))
		labels[healthPort] = append(labels[healthPort], "health")
	}
	if metricsPort > 0 && metricsCollector != nil {
		muxFor(metricsPort).Handle("/metrics", metricsCollector.Handler())
		labels[metricsPort] = append(labels[metricsPort], "metrics")
	}

	for port, mux := range muxes {
		listen(ctx, logger, mux, port, strings.Join(labels[port], "/"))
	}
}

// listen serves handler on the port until ctx is cancelled, then shuts
// down with a bounded grace period.
func listen(ctx context.Context, logger zerolog.Logger, handler http.Handler, port int, label string) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log := logger.With().Str("server", label).Int("port", port).Logger()

	go func() {
		log.Info().Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown failed")
		}
	}()
}
