package notify

import (
	"context"

	"github.com/dan246/mtx-toolkit/internal/events"
	"github.com/dan246/mtx-toolkit/internal/metrics"
)

// Notifier delivers stream alerts to external systems.
type Notifier interface {
	Notify(ctx context.Context, event events.Event) error
}

// Sink adapts a Notifier to the event log's alert hook and counts
// deliveries.
type Sink struct {
	notifier Notifier
	metrics  *metrics.Metrics
}

// NewSink wraps a notifier for use as an events alert sink.
func NewSink(notifier Notifier, m *metrics.Metrics) *Sink {
	return &Sink{notifier: notifier, metrics: m}
}

// Alert implements events.AlertSink.
func (s *Sink) Alert(ctx context.Context, event events.Event) error {
	if s == nil || s.notifier == nil {
		return nil
	}
	s.metrics.IncAlertsTotal(string(event.Severity))
	return s.notifier.Notify(ctx, event)
}
