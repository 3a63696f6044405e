package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dan246/mtx-toolkit/internal/health"
)

// Type identifies what an event records.
type Type string

const (
	TypeStatusChange         Type = "status_change"
	TypeRemediationTriggered Type = "remediation_triggered"
	TypeRemediationResult    Type = "remediation_result"
)

// Event is one append-only entry in the stream event log. Only the
// Resolved fields are ever mutated after creation.
type Event struct {
	ID         string          `json:"id"`
	StreamID   string          `json:"stream_id"`
	Type       Type            `json:"type"`
	Severity   health.Severity `json:"severity"`
	Message    string          `json:"message"`
	Details    []string        `json:"details,omitempty"`
	Resolved   bool            `json:"resolved"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Store is the persistence surface the log needs.
type Store interface {
	AppendEvent(ctx context.Context, event Event) error
	Events(ctx context.Context, streamID string, limit int) ([]Event, error)
	UnresolvedEvents(ctx context.Context, streamID string) ([]Event, error)
	ResolveEvent(ctx context.Context, eventID string, at time.Time) error
}

// AlertSink receives severity-worthy events as they are appended.
type AlertSink interface {
	Alert(ctx context.Context, event Event) error
}

// Log appends stream events, forwards alerts, and handles resolution.
type Log struct {
	logger      zerolog.Logger
	store       Store
	sink        AlertSink
	minSeverity health.Severity
}

// LogOption customizes Log behavior.
type LogOption func(*Log)

// WithAlertSink forwards events at or above the minimum severity.
func WithAlertSink(sink AlertSink, minSeverity health.Severity) LogOption {
	return func(l *Log) {
		l.sink = sink
		l.minSeverity = minSeverity
	}
}

// NewLog constructs an event log backed by the given store.
func NewLog(logger zerolog.Logger, store Store, opts ...LogOption) *Log {
	l := &Log{
		logger:      logger,
		store:       store,
		minSeverity: health.SeverityWarning,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records an event, assigning identity and creation time. Alert
// delivery failures are logged, never propagated: the log is the system
// of record and must not fail because a webhook is down.
func (l *Log) Append(ctx context.Context, event Event) (Event, error) {
	event.ID = uuid.NewString()
	event.CreatedAt = time.Now().UTC()
	if event.Severity == "" {
		event.Severity = health.SeverityInfo
	}

	if err := l.store.AppendEvent(ctx, event); err != nil {
		return Event{}, err
	}

	l.logEvent(event)

	if l.sink != nil && health.SeverityRank(event.Severity) >= health.SeverityRank(l.minSeverity) {
		if err := l.sink.Alert(ctx, event); err != nil {
			l.logger.Error().Err(err).Str("event", event.ID).Msg("alert delivery failed")
		}
	}
	return event, nil
}

// ResolveForStream marks every unresolved event for the stream resolved.
// Called when a stream transitions back to healthy.
func (l *Log) ResolveForStream(ctx context.Context, streamID string) (int, error) {
	unresolved, err := l.store.UnresolvedEvents(ctx, streamID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	resolved := 0
	for _, event := range unresolved {
		if err := l.store.ResolveEvent(ctx, event.ID, now); err != nil {
			return resolved, err
		}
		resolved++
	}
	if resolved > 0 {
		l.logger.Debug().Str("stream", streamID).Int("events", resolved).Msg("events resolved")
	}
	return resolved, nil
}

// ActiveAlerts returns unresolved events at or above minSeverity across
// all streams, newest first.
func (l *Log) ActiveAlerts(ctx context.Context, minSeverity health.Severity) ([]Event, error) {
	unresolved, err := l.store.UnresolvedEvents(ctx, "")
	if err != nil {
		return nil, err
	}
	alerts := make([]Event, 0, len(unresolved))
	for _, event := range unresolved {
		if health.SeverityRank(event.Severity) >= health.SeverityRank(minSeverity) {
			alerts = append(alerts, event)
		}
	}
	return alerts, nil
}

func (l *Log) logEvent(event Event) {
	logEntry := l.logger.Info()
	switch event.Severity {
	case health.SeverityWarning:
		logEntry = l.logger.Warn()
	case health.SeverityError, health.SeverityCritical:
		logEntry = l.logger.Error()
	}
	logEntry.
		Str("stream", event.StreamID).
		Str("type", string(event.Type)).
		Str("severity", string(event.Severity)).
		Strs("details", event.Details).
		Msg(event.Message)
}
