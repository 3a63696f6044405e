package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dan246/mtx-toolkit/internal/events"
)

// DryRunNotifier logs alerts without sending notifications. It stands
// in for the configured notifiers entirely, so dry-run mode never opens
// an outbound connection.
type DryRunNotifier struct {
	logger zerolog.Logger
}

// NewDryRunNotifier returns a notifier that logs instead of delivering.
func NewDryRunNotifier(logger zerolog.Logger) *DryRunNotifier {
	return &DryRunNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *DryRunNotifier) Notify(_ context.Context, event events.Event) error {
	n.logger.Info().
		Str("stream_id", event.StreamID).
		Str("type", string(event.Type)).
		Str("severity", string(event.Severity)).
		Str("message", event.Message).
		Strs("details", event.Details).
		Msg("[DRY-RUN] Would notify")
	return nil
}
