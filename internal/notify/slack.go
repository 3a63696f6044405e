package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/dan246/mtx-toolkit/internal/events"
	"github.com/dan246/mtx-toolkit/internal/health"
)

// SlackNotifier posts stream alerts to a Slack incoming webhook.
type SlackNotifier struct {
	logger     zerolog.Logger
	webhookURL string
	timing     timingConfig
	poster     *httpPoster
}

// SlackOption customizes SlackNotifier behavior.
type SlackOption func(*SlackNotifier)

// WithSlackTiming overrides timing parameters (primarily for testing).
func WithSlackTiming(rateInterval time.Duration, rateBurst int, backoffInitial, backoffMax, backoffMaxElapsed time.Duration) SlackOption {
	return func(s *SlackNotifier) {
		s.timing.rateInterval = rateInterval
		s.timing.rateBurst = rateBurst
		s.timing.backoffInitial = backoffInitial
		s.timing.backoffMax = backoffMax
		s.timing.backoffMaxElapsed = backoffMaxElapsed
	}
}

// NewSlackNotifier creates a Slack notifier or a noop notifier when the
// webhook is empty.
func NewSlackNotifier(logger zerolog.Logger, webhookURL string, opts ...SlackOption) Notifier {
	if webhookURL == "" {
		return NewNoop(logger, "slack webhook not configured; notifications disabled")
	}

	notifier := &SlackNotifier{
		logger:     logger,
		webhookURL: webhookURL,
		timing:     defaultTiming,
	}

	for _, opt := range opts {
		opt(notifier)
	}

	notifier.poster = newHTTPPoster(logger, "slack", webhookURL, "application/json", notifier.timing)

	return notifier
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, event events.Event) error {
	if err := n.poster.waitForRateLimit(ctx, event.StreamID); err != nil {
		return err
	}

	message := buildSlackMessage(event)
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	if err := n.poster.postWithRetry(ctx, payload); err != nil {
		return err
	}

	n.logger.Debug().
		Str("stream_id", event.StreamID).
		Str("type", string(event.Type)).
		Msg("slack notification sent")

	return nil
}

func buildSlackMessage(event events.Event) slack.WebhookMessage {
	summary := fmt.Sprintf("%s %s: %s", severityEmoji(event.Severity), eventLabel(event.Type), event.Message)

	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", eventLabel(event.Type), false, false))
	contextElements := []slack.MixedElement{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Stream: *%s*", event.StreamID), false, false),
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Severity: *%s*", strings.ToUpper(string(event.Severity))), false, false),
		slack.NewTextBlockObject("mrkdwn", event.CreatedAt.UTC().Format(time.RFC3339), false, false),
	}
	contextBlock := slack.NewContextBlock("", contextElements...)

	body := slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("%s *%s*", severityEmoji(event.Severity), event.Message), false, false)
	var fields []*slack.TextBlockObject
	if len(event.Details) > 0 {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*Details:*\n• "+strings.Join(event.Details, "\n• "), false, false))
	}
	section := slack.NewSectionBlock(body, fields, nil)

	blockSet := slack.Blocks{BlockSet: []slack.Block{header, contextBlock, section}}
	return slack.WebhookMessage{
		Text:   summary,
		Blocks: &blockSet,
	}
}

func severityEmoji(severity health.Severity) string {
	switch severity {
	case health.SeverityCritical:
		return ":rotating_light:"
	case health.SeverityError:
		return ":red_circle:"
	case health.SeverityWarning:
		return ":warning:"
	default:
		return ":large_green_circle:"
	}
}

func eventLabel(eventType events.Type) string {
	switch eventType {
	case events.TypeRemediationTriggered:
		return "Remediation started"
	case events.TypeRemediationResult:
		return "Remediation result"
	default:
		return "Stream status change"
	}
}
