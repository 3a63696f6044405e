package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/dan246/mtx-toolkit/internal/events"
)

const defaultWebhookTemplate = `{"event":{{ toJson .Event }},"generated_at":"{{ .GeneratedAt.Format "2006-01-02T15:04:05Z07:00" }}"}`

// WebhookPayload is the template context for webhook notifications.
type WebhookPayload struct {
	Event       events.Event
	GeneratedAt time.Time
}

// WebhookNotifier sends alerts to a generic webhook with a
// caller-supplied payload template.
type WebhookNotifier struct {
	logger   zerolog.Logger
	template *template.Template
	poster   *httpPoster
}

// NewWebhookNotifier creates a webhook notifier with the provided
// template. An empty URL yields a nil notifier.
func NewWebhookNotifier(logger zerolog.Logger, webhookURL string, tmpl string) (*WebhookNotifier, error) {
	if webhookURL == "" {
		return nil, nil
	}
	if tmpl == "" {
		tmpl = defaultWebhookTemplate
	}

	parsed, err := template.New("webhook").Funcs(template.FuncMap{
		"toJson": func(v any) (string, error) {
			encoded, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(encoded), nil
		},
	}).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse webhook template: %w", err)
	}

	return &WebhookNotifier{
		logger:   logger,
		template: parsed,
		poster:   newHTTPPoster(logger, "webhook", webhookURL, "application/json", defaultTiming),
	}, nil
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, event events.Event) error {
	if n == nil {
		return nil
	}

	if err := n.poster.waitForRateLimit(ctx, event.StreamID); err != nil {
		return err
	}

	payload := WebhookPayload{
		Event:       event,
		GeneratedAt: time.Now().UTC(),
	}

	var buf bytes.Buffer
	if err := n.template.Execute(&buf, payload); err != nil {
		return fmt.Errorf("render webhook template: %w", err)
	}

	if err := n.poster.postWithRetry(ctx, buf.Bytes()); err != nil {
		return err
	}

	n.logger.Debug().
		Str("stream_id", event.StreamID).
		Str("type", string(event.Type)).
		Msg("webhook notification sent")

	return nil
}
