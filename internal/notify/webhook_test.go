package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dan246/mtx-toolkit/internal/events"
	"github.com/dan246/mtx-toolkit/internal/health"
)

func TestWebhookNotifierDefaultTemplate(t *testing.T) {
	t.Parallel()

	var received atomic.Pointer[[]byte]
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received.Store(&body)
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("unexpected content type %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.New(io.Discard), server.URL, "")
	if err != nil {
		t.Fatalf("new webhook notifier: %v", err)
	}

	if err := notifier.Notify(context.Background(), makeEvent(health.SeverityError)); err != nil {
		t.Fatalf("notify: %v", err)
	}

	body := received.Load()
	if body == nil {
		t.Fatal("no payload received")
	}
	var payload struct {
		Event       events.Event `json:"event"`
		GeneratedAt time.Time    `json:"generated_at"`
	}
	if err := json.Unmarshal(*body, &payload); err != nil {
		t.Fatalf("default template must render valid JSON: %v\n%s", err, *body)
	}
	if payload.Event.StreamID != "cam-1" || payload.Event.Severity != health.SeverityError {
		t.Fatalf("unexpected event payload: %+v", payload.Event)
	}
	if payload.GeneratedAt.IsZero() {
		t.Fatal("expected generated_at timestamp")
	}
}

func TestWebhookNotifierCustomTemplate(t *testing.T) {
	t.Parallel()

	var received atomic.Pointer[[]byte]
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received.Store(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tmpl := `{"text":"{{ .Event.StreamID }}: {{ .Event.Message }}"}`
	notifier, err := NewWebhookNotifier(zerolog.New(io.Discard), server.URL, tmpl)
	if err != nil {
		t.Fatalf("new webhook notifier: %v", err)
	}

	if err := notifier.Notify(context.Background(), makeEvent(health.SeverityWarning)); err != nil {
		t.Fatalf("notify: %v", err)
	}

	body := received.Load()
	if body == nil {
		t.Fatal("no payload received")
	}
	want := `{"text":"cam-1: stream cam-1 is unhealthy"}`
	if string(*body) != want {
		t.Fatalf("got %s, want %s", *body, want)
	}
}

func TestWebhookNotifierInvalidTemplate(t *testing.T) {
	if _, err := NewWebhookNotifier(zerolog.New(io.Discard), "http://example.invalid/hook", "{{ .Broken"); err == nil {
		t.Fatal("expected template parse error")
	}
}

func TestWebhookNotifierEmptyURL(t *testing.T) {
	notifier, err := NewWebhookNotifier(zerolog.New(io.Discard), "", "")
	if err != nil {
		t.Fatalf("new webhook notifier: %v", err)
	}
	if notifier != nil {
		t.Fatalf("expected nil notifier for empty url, got %T", notifier)
	}
	// A nil *WebhookNotifier is safe to call through the interface.
	if err := notifier.Notify(context.Background(), makeEvent(health.SeverityError)); err != nil {
		t.Fatalf("nil notify: %v", err)
	}
}

func TestWebhookNotifierServerErrorRetried(t *testing.T) {
	t.Parallel()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.New(io.Discard), server.URL, "")
	if err != nil {
		t.Fatalf("new webhook notifier: %v", err)
	}
	notifier.poster.timing.backoffInitial = time.Millisecond
	notifier.poster.timing.backoffMax = 5 * time.Millisecond
	notifier.poster.timing.backoffMaxElapsed = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := notifier.Notify(ctx, makeEvent(health.SeverityError)); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestMultiNotifierFanOut(t *testing.T) {
	var first, second int32
	a := notifierFunc(func(context.Context, events.Event) error {
		atomic.AddInt32(&first, 1)
		return errors.New("first failed")
	})
	b := notifierFunc(func(context.Context, events.Event) error {
		atomic.AddInt32(&second, 1)
		return nil
	})

	multi := NewMultiNotifier(a, nil, b)
	err := multi.Notify(context.Background(), makeEvent(health.SeverityError))
	if err == nil || err.Error() != "first failed" {
		t.Fatalf("expected first error returned, got %v", err)
	}
	if first != 1 || second != 1 {
		t.Fatalf("every notifier must be attempted: %d/%d", first, second)
	}
}

type notifierFunc func(ctx context.Context, event events.Event) error

func (f notifierFunc) Notify(ctx context.Context, event events.Event) error {
	return f(ctx, event)
}
