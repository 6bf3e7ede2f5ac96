package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/host-sentinel/internal/transition"
)

func TestWebhookNotifierTemplateRendering(t *testing.T) {
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, `{"host":"{{ .Host }}","run":"{{ .RunID }}","count":{{ len .Changes }}}`)
	if err != nil {
		t.Fatalf("NewWebhookNotifier error: %v", err)
	}

	if err := notifier.Notify(context.Background(), makeEvent(1)); err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	if !strings.Contains(body, `"host":"web-01"`) {
		t.Fatalf("expected host in payload, got %s", body)
	}
	if !strings.Contains(body, `"run":"run-1"`) {
		t.Fatalf("expected run id in payload, got %s", body)
	}
	if !strings.Contains(body, `"count":1`) {
		t.Fatalf("expected count in payload, got %s", body)
	}
}

func TestWebhookNotifierDefaultTemplateIsEventJSON(t *testing.T) {
	var got transition.Event
	var agent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.Header.Get("User-Agent")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, "")
	if err != nil {
		t.Fatalf("NewWebhookNotifier error: %v", err)
	}

	event := makeEvent(2)
	event.Host = ""
	if err := notifier.Notify(context.Background(), event); err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	if got.Host != "localhost" || got.Seq != 9 || len(got.Changes) != 2 {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if got.Score == nil || *got.Score != 35 {
		t.Fatalf("expected score 35, got %v", got.Score)
	}
	if got.Changes[0].CurrentStatus != "CRITICAL" {
		t.Fatalf("unexpected change: %+v", got.Changes[0])
	}
	if agent != userAgent {
		t.Fatalf("expected user agent %q, got %q", userAgent, agent)
	}
}

func TestWebhookNotifierRetriesOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := atomic.AddInt32(&calls, 1)
		if count <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, "")
	if err != nil {
		t.Fatalf("NewWebhookNotifier error: %v", err)
	}
	notifier.delivery.timing.backoffInitial = time.Millisecond
	notifier.delivery.timing.backoffMax = 2 * time.Millisecond
	notifier.delivery.timing.backoffMaxElapsed = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := notifier.Notify(ctx, makeEvent(1)); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestWebhookNotifierSkipsEmptyEvent(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, "")
	if err != nil {
		t.Fatalf("NewWebhookNotifier error: %v", err)
	}
	if err := notifier.Notify(context.Background(), makeEvent(0)); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no request for an empty event")
	}
}

func TestWebhookNotifierInvalidTemplate(t *testing.T) {
	_, err := NewWebhookNotifier(zerolog.Nop(), "http://example.com", "{{")
	if err == nil {
		t.Fatalf("expected template error")
	}
}

func TestWebhookNotifierEmptyURL(t *testing.T) {
	notifier, err := NewWebhookNotifier(zerolog.Nop(), "", "")
	if err != nil || notifier != nil {
		t.Fatalf("expected nil notifier without error, got %v %v", notifier, err)
	}
}

func TestNewWebhookPayloadSplitsHealthFromDomains(t *testing.T) {
	event := makeEvent(2)
	event.Changes = append(event.Changes, transition.Change{
		Component:      transition.ComponentHealth,
		PreviousStatus: "OK",
		CurrentStatus:  "DEGRADED",
	})

	payload := newWebhookPayload(event)
	if payload.Health == nil || payload.Health.CurrentStatus != "DEGRADED" {
		t.Fatalf("expected health change, got %+v", payload.Health)
	}
	if len(payload.Domains) != 2 || len(payload.Changes) != 3 {
		t.Fatalf("expected 2 domains of 3 changes, got %d of %d", len(payload.Domains), len(payload.Changes))
	}

	if newWebhookPayload(makeEvent(1)).Health != nil {
		t.Fatalf("expected nil health without a health change")
	}
}

func TestWebhookTemplateHelpers(t *testing.T) {
	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tmpl := `{{ range .Domains }}{{ .Component }}={{ lower .CurrentStatus }} {{ join .Reasons "|" }};{{ end }}`
	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, tmpl)
	if err != nil {
		t.Fatalf("NewWebhookNotifier error: %v", err)
	}
	if err := notifier.Notify(context.Background(), makeEvent(1)); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	if body != "comp-01=critical cpu 97% (critical);" {
		t.Fatalf("unexpected body %q", body)
	}
}
