package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/host-sentinel/internal/transition"
)

const defaultWebhookTemplate = `{{ toJson .Event }}`

// WebhookPayload is the data a webhook template renders.
type WebhookPayload struct {
	Host        string
	RunID       string
	Seq         uint64
	Score       *int
	GeneratedAt time.Time
	Changes     []transition.Change
	// Health is the composite level change, nil when only domains changed.
	Health  *transition.Change
	Domains []transition.Change
	Event   transition.Event
}

func newWebhookPayload(event transition.Event) WebhookPayload {
	payload := WebhookPayload{
		Host:        event.Host,
		RunID:       event.RunID,
		Seq:         event.Seq,
		Score:       event.Score,
		GeneratedAt: event.GeneratedAt,
		Changes:     event.Changes,
		Event:       event,
	}
	for i := range event.Changes {
		if event.Changes[i].Component == transition.ComponentHealth {
			payload.Health = &event.Changes[i]
			continue
		}
		payload.Domains = append(payload.Domains, event.Changes[i])
	}
	return payload
}

var webhookFuncs = template.FuncMap{
	"toJson": func(v any) (string, error) {
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	},
	"join":  strings.Join,
	"lower": strings.ToLower,
}

// WebhookNotifier renders events through a text/template and posts the
// result to a generic endpoint.
type WebhookNotifier struct {
	logger   zerolog.Logger
	template *template.Template
	delivery *deliverer
}

// NewWebhookNotifier returns nil when webhookURL is empty. An empty tmpl
// posts the event as JSON.
func NewWebhookNotifier(logger zerolog.Logger, webhookURL string, tmpl string) (*WebhookNotifier, error) {
	if webhookURL == "" {
		return nil, nil
	}
	if strings.TrimSpace(tmpl) == "" {
		tmpl = defaultWebhookTemplate
	}

	parsed, err := template.New("webhook").Funcs(webhookFuncs).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse webhook template: %w", err)
	}

	return &WebhookNotifier{
		logger:   logger,
		template: parsed,
		delivery: newDeliverer(logger, "webhook", webhookURL, defaultTiming),
	}, nil
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, event transition.Event) error {
	if n == nil || len(event.Changes) == 0 {
		return nil
	}

	event.Host = hostName(event)
	if event.GeneratedAt.IsZero() {
		event.GeneratedAt = time.Now().UTC()
	}

	var body bytes.Buffer
	if err := n.template.Execute(&body, newWebhookPayload(event)); err != nil {
		return fmt.Errorf("render webhook template: %w", err)
	}
	if err := n.delivery.Deliver(ctx, event.Host, body.Bytes()); err != nil {
		return err
	}

	n.logger.Debug().
		Str("host", event.Host).
		Int("changes", len(event.Changes)).
		Int("bytes", body.Len()).
		Msg("webhook notification sent")
	return nil
}
