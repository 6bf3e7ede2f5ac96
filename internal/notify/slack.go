package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/nholik/host-sentinel/internal/snapshot"
	"github.com/nholik/host-sentinel/internal/transition"
)

const (
	slackMaxBlocks = 50
	// Header and context open every message.
	slackReservedBlocks = 2
	slackMaxBodyBlocks = slackMaxBlocks - slackReservedBlocks
	// Slack renders at most ten fields in a section.
	slackFieldsPerSection = 10
)

// SlackNotifier posts health transitions to a Slack incoming webhook.
type SlackNotifier struct {
	logger     zerolog.Logger
	webhookURL string
	timing     timingConfig
	delivery   *deliverer
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

// NewSlackNotifier creates a Slack notifier or a noop notifier when the webhook is empty.
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

	notifier.delivery = newDeliverer(logger, "slack", webhookURL, notifier.timing)

	return notifier
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, event transition.Event) error {
	if len(event.Changes) == 0 {
		return nil
	}
	host := hostName(event)

	messages := buildSlackMessages(event)
	payloads := make([][]byte, 0, len(messages))
	for _, message := range messages {
		payload, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("marshal slack payload: %w", err)
		}
		payloads = append(payloads, payload)
	}
	if err := n.delivery.Deliver(ctx, host, payloads...); err != nil {
		return err
	}

	n.logger.Debug().
		Str("host", host).
		Int("changes", len(event.Changes)).
		Int("messages", len(messages)).
		Msg("slack notification sent")

	return nil
}

// buildSlackMessages renders one message per chunk of blocks. Every chunk
// repeats the header and context so it reads on its own.
func buildSlackMessages(event transition.Event) []slack.WebhookMessage {
	blocks := transitionBlocks(event.Changes)
	if len(blocks) == 0 {
		return nil
	}

	parts := (len(blocks) + slackMaxBodyBlocks - 1) / slackMaxBodyBlocks
	messages := make([]slack.WebhookMessage, 0, parts)
	for i := 0; i < len(blocks); i += slackMaxBodyBlocks {
		end := min(i+slackMaxBodyBlocks, len(blocks))
		messages = append(messages, buildSlackMessage(event, blocks[i:end], i/slackMaxBodyBlocks+1, parts))
	}
	return messages
}

func buildSlackMessage(event transition.Event, body []slack.Block, part, parts int) slack.WebhookMessage {
	summary := summarize(event)
	if parts > 1 {
		summary = fmt.Sprintf("%s (part %d/%d)", summary, part, parts)
	}

	var meta []slack.MixedElement
	if event.Score != nil {
		meta = append(meta, mrkdwn(fmt.Sprintf("Score: *%d*", *event.Score)))
	}
	if event.RunID != "" {
		meta = append(meta, mrkdwn(fmt.Sprintf("Run: `%s` #%d", event.RunID, event.Seq)))
	}
	if !event.GeneratedAt.IsZero() {
		meta = append(meta, mrkdwn(event.GeneratedAt.UTC().Format(time.RFC3339)))
	}

	blocks := make([]slack.Block, 0, len(body)+slackReservedBlocks)
	blocks = append(blocks, slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, summary, false, false)))
	blocks = append(blocks, slack.NewContextBlock("", append([]slack.MixedElement{mrkdwn("Host: *" + hostName(event) + "*")}, meta...)...))
	blocks = append(blocks, body...)

	return slack.WebhookMessage{
		Text:   summary,
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

// summarize leads with the health level when it changed, then counts the
// domain changes.
func summarize(event transition.Event) string {
	host := hostName(event)
	var healthChange *transition.Change
	domains := 0
	for i := range event.Changes {
		if event.Changes[i].Component == transition.ComponentHealth {
			healthChange = &event.Changes[i]
			continue
		}
		domains++
	}

	var parts []string
	if healthChange != nil {
		if healthChange.Recovery() {
			parts = append(parts, fmt.Sprintf("%s recovered to %s", host, healthChange.CurrentStatus))
		} else {
			parts = append(parts, fmt.Sprintf("%s is %s", host, healthChange.CurrentStatus))
		}
	}
	if domains > 0 {
		label := fmt.Sprintf("%d domain change(s)", domains)
		if healthChange == nil {
			label = host + ": " + label
		}
		parts = append(parts, label)
	}
	return strings.Join(parts, ", ")
}

// transitionBlocks gives the health change its own section and packs domain
// changes into field grids.
func transitionBlocks(changes []transition.Change) []slack.Block {
	var blocks []slack.Block
	var domains []transition.Change
	for _, change := range changes {
		if change.Component == transition.ComponentHealth {
			blocks = append(blocks, healthBlock(change))
			continue
		}
		domains = append(domains, change)
	}
	for i := 0; i < len(domains); i += slackFieldsPerSection {
		end := min(i+slackFieldsPerSection, len(domains))
		blocks = append(blocks, domainBlock(domains[i:end]))
	}
	return blocks
}

func healthBlock(change transition.Change) slack.Block {
	title := fmt.Sprintf("%s *health*: `%s` → `%s`", statusEmoji(change), statusLabel(change.PreviousStatus), statusLabel(change.CurrentStatus))
	var fields []*slack.TextBlockObject
	if len(change.Reasons) > 0 {
		fields = append(fields, mrkdwn("• "+strings.Join(change.Reasons, "\n• ")))
	}
	return slack.NewSectionBlock(mrkdwn(title), fields, nil)
}

func domainBlock(changes []transition.Change) slack.Block {
	fields := make([]*slack.TextBlockObject, 0, len(changes))
	for _, change := range changes {
		text := fmt.Sprintf("%s *%s*\n`%s` → `%s`", statusEmoji(change), change.Component, statusLabel(change.PreviousStatus), statusLabel(change.CurrentStatus))
		if len(change.Reasons) > 0 {
			text += "\n_" + strings.Join(change.Reasons, "; ") + "_"
		}
		fields = append(fields, mrkdwn(text))
	}
	return slack.NewSectionBlock(mrkdwn("*Telemetry domains*"), fields, nil)
}

func mrkdwn(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, text, false, false)
}

func statusEmoji(change transition.Change) string {
	switch {
	case change.Recovery():
		return ":white_check_mark:"
	case change.CurrentStatus == string(snapshot.LevelDegraded):
		return ":warning:"
	default:
		return ":rotating_light:"
	}
}

func statusLabel(status string) string {
	if status == "" {
		return "UNKNOWN"
	}
	return status
}
