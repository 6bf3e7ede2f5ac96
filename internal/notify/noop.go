package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/nholik/host-sentinel/internal/transition"
)

// NoopNotifier is used when no destination is configured. Events are
// recorded at debug level and reported as delivered.
type NoopNotifier struct {
	logger zerolog.Logger
}

// NewNoop logs reason once at startup.
func NewNoop(logger zerolog.Logger, reason string) *NoopNotifier {
	if reason != "" {
		logger.Info().Msg(reason)
	}
	return &NoopNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *NoopNotifier) Notify(_ context.Context, event transition.Event) error {
	if len(event.Changes) == 0 {
		return nil
	}
	n.logger.Debug().
		Str("host", hostName(event)).
		Uint64("seq", event.Seq).
		Int("changes", len(event.Changes)).
		Msg("no notification destination; event dropped")
	return nil
}
