package notify

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/nholik/host-sentinel/internal/transition"
)

// DryRunNotifier logs what would be sent and never calls the wrapped
// notifier. It reports success so alert state advances as in a real run.
type DryRunNotifier struct {
	logger     zerolog.Logger
	inner      Notifier
	suppressed atomic.Uint64
}

func NewDryRunNotifier(logger zerolog.Logger, inner Notifier) *DryRunNotifier {
	return &DryRunNotifier{logger: logger, inner: inner}
}

// Suppressed returns how many events were withheld.
func (n *DryRunNotifier) Suppressed() uint64 {
	return n.suppressed.Load()
}

// Notify implements Notifier.
func (n *DryRunNotifier) Notify(_ context.Context, event transition.Event) error {
	if len(event.Changes) == 0 {
		return nil
	}
	n.suppressed.Add(1)

	host := hostName(event)
	for _, change := range event.Changes {
		n.logger.Info().
			Str("host", host).
			Str("run_id", event.RunID).
			Uint64("seq", event.Seq).
			Str("component", change.Component).
			Str("previous_status", change.PreviousStatus).
			Str("current_status", change.CurrentStatus).
			Bool("recovery", change.Recovery()).
			Strs("reasons", change.Reasons).
			Msg("[DRY-RUN] Would notify")
	}
	return nil
}
