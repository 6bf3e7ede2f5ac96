package notify

import (
	"context"

	"github.com/nholik/host-sentinel/internal/transition"
)

// Notifier delivers health transition alerts to external systems.
type Notifier interface {
	Notify(ctx context.Context, event transition.Event) error
}

func hostName(event transition.Event) string {
	if event.Host == "" {
		return "localhost"
	}
	return event.Host
}
