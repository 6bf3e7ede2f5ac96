// Package alert turns published snapshots into health transition notifications.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/host-sentinel/internal/metrics"
	"github.com/nholik/host-sentinel/internal/notify"
	"github.com/nholik/host-sentinel/internal/publish"
	"github.com/nholik/host-sentinel/internal/snapshot"
	"github.com/nholik/host-sentinel/internal/state"
	"github.com/nholik/host-sentinel/internal/transition"
)

// Watcher compares each snapshot with the persisted state of its host and
// notifies on level and availability changes.
type Watcher struct {
	logger          zerolog.Logger
	host            string
	store           state.Store
	notifier        notify.Notifier
	metrics         *metrics.Metrics
	alertOnRecovery bool
	now             func() time.Time
}

// Option customizes watcher behavior.
type Option func(*Watcher)

// WithMetrics counts alerts and failed notifications.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Watcher) {
		w.metrics = m
	}
}

// WithRecoveryAlerts controls whether returns to OK are notified. They are by
// default; suppressed recoveries are still recorded as delivered.
func WithRecoveryAlerts(enabled bool) Option {
	return func(w *Watcher) {
		w.alertOnRecovery = enabled
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) {
		w.now = now
	}
}

// New returns a watcher for host. A nil store keeps state in memory and a nil
// notifier only logs.
func New(logger zerolog.Logger, host string, store state.Store, notifier notify.Notifier, opts ...Option) *Watcher {
	if store == nil {
		store = state.NewMemoryStore()
	}
	if notifier == nil {
		notifier = notify.NewNoop(logger, "")
	}
	w := &Watcher{
		logger:          logger.With().Str("host", host).Logger(),
		host:            host,
		store:           store,
		notifier:        notifier,
		alertOnRecovery: true,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run handles every snapshot from sub until ctx ends or the subscription
// closes. It returns the number of snapshots that failed.
func (w *Watcher) Run(ctx context.Context, sub *publish.Subscription) int {
	return publish.Drain(ctx, w.logger, sub, "alert", w.Handle)
}

// Handle processes one snapshot. Notification and persistence errors are both
// returned; a failed notification is retried on the next snapshot.
func (w *Watcher) Handle(ctx context.Context, s snapshot.Snapshot) error {
	loaded, err := w.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	var prev *state.HostSnapshot
	if existing, ok := loaded.Hosts[w.host]; ok {
		copySnapshot := existing
		prev = &copySnapshot
	}

	current := transition.Observe(s)
	changes := transition.Detect(prev, current)
	for _, change := range changes {
		w.logChange(change)
	}

	var notifyErr error
	outgoing := w.filter(changes)
	if len(outgoing) > 0 {
		event := transition.Event{
			Host:        w.host,
			RunID:       s.RunID,
			Seq:         s.Seq,
			Score:       current.Score,
			GeneratedAt: w.now().UTC(),
			Changes:     outgoing,
		}
		if err := w.notifier.Notify(ctx, event); err != nil {
			w.metrics.IncNotificationErrors()
			notifyErr = fmt.Errorf("notify %d change(s): %w", len(outgoing), err)
		} else {
			for _, change := range outgoing {
				w.metrics.IncAlertsTotal(change.CurrentStatus)
			}
		}
	}

	if notifyErr != nil {
		transition.KeepNotified(&current, prev)
	} else {
		transition.MarkNotified(&current)
	}
	current.CarryForward(prev)

	if loaded.Hosts == nil {
		loaded.Hosts = map[string]state.HostSnapshot{}
	}
	loaded.Hosts[w.host] = current
	var saveErr error
	if err := w.store.Save(ctx, loaded); err != nil {
		saveErr = fmt.Errorf("save state: %w", err)
	}
	return errors.Join(notifyErr, saveErr)
}

func (w *Watcher) filter(changes []transition.Change) []transition.Change {
	if w.alertOnRecovery {
		return changes
	}
	out := make([]transition.Change, 0, len(changes))
	for _, change := range changes {
		if !change.Recovery() {
			out = append(out, change)
		}
	}
	return out
}

func (w *Watcher) logChange(change transition.Change) {
	event := w.logger.Info()
	switch change.CurrentStatus {
	case string(snapshot.LevelCritical), transition.StatusUnavailable:
		event = w.logger.Error()
	case string(snapshot.LevelDegraded):
		event = w.logger.Warn()
	}
	event.
		Str("component", change.Component).
		Str("previous_status", change.PreviousStatus).
		Str("current_status", change.CurrentStatus).
		Strs("reasons", change.Reasons).
		Msg("health transition detected")
}
