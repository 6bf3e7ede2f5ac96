package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/nholik/host-sentinel/internal/transition"
)

// MultiNotifier delivers each event to several destinations at once, so a
// slow endpoint does not hold back the others.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier ignores nil entries.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Len returns how many destinations receive events.
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// Notify waits for every destination and joins their errors. The event
// counts as undelivered if any destination failed.
func (m *MultiNotifier) Notify(ctx context.Context, event transition.Event) error {
	switch len(m.notifiers) {
	case 0:
		return nil
	case 1:
		return m.notifiers[0].Notify(ctx, event)
	}

	errs := make([]error, len(m.notifiers))
	var wg sync.WaitGroup
	for i, n := range m.notifiers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = n.Notify(ctx, event)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
