// Package publish fans snapshots out to subscribers without ever blocking the
// scheduler.
package publish

import (
	"context"
	"iter"
	"sync"

	"github.com/nholik/host-sentinel/internal/snapshot"
)

// DefaultBuffer is the queue depth of a subscription created with a
// non-positive buffer.
const DefaultBuffer = 4

// DropObserver is told when a slow subscriber loses a queued snapshot.
type DropObserver interface {
	SnapshotDropped()
}

// Publisher delivers each snapshot to every subscriber. Publish never blocks:
// when a subscriber's queue is full the oldest queued snapshot is dropped.
type Publisher struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	latest   snapshot.Snapshot
	hasValue bool
	closed   bool
	observer DropObserver
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithDropObserver reports dropped snapshots, typically to metrics.
func WithDropObserver(observer DropObserver) Option {
	return func(p *Publisher) {
		p.observer = observer
	}
}

// New returns a publisher with no subscribers.
func New(opts ...Option) *Publisher {
	p := &Publisher{subs: make(map[*Subscription]struct{})}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscription is one consumer's bounded queue.
type Subscription struct {
	publisher *Publisher
	ch        chan snapshot.Snapshot
	once      sync.Once

	mu      sync.Mutex
	dropped uint64
}

// Subscribe registers a consumer. Subscribing to a closed publisher returns a
// subscription whose channel is already closed.
func (p *Publisher) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{publisher: p, ch: make(chan snapshot.Snapshot, buffer)}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	p.subs[sub] = struct{}{}
	return sub
}

// Publish delivers s to every subscriber and records it as the latest snapshot.
func (p *Publisher) Publish(s snapshot.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.latest = s.Clone()
	p.hasValue = true
	for sub := range p.subs {
		if sub.offer(s.Clone()) && p.observer != nil {
			p.observer.SnapshotDropped()
		}
	}
}

// Latest returns the most recently published snapshot.
func (p *Publisher) Latest() (snapshot.Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasValue {
		return snapshot.Snapshot{}, false
	}
	return p.latest.Clone(), true
}

// Close ends every subscription. Later publishes are ignored.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for sub := range p.subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	clear(p.subs)
}

// offer enqueues s, evicting the oldest queued snapshot when full. It reports
// whether a snapshot was dropped. Callers hold the publisher lock, so offers to
// one subscription never race each other.
func (s *Subscription) offer(snap snapshot.Snapshot) bool {
	select {
	case s.ch <- snap:
		return false
	default:
	}

	dropped := false
	select {
	case <-s.ch:
		dropped = true
	default:
	}
	select {
	case s.ch <- snap:
	default:
		// Unreachable while the publisher lock is held.
		dropped = true
	}
	if dropped {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
	return dropped
}

// C returns the receive channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan snapshot.Snapshot {
	return s.ch
}

// All yields snapshots until ctx ends, the subscription closes or the caller
// stops iterating.
func (s *Subscription) All(ctx context.Context) iter.Seq[snapshot.Snapshot] {
	return func(yield func(snapshot.Snapshot) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-s.ch:
				if !ok || !yield(snap) {
					return
				}
			}
		}
	}
}

// Dropped returns how many snapshots this subscriber lost to a full queue.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() {
	p := s.publisher
	p.mu.Lock()
	delete(p.subs, s)
	p.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}
