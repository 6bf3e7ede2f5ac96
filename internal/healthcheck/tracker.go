package healthcheck

import (
	"sync/atomic"
	"time"
)

// Report describes the most recent completed tick.
type Report struct {
	LastTickTime     *time.Time `json:"last_tick_time"`
	TickDurationMS   int64      `json:"tick_duration_ms"`
	Seq              uint64     `json:"seq"`
	DomainsAvailable int        `json:"domains_available"`
	DomainsTotal     int        `json:"domains_total"`
}

type tick struct {
	at        time.Time
	duration  time.Duration
	seq       uint64
	available int
	total     int
}

// Tracker records collector progress for the health endpoints. A nil
// Tracker reports not ready and unhealthy.
type Tracker struct {
	last atomic.Pointer[tick]
	now  func() time.Time
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerClock overrides the time source used to stamp ticks.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordTick stores the outcome of a published tick.
func (t *Tracker) RecordTick(seq uint64, duration time.Duration, domainsAvailable, domainsTotal int) {
	if t == nil {
		return
	}
	t.last.Store(&tick{
		at:        t.now().UTC(),
		duration:  duration,
		seq:       seq,
		available: domainsAvailable,
		total:     domainsTotal,
	})
}

// Report returns the last recorded tick, or a zero Report before the first.
func (t *Tracker) Report() Report {
	if t == nil {
		return Report{}
	}
	last := t.last.Load()
	if last == nil {
		return Report{}
	}
	at := last.at
	return Report{
		LastTickTime:     &at,
		TickDurationMS:   last.duration.Milliseconds(),
		Seq:              last.seq,
		DomainsAvailable: last.available,
		DomainsTotal:     last.total,
	}
}

// Ready reports whether a snapshot has been published.
func (t *Tracker) Ready() bool {
	return t != nil && t.last.Load() != nil
}

// Healthy reports whether the last tick finished within two refresh
// intervals of now.
func (t *Tracker) Healthy(now time.Time, refreshRate time.Duration) bool {
	if t == nil || refreshRate <= 0 {
		return false
	}
	last := t.last.Load()
	if last == nil {
		return false
	}
	return now.Sub(last.at) <= 2*refreshRate
}
