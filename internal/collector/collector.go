// Package collector schedules the domain probes and assembles their results
// into one snapshot per tick.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/host-sentinel/internal/healthcheck"
	"github.com/nholik/host-sentinel/internal/metrics"
	"github.com/nholik/host-sentinel/internal/snapshot"
)

// probeMargin is how much earlier than the tick deadline probes are told to stop.
const probeMargin = 50 * time.Millisecond

// Probe gathers one telemetry domain.
type Probe interface {
	Domain() snapshot.Domain
	Collect(ctx context.Context) (snapshot.Section, snapshot.Status)
}

// Annotator adds derived fields, such as the health score, to a snapshot.
type Annotator interface {
	Annotate(s *snapshot.Snapshot)
}

// Sink receives every assembled snapshot. It must not block.
type Sink interface {
	Publish(s snapshot.Snapshot)
}

// Ticker is the minimal interface needed for driving the collection loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// State is the scheduler's position in the tick cycle.
type State int32

const (
	StateIdle State = iota
	StateTicking
	StateAggregating
	StatePublished
)

func (s State) String() string {
	switch s {
	case StateTicking:
		return "ticking"
	case StateAggregating:
		return "aggregating"
	case StatePublished:
		return "published"
	default:
		return "idle"
	}
}

// Collector runs every probe once per tick and publishes the merged snapshot.
type Collector struct {
	logger        zerolog.Logger
	refreshRate   time.Duration
	tickDeadline  time.Duration
	tickerFactory func(time.Duration) Ticker
	probes        []Probe
	inFlight      []atomic.Bool
	annotator     Annotator
	sink          Sink
	metrics       *metrics.Metrics
	tracker       *healthcheck.Tracker
	runID         string
	now           func() time.Time

	seq   atomic.Uint64
	state atomic.Int32
}

// Option customizes collector behavior.
type Option func(*Collector)

// WithTickerFactory overrides how tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(c *Collector) {
		c.tickerFactory = factory
	}
}

// WithTickDeadline bounds how long a tick waits for its probes.
func WithTickDeadline(deadline time.Duration) Option {
	return func(c *Collector) {
		c.tickDeadline = deadline
	}
}

// WithAnnotator sets the scorer applied after aggregation.
func WithAnnotator(annotator Annotator) Option {
	return func(c *Collector) {
		c.annotator = annotator
	}
}

// WithSink sets where assembled snapshots are delivered.
func WithSink(sink Sink) Option {
	return func(c *Collector) {
		c.sink = sink
	}
}

// WithMetrics records tick and stage metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Collector) {
		c.metrics = m
	}
}

// WithTracker records tick completion for the health endpoints.
func WithTracker(tracker *healthcheck.Tracker) Option {
	return func(c *Collector) {
		c.tracker = tracker
	}
}

// WithRunID stamps every snapshot with the given run identifier.
func WithRunID(id string) Option {
	return func(c *Collector) {
		c.runID = id
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		c.now = now
	}
}

// New constructs a Collector for the given probes.
func New(logger zerolog.Logger, refreshRate time.Duration, probes []Probe, opts ...Option) *Collector {
	c := &Collector{
		logger:      logger,
		refreshRate: refreshRate,
		probes:      probes,
		inFlight:    make([]atomic.Bool, len(probes)),
		now:         time.Now,
		tickerFactory: func(d time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tickDeadline <= 0 {
		c.tickDeadline = refreshRate * 9 / 10
	}
	return c
}

// State reports where the scheduler is in the tick cycle.
func (c *Collector) State() State {
	return State(c.state.Load())
}

// Run ticks immediately and then on every refresh interval until ctx ends.
func (c *Collector) Run(ctx context.Context) error {
	if c.refreshRate <= 0 {
		return errors.New("refresh rate must be greater than zero")
	}
	if len(c.probes) == 0 {
		return errors.New("no probes configured")
	}

	c.Tick(ctx)

	ticker := c.tickerFactory(c.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("collector stopped")
			return nil
		case <-ticker.C():
			c.Tick(ctx)
		}
	}
}

type domainResult struct {
	index   int
	section snapshot.Section
	status  snapshot.Status
}

// Tick runs one collection cycle and returns the published snapshot. It never
// fails: domains that miss the deadline are marked timeout and domains still
// busy from an earlier tick are marked skipped.
func (c *Collector) Tick(ctx context.Context) snapshot.Snapshot {
	start := c.now()
	c.state.Store(int32(StateTicking))
	snap := snapshot.New(c.seq.Add(1), c.runID, start.UTC())

	tickCtx, cancelTick := context.WithTimeout(ctx, c.tickDeadline)
	defer cancelTick()
	probeCtx, cancelProbes := context.WithTimeout(ctx, c.probeBudget())
	defer cancelProbes()

	// Tick-local: late results land here and are never read by a later tick.
	results := make(chan domainResult, len(c.probes))
	pending := make(map[int]struct{}, len(c.probes))

	for i, p := range c.probes {
		if !c.inFlight[i].CompareAndSwap(false, true) {
			snap.ProbeStatus[p.Domain()] = snapshot.SkippedStatus("previous collection still running")
			continue
		}
		pending[i] = struct{}{}
		go func() {
			defer c.inFlight[i].Store(false)
			section, status := collectSafely(probeCtx, p)
			results <- domainResult{index: i, section: section, status: status}
		}()
	}

gather:
	for len(pending) > 0 {
		select {
		case r := <-results:
			delete(pending, r.index)
			snap.Apply(r.section)
			snap.ProbeStatus[c.probes[r.index].Domain()] = r.status
		case <-tickCtx.Done():
			for i := range pending {
				snap.ProbeStatus[c.probes[i].Domain()] = snapshot.TimeoutStatus(fmt.Sprintf("no result within %s", c.tickDeadline))
			}
			break gather
		}
	}

	c.state.Store(int32(StateAggregating))
	if c.annotator != nil {
		c.annotator.Annotate(&snap)
	}
	duration := c.now().Sub(start)
	c.record(snap, duration)

	c.state.Store(int32(StatePublished))
	if c.sink != nil {
		c.sink.Publish(snap)
	}
	c.state.Store(int32(StateIdle))
	return snap
}

func (c *Collector) probeBudget() time.Duration {
	if c.tickDeadline > 2*probeMargin {
		return c.tickDeadline - probeMargin
	}
	return c.tickDeadline
}

// collectSafely turns a probe panic into an unavailable domain.
func collectSafely(ctx context.Context, p Probe) (section snapshot.Section, status snapshot.Status) {
	defer func() {
		if r := recover(); r != nil {
			section = nil
			status = snapshot.Status{
				State:      snapshot.StateUnavailable,
				StageIndex: -1,
				Reason:     fmt.Sprintf("probe panicked: %v", r),
			}
		}
	}()
	return p.Collect(ctx)
}

func (c *Collector) record(snap snapshot.Snapshot, duration time.Duration) {
	available := 0
	for _, domain := range snapshot.Domains {
		status, ok := snap.ProbeStatus[domain]
		if !ok {
			continue
		}
		if status.Available() {
			available++
		}
		c.metrics.SetDomainState(domain, status.State)
		for _, attempt := range status.Attempts {
			c.metrics.RecordAttempt(attempt)
			if attempt.Failed() && !attempt.Skipped {
				c.logger.Debug().
					Str("chain", attempt.Chain).
					Str("stage", attempt.Stage).
					Str("kind", string(attempt.Kind)).
					Str("error", attempt.Error).
					Dur("elapsed", attempt.Elapsed).
					Msg("probe stage failed")
			}
		}
		if !status.Available() || status.Degraded {
			c.logger.Warn().
				Str("domain", string(domain)).
				Str("state", string(status.State)).
				Str("reason", status.Reason).
				Uint64("seq", snap.Seq).
				Msg("domain not fully available")
		}
	}

	c.metrics.ObserveTickDuration(duration)
	c.metrics.SetHealth(snap.Health)
	c.metrics.SetLastTickTimestamp(snap.Timestamp)
	c.tracker.RecordTick(snap.Seq, duration, available, len(c.probes))

	event := c.logger.Debug().
		Uint64("seq", snap.Seq).
		Dur("duration", duration).
		Int("domains_available", available).
		Str("level", string(snap.Health.Level))
	if score, ok := snap.Health.Score.Get(); ok {
		event = event.Int("score", score)
	}
	event.Msg("tick complete")
}
