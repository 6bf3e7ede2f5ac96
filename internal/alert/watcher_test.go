package alert

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/nholik/host-sentinel/internal/metrics"
	"github.com/nholik/host-sentinel/internal/publish"
	"github.com/nholik/host-sentinel/internal/snapshot"
	"github.com/nholik/host-sentinel/internal/state"
	"github.com/nholik/host-sentinel/internal/transition"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []transition.Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, event transition.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func (n *recordingNotifier) last() transition.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

func levelSnapshot(seq uint64, level snapshot.Level, score int) snapshot.Snapshot {
	s := snapshot.New(seq, "run-1", time.Date(2026, 1, 1, 0, 0, int(seq), 0, time.UTC))
	s.Health.Level = level
	s.Health.Score = snapshot.Available(score)
	s.ProbeStatus[snapshot.DomainCPU] = snapshot.Status{State: snapshot.StateOK}
	return s
}

func TestWatcher_NotifiesOnlyOnChange(t *testing.T) {
	notifier := &recordingNotifier{}
	m := metrics.New()
	w := New(zerolog.Nop(), "web-01", state.NewMemoryStore(), notifier, WithMetrics(m))
	ctx := context.Background()

	steps := []struct {
		level     snapshot.Level
		score     int
		wantCalls int
	}{
		{snapshot.LevelOK, 90, 0},
		{snapshot.LevelOK, 88, 0},
		{snapshot.LevelCritical, 30, 1},
		{snapshot.LevelCritical, 25, 1},
		{snapshot.LevelOK, 80, 2},
	}
	for i, step := range steps {
		if err := w.Handle(ctx, levelSnapshot(uint64(i+1), step.level, step.score)); err != nil {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}
		if got := notifier.count(); got != step.wantCalls {
			t.Fatalf("step %d: expected %d notifications, got %d", i, step.wantCalls, got)
		}
	}

	last := notifier.last()
	if last.Host != "web-01" || last.RunID != "run-1" || last.Seq != 5 {
		t.Fatalf("unexpected event identity: %+v", last)
	}
	if len(last.Changes) != 1 || last.Changes[0].PreviousStatus != "CRITICAL" || last.Changes[0].CurrentStatus != "OK" {
		t.Fatalf("unexpected recovery change: %+v", last.Changes)
	}
	if last.Score == nil || *last.Score != 80 {
		t.Fatalf("expected score 80, got %v", last.Score)
	}
	expected := `
# HELP host_sentinel_alerts_total Total alerts emitted by health level.
# TYPE host_sentinel_alerts_total counter
host_sentinel_alerts_total{level="CRITICAL"} 1
host_sentinel_alerts_total{level="OK"} 1
`
	if err := testutil.GatherAndCompare(m.Gatherer(), strings.NewReader(expected), "host_sentinel_alerts_total"); err != nil {
		t.Fatalf("unexpected alert metrics: %v", err)
	}
}

func TestWatcher_FailedNotificationIsRetried(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("slack down")}
	m := metrics.New()
	w := New(zerolog.Nop(), "web-01", state.NewMemoryStore(), notifier, WithMetrics(m))
	ctx := context.Background()

	if err := w.Handle(ctx, levelSnapshot(1, snapshot.LevelDegraded, 50)); err == nil {
		t.Fatalf("expected notification error")
	}
	expected := `
# HELP host_sentinel_notification_errors_total Total notification delivery failures after retries.
# TYPE host_sentinel_notification_errors_total counter
host_sentinel_notification_errors_total 1
`
	if err := testutil.GatherAndCompare(m.Gatherer(), strings.NewReader(expected), "host_sentinel_notification_errors_total"); err != nil {
		t.Fatalf("unexpected notification error metrics: %v", err)
	}

	notifier.mu.Lock()
	notifier.err = nil
	notifier.mu.Unlock()

	if err := w.Handle(ctx, levelSnapshot(2, snapshot.LevelDegraded, 52)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifier.count() != 2 {
		t.Fatalf("expected the undelivered change to be retried, got %d calls", notifier.count())
	}
	if err := w.Handle(ctx, levelSnapshot(3, snapshot.LevelDegraded, 51)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifier.count() != 2 {
		t.Fatalf("expected no further notification once delivered, got %d", notifier.count())
	}
}

func TestWatcher_RecoveryAlertsCanBeSuppressed(t *testing.T) {
	notifier := &recordingNotifier{}
	w := New(zerolog.Nop(), "web-01", nil, notifier, WithRecoveryAlerts(false))
	ctx := context.Background()

	_ = w.Handle(ctx, levelSnapshot(1, snapshot.LevelCritical, 20))
	_ = w.Handle(ctx, levelSnapshot(2, snapshot.LevelOK, 90))
	_ = w.Handle(ctx, levelSnapshot(3, snapshot.LevelOK, 91))

	if notifier.count() != 1 {
		t.Fatalf("expected only the critical alert, got %d", notifier.count())
	}
}

func TestWatcher_TimedOutDomainKeepsItsStatus(t *testing.T) {
	notifier := &recordingNotifier{}
	store := state.NewMemoryStore()
	w := New(zerolog.Nop(), "web-01", store, notifier)
	ctx := context.Background()

	down := levelSnapshot(1, snapshot.LevelOK, 90)
	down.ProbeStatus[snapshot.DomainStorage] = snapshot.Status{State: snapshot.StateUnavailable, Reason: "all stages failed"}
	if err := w.Handle(ctx, down); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	late := levelSnapshot(2, snapshot.LevelOK, 90)
	late.ProbeStatus[snapshot.DomainStorage] = snapshot.Status{State: snapshot.StateTimeout}
	if err := w.Handle(ctx, late); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifier.count() != 1 {
		t.Fatalf("a timeout must not count as recovery, got %d notifications", notifier.count())
	}

	loaded, _ := store.Load(ctx)
	if got := loaded.Hosts["web-01"].Components["storage"].Status; got != transition.StatusUnavailable {
		t.Fatalf("expected storage carried forward as unavailable, got %q", got)
	}
}

func TestWatcher_PersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	first := &recordingNotifier{}
	w := New(zerolog.Nop(), "web-01", state.NewFileStore(path, zerolog.Nop()), first)
	if err := w.Handle(ctx, levelSnapshot(1, snapshot.LevelCritical, 20)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := &recordingNotifier{}
	restarted := New(zerolog.Nop(), "web-01", state.NewFileStore(path, zerolog.Nop()), second)
	if err := restarted.Handle(ctx, levelSnapshot(1, snapshot.LevelCritical, 22)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.count() != 0 {
		t.Fatalf("expected no re-announcement after restart, got %d", second.count())
	}
}

func TestWatcher_RunDrainsSubscription(t *testing.T) {
	notifier := &recordingNotifier{}
	w := New(zerolog.Nop(), "web-01", nil, notifier)
	pub := publish.New()
	sub := pub.Subscribe(4)

	done := make(chan int)
	go func() {
		done <- w.Run(context.Background(), sub)
	}()

	pub.Publish(levelSnapshot(1, snapshot.LevelCritical, 10))
	pub.Close()

	select {
	case failures := <-done:
		if failures != 0 {
			t.Fatalf("expected no failures, got %d", failures)
		}
	case <-time.After(time.Second):
		t.Fatalf("watcher did not stop after publisher close")
	}
	if notifier.count() != 1 {
		t.Fatalf("expected one notification, got %d", notifier.count())
	}
}
