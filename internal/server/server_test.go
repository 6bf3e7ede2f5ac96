package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/host-sentinel/internal/healthcheck"
	"github.com/nholik/host-sentinel/internal/metrics"
	"github.com/nholik/host-sentinel/internal/publish"
	"github.com/nholik/host-sentinel/internal/snapshot"
)

func newTestRoutes(t *testing.T) (Routes, *publish.Publisher) {
	t.Helper()
	pub := publish.New()
	t.Cleanup(pub.Close)
	return Routes{
		RefreshRate: time.Second,
		Tracker:     healthcheck.NewTracker(),
		Metrics:     metrics.New(),
		Snapshots:   pub,
	}, pub
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestSnapshotRoutesBeforeFirstTick(t *testing.T) {
	routes, _ := newTestRoutes(t)
	mux := NewMux(routes)

	for _, path := range []string{"/snapshot", "/snapshot.csv", "/readyz"} {
		if rec := get(t, mux, path); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", path, rec.Code)
		}
	}
}

func TestSnapshotRoutesServeLatest(t *testing.T) {
	routes, pub := newTestRoutes(t)
	mux := NewMux(routes)

	snap := snapshot.New(3, "run-1", time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))
	snap.CPU.TotalPct = snapshot.Available(12.5)
	pub.Publish(snap)

	rec := get(t, mux, "/snapshot")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	cpu := payload["cpu"].(map[string]any)
	if cpu["total_pct"] != 12.5 {
		t.Fatalf("expected total_pct 12.5, got %v", cpu["total_pct"])
	}
	if cpu["temp_c"] != nil {
		t.Fatalf("expected unavailable temperature as null, got %v", cpu["temp_c"])
	}

	rec = get(t, mux, "/snapshot.csv")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[1], "2026-02-01T08:00:00Z,12.50,") {
		t.Fatalf("unexpected csv body %q", rec.Body.String())
	}
}

func TestMetricsRoute(t *testing.T) {
	routes, _ := newTestRoutes(t)
	routes.Metrics.IncNotificationErrors()

	rec := get(t, NewMux(routes), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "host_sentinel_notification_errors_total 1") {
		t.Fatalf("expected counter in metrics output")
	}
}

func TestSnapshotRoutesAbsentWithoutSource(t *testing.T) {
	mux := NewMux(Routes{RefreshRate: time.Second})
	if rec := get(t, mux, "/snapshot"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a snapshot source, got %d", rec.Code)
	}
}

func TestPlanListeners(t *testing.T) {
	routes, _ := newTestRoutes(t)
	cases := []struct {
		name          string
		health, metr  int
		wantLabels    []string
		withoutMetric bool
	}{
		{name: "shared port", health: 8080, metr: 8080, wantLabels: []string{"health/metrics"}},
		{name: "separate ports", health: 8080, metr: 9090, wantLabels: []string{"health", "metrics"}},
		{name: "metrics only", health: 0, metr: 9090, wantLabels: []string{"metrics"}},
		{name: "disabled", health: 0, metr: 0},
		{name: "no metrics collector", health: 8080, metr: 9090, wantLabels: []string{"health"}, withoutMetric: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := routes
			if tc.withoutMetric {
				r.Metrics = nil
			}
			got := plan(r, tc.health, tc.metr)
			if len(got) != len(tc.wantLabels) {
				t.Fatalf("expected %d listeners, got %d", len(tc.wantLabels), len(got))
			}
			for i, l := range got {
				if l.label != tc.wantLabels[i] {
					t.Fatalf("listener %d: expected %q, got %q", i, tc.wantLabels[i], l.label)
				}
			}
		})
	}
}

func TestSeparateHealthListenerHasNoMetrics(t *testing.T) {
	routes, _ := newTestRoutes(t)
	listeners := plan(routes, 8080, 9090)
	if rec := get(t, listeners[0].handler, "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected metrics absent from health listener, got %d", rec.Code)
	}
	if rec := get(t, listeners[1].handler, "/healthz"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected health absent from metrics listener, got %d", rec.Code)
	}
}

func TestRunWithoutListenersReturns(t *testing.T) {
	srv := New(zerolog.Nop(), Routes{}, 0, 0)
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	routes, _ := newTestRoutes(t)
	srv := New(zerolog.Nop(), routes, freePort(t), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestRunReportsBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	routes, _ := newTestRoutes(t)
	err = New(zerolog.Nop(), routes, port, 0).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "health server") {
		t.Fatalf("expected bind error, got %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}
