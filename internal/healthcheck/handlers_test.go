package healthcheck

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serve(t *testing.T, handler http.HandlerFunc, path string) (int, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rec.Code, resp
}

func TestHealthHandler(t *testing.T) {
	cases := []struct {
		name       string
		setup      func(*Tracker)
		wantCode   int
		wantStatus string
	}{
		{
			name:       "before first tick",
			setup:      func(*Tracker) {},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusStarting,
		},
		{
			name: "fresh tick",
			setup: func(tr *Tracker) {
				tr.RecordTick(4, 150*time.Millisecond, 4, 5)
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
		},
		{
			name: "stale tick",
			setup: func(tr *Tracker) {
				tr.now = func() time.Time { return time.Now().Add(-10 * time.Second) }
				tr.RecordTick(1, 10*time.Millisecond, 5, 5)
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusStale,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tracker := NewTracker()
			tc.setup(tracker)

			code, resp := serve(t, HealthHandler(tracker, time.Second), "/healthz")
			if code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, code)
			}
			if resp.Status != tc.wantStatus {
				t.Fatalf("expected status %q, got %q", tc.wantStatus, resp.Status)
			}
		})
	}
}

func TestHealthHandlerReportsTick(t *testing.T) {
	tracker := NewTracker()
	tracker.RecordTick(4, 150*time.Millisecond, 4, 5)

	_, resp := serve(t, HealthHandler(tracker, time.Second), "/healthz")
	if resp.LastTickTime == nil || resp.AgeMS < 0 {
		t.Fatalf("expected last tick and age, got %+v", resp)
	}
	if resp.DomainsAvailable != 4 || resp.DomainsTotal != 5 {
		t.Fatalf("expected 4/5 domains, got %d/%d", resp.DomainsAvailable, resp.DomainsTotal)
	}
	if resp.TickDurationMS != 150 || resp.Seq != 4 {
		t.Fatalf("unexpected tick details %+v", resp.Report)
	}
}

func TestReadyHandler(t *testing.T) {
	tracker := NewTracker()
	handler := ReadyHandler(tracker)

	if code, resp := serve(t, handler, "/readyz"); code != http.StatusServiceUnavailable || resp.AgeMS != -1 {
		t.Fatalf("expected 503 before ready, got %d %+v", code, resp)
	}

	tracker.RecordTick(1, 5*time.Millisecond, 5, 5)
	if code, resp := serve(t, handler, "/readyz"); code != http.StatusOK || resp.Status != StatusOK {
		t.Fatalf("expected 200 after ready, got %d %+v", code, resp)
	}
}

func TestNilTrackerIsUnavailable(t *testing.T) {
	code, resp := serve(t, HealthHandler(nil, time.Second), "/healthz")
	if code != http.StatusServiceUnavailable || resp.Status != StatusStarting {
		t.Fatalf("expected 503 starting for nil tracker, got %d %q", code, resp.Status)
	}
}

func TestTrackerHealthyWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker := NewTracker(WithTrackerClock(func() time.Time { return base }))
	if tracker.Healthy(base, time.Second) {
		t.Fatalf("expected unhealthy before the first tick")
	}
	tracker.RecordTick(1, time.Millisecond, 5, 5)

	if !tracker.Healthy(base.Add(2*time.Second), time.Second) {
		t.Fatalf("expected healthy at exactly two intervals")
	}
	if tracker.Healthy(base.Add(2*time.Second+time.Millisecond), time.Second) {
		t.Fatalf("expected unhealthy past two intervals")
	}
	if tracker.Healthy(base, 0) {
		t.Fatalf("expected unhealthy without a refresh rate")
	}
}
