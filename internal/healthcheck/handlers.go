package healthcheck

import (
	"encoding/json"
	"net/http"
	"time"
)

const (
	StatusStarting = "starting"
	StatusOK       = "ok"
	StatusStale    = "stale"
)

// Response is the body of /healthz and /readyz.
type Response struct {
	Status string `json:"status"`
	// AgeMS is how long ago the last tick finished, -1 before the first tick.
	AgeMS int64 `json:"age_ms"`
	Report
}

// HealthHandler answers 200 while ticks keep landing within twice the
// refresh rate.
func HealthHandler(tracker *Tracker, refreshRate time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		now := time.Now().UTC()
		resp := describe(tracker, now, refreshRate)
		code := http.StatusServiceUnavailable
		if tracker.Healthy(now, refreshRate) {
			code = http.StatusOK
		}
		writeJSON(w, code, resp)
	}
}

// ReadyHandler answers 200 once the first snapshot has been published.
func ReadyHandler(tracker *Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := describe(tracker, time.Now().UTC(), 0)
		code := http.StatusServiceUnavailable
		if tracker.Ready() {
			code = http.StatusOK
		}
		writeJSON(w, code, resp)
	}
}

func describe(tracker *Tracker, now time.Time, refreshRate time.Duration) Response {
	report := tracker.Report()
	resp := Response{Status: StatusStarting, AgeMS: -1, Report: report}
	if report.LastTickTime == nil {
		return resp
	}
	resp.AgeMS = now.Sub(*report.LastTickTime).Milliseconds()
	resp.Status = StatusOK
	if refreshRate > 0 && !tracker.Healthy(now, refreshRate) {
		resp.Status = StatusStale
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
