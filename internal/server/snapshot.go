package server

import (
	"encoding/json"
	"net/http"

	"github.com/nholik/host-sentinel/internal/export"
	"github.com/nholik/host-sentinel/internal/snapshot"
)

// SnapshotSource returns the most recent snapshot, if any.
type SnapshotSource interface {
	Latest() (snapshot.Snapshot, bool)
}

// SnapshotJSONHandler serves the latest snapshot as JSON. Unavailable values
// are null.
func SnapshotJSONHandler(source SnapshotSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap, ok := source.Latest()
		if !ok {
			http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(snap)
	}
}

// SnapshotCSVHandler serves the latest snapshot as a header and one CSV row.
func SnapshotCSVHandler(source SnapshotSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		snap, ok := source.Latest()
		if !ok {
			http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = export.Render(w, snap)
	}
}
