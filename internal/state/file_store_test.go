package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFileStore_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "state.json")
	store := NewFileStore(path, zerolog.Nop())

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	score := 42
	state := State{
		Hosts: map[string]HostSnapshot{
			"web-01": {
				RunID:       "run-a",
				Seq:         12,
				Score:       &score,
				EvaluatedAt: now,
				Components: map[string]ComponentSnapshot{
					"health": {
						Status:             "DEGRADED",
						LastNotifiedStatus: "DEGRADED",
						Reasons:            []string{"cpu 91% (critical)"},
					},
					"network": {Status: "AVAILABLE"},
				},
			},
			"db-01": {
				RunID:       "run-b",
				EvaluatedAt: now.Add(time.Minute),
				Components: map[string]ComponentSnapshot{
					"health": {Status: "OK"},
				},
			},
		},
	}

	if err := store.Save(context.Background(), state); err != nil {
		t.Fatalf("save state: %v", err)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}

	if len(loaded.Hosts) != len(state.Hosts) {
		t.Fatalf("expected %d hosts, got %d", len(state.Hosts), len(loaded.Hosts))
	}

	web := loaded.Hosts["web-01"]
	if web.RunID != "run-a" || web.Seq != 12 {
		t.Fatalf("unexpected web identity: %+v", web)
	}
	if web.Score == nil || *web.Score != 42 {
		t.Fatalf("unexpected web score: %v", web.Score)
	}
	if web.EvaluatedAt.IsZero() {
		t.Fatalf("expected evaluated time to be set")
	}
	if got := web.Components["health"]; got.Status != "DEGRADED" || got.LastNotifiedStatus != "DEGRADED" || len(got.Reasons) != 1 {
		t.Fatalf("unexpected health component: %+v", got)
	}
	if loaded.Hosts["db-01"].Score != nil {
		t.Fatalf("expected nil score for db-01")
	}
}

func TestFileStore_MissingFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "missing.json")
	store := NewFileStore(path, zerolog.Nop())

	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}

	if len(state.Hosts) != 0 || state.Hosts == nil {
		t.Fatalf("expected empty non-nil state, got %v", state.Hosts)
	}
}

func TestFileStore_CorruptFileIsMovedAside(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "state.json")
	store := NewFileStore(path, zerolog.Nop())
	store.now = func() time.Time { return time.Unix(1700000000, 0) }

	if err := os.WriteFile(path, []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if len(state.Hosts) != 0 {
		t.Fatalf("expected empty state, got %v", state.Hosts)
	}

	aside, err := os.ReadFile(path + ".corrupt-1700000000")
	if err != nil {
		t.Fatalf("expected corrupt file to be kept: %v", err)
	}
	if string(aside) != "{not-json" {
		t.Fatalf("unexpected quarantined content %q", aside)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected original path to be free, got %v", err)
	}
}

func TestFileStore_OtherVersionStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFileStore(path, zerolog.Nop())

	payload := `{"version": 99, "hosts": {"web-01": {"run_id": "old", "components": {}}}}`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write state: %v", err)
	}

	state, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if len(state.Hosts) != 0 {
		t.Fatalf("expected state from another version to be ignored, got %v", state.Hosts)
	}
}

func TestFileStore_WritesVersionedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFileStore(path, zerolog.Nop())
	store.now = func() time.Time { return time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC) }

	if err := store.Save(context.Background(), State{}); err != nil {
		t.Fatalf("save state: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if raw["version"] != float64(fileVersion) || raw["saved_at"] != "2026-05-06T07:08:09Z" {
		t.Fatalf("unexpected envelope %v", raw)
	}
	if _, ok := raw["hosts"].(map[string]any); !ok {
		t.Fatalf("expected hosts object, got %v", raw["hosts"])
	}
}

func TestFileStore_CreatesNestedDirAndLeavesNoTempFiles(t *testing.T) {
	tmpDir := t.TempDir()
	dir := filepath.Join(tmpDir, "nested")
	store := NewFileStore(filepath.Join(dir, "state.json"), zerolog.Nop())

	if err := store.Save(context.Background(), State{}); err != nil {
		t.Fatalf("save state: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		t.Fatalf("expected only state.json, got %v", entries)
	}
}

func TestFileStore_CanceledContext(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Save(ctx, State{}); err == nil {
		t.Fatalf("expected save to fail on canceled context")
	}
	if _, err := store.Load(ctx); err == nil {
		t.Fatalf("expected load to fail on canceled context")
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	loaded, err := store.Load(ctx)
	if err != nil || loaded.Hosts == nil || len(loaded.Hosts) != 0 {
		t.Fatalf("expected empty state, got %+v err=%v", loaded, err)
	}

	if err := store.Save(ctx, State{Hosts: map[string]HostSnapshot{"h": {Seq: 3}}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Hosts["h"].Seq != 3 {
		t.Fatalf("unexpected state: %+v", loaded)
	}

	loaded.Hosts["other"] = HostSnapshot{}
	again, _ := store.Load(ctx)
	if _, ok := again.Hosts["other"]; ok {
		t.Fatalf("callers must not mutate the stored state")
	}
}

func TestHostSnapshot_CarryForward(t *testing.T) {
	prev := &HostSnapshot{Components: map[string]ComponentSnapshot{
		"health":  {Status: "OK"},
		"storage": {Status: "UNAVAILABLE", LastNotifiedStatus: "UNAVAILABLE"},
	}}
	current := HostSnapshot{Components: map[string]ComponentSnapshot{
		"health": {Status: "CRITICAL"},
	}}

	current.CarryForward(prev)

	if current.Components["health"].Status != "CRITICAL" {
		t.Fatalf("current components must win, got %+v", current.Components["health"])
	}
	if current.Components["storage"].LastNotifiedStatus != "UNAVAILABLE" {
		t.Fatalf("expected storage carried forward, got %+v", current.Components["storage"])
	}

	var empty HostSnapshot
	empty.CarryForward(nil)
	if empty.Components != nil {
		t.Fatalf("nil previous must be a no-op")
	}
}
