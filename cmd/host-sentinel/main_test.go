package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nholik/host-sentinel/internal/config"
	"github.com/nholik/host-sentinel/internal/export"
	"github.com/nholik/host-sentinel/internal/notify"
	"github.com/nholik/host-sentinel/internal/publish"
	"github.com/nholik/host-sentinel/internal/snapshot"
	"github.com/nholik/host-sentinel/internal/state"
)

func testSnapshot() snapshot.Snapshot {
	snap := snapshot.New(1, "run-1", time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	snap.CPU.TotalPct = snapshot.Available(40.0)
	snap.CPU.PerCorePct = snapshot.Available([]float64{30, 50})
	return snap
}

func TestDisplayed_HidesPerCoreUnlessEnabled(t *testing.T) {
	snap := testSnapshot()

	hidden := displayed(snap, false)
	if hidden.CPU.PerCorePct.OK {
		t.Fatalf("expected per-core usage to be hidden")
	}
	if !snap.CPU.PerCorePct.OK {
		t.Fatalf("input snapshot must not be modified")
	}

	shown := displayed(snap, true)
	if got := shown.CPU.PerCorePct.Or(nil); len(got) != 2 {
		t.Fatalf("expected two cores, got %v", got)
	}
}

func TestWriteSnapshot(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSnapshot(&buf, formatJSON, testSnapshot()); err != nil {
		t.Fatalf("write json: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if payload["run_id"] != "run-1" {
		t.Fatalf("unexpected run_id %v", payload["run_id"])
	}

	buf.Reset()
	if err := writeSnapshot(&buf, formatCSV, displayed(testSnapshot(), false)); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and row, got %q", buf.String())
	}
	if strings.Contains(lines[0], "per_core_pct") {
		t.Fatalf("hidden per-core usage must not add columns: %s", lines[0])
	}
}

func TestOpenCSV_HeaderOnlyForEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")

	file, header, err := openCSV(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !header {
		t.Fatalf("expected header for new file")
	}
	if _, err := file.WriteString("timestamp\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = file.Close()

	file, header, err = openCSV(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = file.Close()
	if header {
		t.Fatalf("expected no header when appending")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "timestamp\n" {
		t.Fatalf("existing content was not preserved: %q", data)
	}
}

func TestBuildNotifier(t *testing.T) {
	logger := zerolog.Nop()

	n, err := buildNotifier(logger, config.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := n.(*notify.NoopNotifier); !ok {
		t.Fatalf("expected noop notifier, got %T", n)
	}

	n, err = buildNotifier(logger, config.Config{
		SlackWebhookURL: "https://hooks.slack.com/services/T/B/X",
		WebhookURL:      "https://alerts.example.com/hook",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	multi, ok := n.(*notify.MultiNotifier)
	if !ok || multi.Len() != 2 {
		t.Fatalf("expected two destinations, got %T", n)
	}

	n, err = buildNotifier(logger, config.Config{DryRun: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := n.(*notify.DryRunNotifier); !ok {
		t.Fatalf("expected dry-run wrapper, got %T", n)
	}

	if _, err := buildNotifier(logger, config.Config{
		WebhookURL:      "https://alerts.example.com/hook",
		WebhookTemplate: "{{ .Broken",
	}); err == nil {
		t.Fatalf("expected template error")
	}
}

func TestBuildStore(t *testing.T) {
	logger := zerolog.Nop()
	if _, ok := buildStore(logger, config.Config{}).(*state.MemoryStore); !ok {
		t.Fatalf("expected memory store without a state path")
	}
	path := filepath.Join(t.TempDir(), "state.json")
	store, ok := buildStore(logger, config.Config{StatePath: path}).(*state.FileStore)
	if !ok {
		t.Fatalf("expected file store")
	}
	if _, err := store.Load(context.Background()); err != nil {
		t.Fatalf("load empty file store: %v", err)
	}
}

func TestSnapshotCmd_RejectsUnknownFormat(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.Writer = &out
	err := root.Run(context.Background(), []string{appName, "snapshot", "--format", "xml"})
	if err == nil || !strings.Contains(err.Error(), "unknown format") {
		t.Fatalf("expected unknown format error, got %v", err)
	}
}

func TestDrainCSV_KeepsPerCoreColumns(t *testing.T) {
	pub := publish.New()
	sub := pub.Subscribe(4)

	held := testSnapshot()
	held.Storage.Drives = snapshot.Unavailable[[]snapshot.Drive]("storage probe timed out")
	pub.Publish(held)
	pub.Close()

	var buf bytes.Buffer
	drainCSV(context.Background(), zerolog.Nop(), sub, export.NewCSVWriter(&buf, true))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected the held-back row flushed after the header, got %q", buf.String())
	}
	if !strings.Contains(lines[0], "per_core_pct_2") {
		t.Fatalf("expected per-core columns in the recorded file, got %q", lines[0])
	}
	if !strings.Contains(lines[1], "30.00,50.00") {
		t.Fatalf("expected per-core values in the row, got %q", lines[1])
	}
}
