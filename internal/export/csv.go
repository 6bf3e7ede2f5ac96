// Package export renders snapshots as CSV rows.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/nholik/host-sentinel/internal/snapshot"
	"github.com/nholik/host-sentinel/internal/units"
)

// Layout fixes the variable-width parts of a row so every row of one file has
// the same columns. Extra cores or drives are cut off and missing ones are
// filled with snapshot.NotAvailable.
type Layout struct {
	Cores  int
	Drives int
}

// LayoutFor sizes a layout to fit s. Without per-core readings the logical
// core count still sizes the per-core columns.
func LayoutFor(s snapshot.Snapshot) Layout {
	layout := Layout{Drives: len(s.Storage.Drives.V)}
	if cores, ok := s.CPU.PerCorePct.Get(); ok {
		layout.Cores = len(cores)
	} else if n, ok := s.CPU.LogicalCores.Get(); ok {
		layout.Cores = n
	}
	return layout
}

// settles reports whether s knows both the core count and the drive list, so
// a layout sized from it will not miss columns.
func settles(s snapshot.Snapshot) bool {
	_, coresOK := s.CPU.PerCorePct.Get()
	_, countOK := s.CPU.LogicalCores.Get()
	_, drivesOK := s.Storage.Drives.Get()
	return (coresOK || countOK) && drivesOK
}

func widest(a, b Layout) Layout {
	return Layout{Cores: max(a.Cores, b.Cores), Drives: max(a.Drives, b.Drives)}
}

// Header returns the column names.
func (l Layout) Header() []string {
	header := []string{"timestamp", "cpu_total_pct"}
	for i := 1; i <= l.Cores; i++ {
		header = append(header, fmt.Sprintf("per_core_pct_%d", i))
	}
	header = append(header, "ram_used_mb", "ram_total_mb", "swap_used_mb", "net_up_bps", "net_down_bps", "ping_ms")
	for i := 1; i <= l.Drives; i++ {
		header = append(header, fmt.Sprintf("drive_marketing_size_%d", i))
	}
	for i := 1; i <= l.Drives; i++ {
		header = append(header, fmt.Sprintf("drive_binary_size_%d", i))
	}
	return header
}

// Row renders s in column order. Missing values are snapshot.NotAvailable,
// never zero.
func (l Layout) Row(s snapshot.Snapshot) []string {
	row := make([]string, 0, 8+l.Cores+2*l.Drives)
	row = append(row, s.Timestamp.UTC().Format(time.RFC3339), pct(s.CPU.TotalPct))

	cores, coresOK := s.CPU.PerCorePct.Get()
	for i := range l.Cores {
		if coresOK && i < len(cores) {
			row = append(row, formatFloat(cores[i]))
		} else {
			row = append(row, snapshot.NotAvailable)
		}
	}

	row = append(row,
		mb(s.Memory.RAMUsed),
		mb(s.Memory.RAMTotal),
		mb(s.Memory.SwapUsed),
		pct(s.Network.UpBps),
		pct(s.Network.DownBps),
		pct(s.Network.PingMS),
	)

	drives, drivesOK := s.Storage.Drives.Get()
	for i := range l.Drives {
		if drivesOK && i < len(drives) {
			row = append(row, drives[i].MarketingCapacity)
		} else {
			row = append(row, snapshot.NotAvailable)
		}
	}
	for i := range l.Drives {
		if drivesOK && i < len(drives) {
			row = append(row, drives[i].BinaryCapacity)
		} else {
			row = append(row, snapshot.NotAvailable)
		}
	}
	return row
}

// SnapshotToRow renders s with a layout sized to s itself.
func SnapshotToRow(s snapshot.Snapshot) []string {
	return LayoutFor(s).Row(s)
}

func pct(v snapshot.Value[float64]) string {
	if f, ok := v.Get(); ok {
		return formatFloat(f)
	}
	return snapshot.NotAvailable
}

func mb(v snapshot.Value[uint64]) string {
	if b, ok := v.Get(); ok {
		return formatFloat(units.Megabytes(b))
	}
	return snapshot.NotAvailable
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

// MaxPendingRows bounds how many rows CSVWriter holds back while it waits for
// a snapshot that knows the core count and the drive list.
const MaxPendingRows = 8

// CSVWriter appends snapshot rows to w. Every row of one file has the same
// columns, so the layout is fixed once: by the first snapshot whose cores and
// drives are known, or by the widest of the held-back snapshots when
// MaxPendingRows is reached. Rows written before that are held back, not
// written narrow.
type CSVWriter struct {
	mu         sync.Mutex
	w          *csv.Writer
	layout     Layout
	started    bool
	skipHeader bool
	pending    []snapshot.Snapshot
}

// NewCSVWriter wraps w. Pass withHeader false when appending to a file that
// already starts with a header.
func NewCSVWriter(w io.Writer, withHeader bool) *CSVWriter {
	return &CSVWriter{w: csv.NewWriter(w), skipHeader: !withHeader}
}

// Layout returns the layout in use, or false while rows are still held back.
func (cw *CSVWriter) Layout() (Layout, bool) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.layout, cw.started
}

// Pending returns the number of rows held back.
func (cw *CSVWriter) Pending() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return len(cw.pending)
}

// WriteSnapshot appends one row and flushes it, or holds it back until the
// layout is known.
func (cw *CSVWriter) WriteSnapshot(_ context.Context, s snapshot.Snapshot) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.started {
		return cw.writeRows(s)
	}
	cw.layout = widest(cw.layout, LayoutFor(s))
	cw.pending = append(cw.pending, s.Clone())
	if !settles(s) && len(cw.pending) < MaxPendingRows {
		return nil
	}
	return cw.start()
}

// Flush writes any held-back rows with the widest layout seen so far.
// Call it before closing the underlying writer.
func (cw *CSVWriter) Flush() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.started || len(cw.pending) == 0 {
		return nil
	}
	return cw.start()
}

func (cw *CSVWriter) start() error {
	cw.started = true
	if !cw.skipHeader {
		if err := cw.w.Write(cw.layout.Header()); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	pending := cw.pending
	cw.pending = nil
	return cw.writeRows(pending...)
}

func (cw *CSVWriter) writeRows(snaps ...snapshot.Snapshot) error {
	for _, s := range snaps {
		if err := cw.w.Write(cw.layout.Row(s)); err != nil {
			return fmt.Errorf("write csv row %d: %w", s.Seq, err)
		}
	}
	cw.w.Flush()
	if err := cw.w.Error(); err != nil {
		return fmt.Errorf("flush csv rows: %w", err)
	}
	return nil
}

// Render writes a header and a single row for s.
func Render(w io.Writer, s snapshot.Snapshot) error {
	layout := LayoutFor(s)
	cw := csv.NewWriter(w)
	if err := cw.Write(layout.Header()); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	if err := cw.Write(layout.Row(s)); err != nil {
		return fmt.Errorf("write csv row %d: %w", s.Seq, err)
	}
	cw.Flush()
	return cw.Error()
}
