// Package sensor implements the per-domain telemetry probes.
//
// Each probe owns a set of fallback chains, one per value it reports, and keeps
// whatever state it needs between ticks (previous CPU times, previous network
// counters, cached hardware identity). A probe is only ever driven by the
// collector's worker for its domain, so that state is guarded by a mutex and
// the collector's in-flight guard rather than by channel ownership.
package sensor

import (
	"context"
	"runtime"
	"time"

	"github.com/nholik/host-sentinel/internal/probe"
)

// DefaultPingTarget is dialled by the latency chain when no target is configured.
const DefaultPingTarget = "8.8.8.8:53"

// Options configures the probes.
type Options struct {
	// ProcRoot and SysRoot locate procfs and sysfs. Tests point them at
	// synthetic trees.
	ProcRoot string
	SysRoot  string
	// PingTarget is a host:port reachable over TCP.
	PingTarget string
	// GOOS overrides runtime.GOOS when selecting platform stages.
	GOOS string

	run commandRunner
	now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ProcRoot == "" {
		o.ProcRoot = "/proc"
	}
	if o.SysRoot == "" {
		o.SysRoot = "/sys"
	}
	if o.PingTarget == "" {
		o.PingTarget = DefaultPingTarget
	}
	if o.GOOS == "" {
		o.GOOS = runtime.GOOS
	}
	if o.run == nil {
		o.run = runCommand
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// requireOS returns ErrNotSupported unless goos is one of the wanted platforms.
func requireOS(goos string, want ...string) error {
	for _, name := range want {
		if goos == name {
			return nil
		}
	}
	return probe.ErrNotSupported
}

// platformStage wraps a stage so it fails fast with NotSupported on other platforms.
func platformStage[T any](goos string, stage probe.Stage[T], want ...string) probe.Stage[T] {
	run := stage.Run
	stage.Run = func(ctx context.Context) (T, error) {
		if err := requireOS(goos, want...); err != nil {
			var zero T
			return zero, err
		}
		return run(ctx)
	}
	return stage
}
