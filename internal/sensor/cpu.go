package sensor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/sysfs"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/errgroup"

	"github.com/nholik/host-sentinel/internal/probe"
	"github.com/nholik/host-sentinel/internal/snapshot"
)

const cpuSampleInterval = 200 * time.Millisecond

type cpuLoad struct {
	total   float64
	perCore []float64
}

type cpuIdentity struct {
	model string
	mhz   float64
	cores int
}

// cpuTicks is the busy and total time of one core between two readings.
type cpuTicks struct {
	busy  float64
	total float64
}

// CPUProbe reports processor identity, utilisation and temperature.
type CPUProbe struct {
	opts     Options
	load     *probe.Chain[cpuLoad]
	identity *probe.Memo[cpuIdentity]
	clock    *probe.Chain[float64]
	temp     *probe.Chain[float64]

	mu        sync.Mutex
	prevTicks []cpuTicks
}

// NewCPU builds the CPU probe.
func NewCPU(opts Options) *CPUProbe {
	p := &CPUProbe{opts: opts.withDefaults()}
	goos := p.opts.GOOS

	p.load = probe.NewChain("cpu/load",
		probe.Stage[cpuLoad]{Name: "times-delta", Timeout: 300 * time.Millisecond, Run: p.timesDelta, Accept: acceptLoad},
		probe.Stage[cpuLoad]{Name: "percent-sampled", Timeout: 600 * time.Millisecond, Run: percentSampled, Accept: acceptLoad},
		platformStage(goos, probe.Stage[cpuLoad]{Name: "procfs-sampled", Timeout: 600 * time.Millisecond, Run: p.procfsSampled, Accept: acceptLoad}, "linux"),
	)
	p.identity = probe.NewMemo(probe.NewChain("cpu/identity",
		probe.Stage[cpuIdentity]{Name: "gopsutil-info", Timeout: 500 * time.Millisecond, Run: gopsutilCPUInfo, Accept: acceptIdentity},
		platformStage(goos, probe.Stage[cpuIdentity]{Name: "proc-cpuinfo", Timeout: 200 * time.Millisecond, Run: p.procCPUInfo, Accept: acceptIdentity}, "linux"),
		platformStage(goos, probe.Stage[cpuIdentity]{Name: "registry", Timeout: 200 * time.Millisecond, Run: registryCPUInfo, Accept: acceptIdentity}, "windows"),
	))
	p.clock = probe.NewChain("cpu/clock",
		platformStage(goos, probe.Stage[float64]{Name: "sysfs-cpufreq", Timeout: 300 * time.Millisecond, Run: p.cpufreqClock, Accept: acceptClock}, "linux"),
		probe.Stage[float64]{Name: "gopsutil-info", Timeout: 500 * time.Millisecond, Run: gopsutilClock, Accept: acceptClock},
	)
	p.temp = probe.NewChain("cpu/temp", temperatureStages(p.opts)...)
	return p
}

// Domain implements collector.Probe.
func (p *CPUProbe) Domain() snapshot.Domain {
	return snapshot.DomainCPU
}

// Collect runs the load, identity, clock and temperature chains concurrently.
// The clock is read every tick; the identity clock is only a fallback.
func (p *CPUProbe) Collect(ctx context.Context) (snapshot.Section, snapshot.Status) {
	var (
		load     probe.Outcome[cpuLoad]
		identity probe.Outcome[cpuIdentity]
		clock    probe.Outcome[float64]
		temp     probe.Outcome[float64]
	)
	var group errgroup.Group
	group.Go(func() error { load = p.load.Run(ctx); return nil })
	group.Go(func() error { identity = p.identity.Run(ctx); return nil })
	group.Go(func() error { clock = p.clock.Run(ctx); return nil })
	group.Go(func() error { temp = p.temp.Run(ctx); return nil })
	_ = group.Wait()

	section := snapshot.CPU{
		Model:        snapshot.Unavailable[string](identity.Reason()),
		ClockMHz:     snapshot.Unavailable[float64]("clock speed unknown"),
		LogicalCores: snapshot.Unavailable[int]("core count unknown"),
		TotalPct:     snapshot.Unavailable[float64](load.Reason()),
		PerCorePct:   snapshot.Unavailable[[]float64](load.Reason()),
		TempC:        snapshot.Unavailable[float64](temp.Reason()),
	}
	if identity.OK {
		section.Model = snapshot.Available(identity.Value.model)
		if identity.Value.mhz > 0 {
			section.ClockMHz = snapshot.Available(identity.Value.mhz)
		}
		if identity.Value.cores > 0 {
			section.LogicalCores = snapshot.Available(identity.Value.cores)
		}
	}
	if clock.OK {
		section.ClockMHz = snapshot.Available(clock.Value)
	}
	if load.OK {
		section.TotalPct = snapshot.Available(load.Value.total)
		section.PerCorePct = snapshot.Available(load.Value.perCore)
		section.LogicalCores = snapshot.Available(len(load.Value.perCore))
	}
	if temp.OK {
		section.TempC = snapshot.Available(temp.Value)
	}

	return section, snapshot.StatusFrom(load.Summary(), identity.Summary(), clock.Summary(), temp.Summary())
}

func (p *CPUProbe) timesDelta(ctx context.Context) (cpuLoad, error) {
	times, err := cpu.TimesWithContext(ctx, true)
	if err != nil {
		return cpuLoad{}, err
	}
	current := make([]cpuTicks, len(times))
	for i, t := range times {
		idle := t.Idle + t.Iowait
		total := t.User + t.System + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal + t.Idle
		current[i] = cpuTicks{busy: total - idle, total: total}
	}

	p.mu.Lock()
	previous := p.prevTicks
	p.prevTicks = current
	p.mu.Unlock()

	if len(previous) == 0 {
		return cpuLoad{}, probe.WarmingUp("no baseline yet")
	}
	if len(previous) != len(current) {
		return cpuLoad{}, probe.Transient("core count changed from %d to %d", len(previous), len(current))
	}
	return loadFromTicks(previous, current)
}

func percentSampled(ctx context.Context) (cpuLoad, error) {
	perCore, err := cpu.PercentWithContext(ctx, cpuSampleInterval, true)
	if err != nil {
		return cpuLoad{}, err
	}
	if len(perCore) == 0 {
		return cpuLoad{}, probe.Implausible("no cores reported")
	}
	var sum float64
	for _, pct := range perCore {
		sum += pct
	}
	return cpuLoad{total: sum / float64(len(perCore)), perCore: perCore}, nil
}

func (p *CPUProbe) procfsSampled(ctx context.Context) (cpuLoad, error) {
	fs, err := procfs.NewFS(p.opts.ProcRoot)
	if err != nil {
		return cpuLoad{}, err
	}
	first, err := procStatTicks(fs)
	if err != nil {
		return cpuLoad{}, err
	}
	select {
	case <-ctx.Done():
		return cpuLoad{}, ctx.Err()
	case <-time.After(cpuSampleInterval):
	}
	second, err := procStatTicks(fs)
	if err != nil {
		return cpuLoad{}, err
	}
	if len(first) != len(second) {
		return cpuLoad{}, probe.Transient("core count changed while sampling")
	}
	return loadFromTicks(first, second)
}

// procStatTicks reads per-core counters from /proc/stat ordered by core id.
func procStatTicks(fs procfs.FS) ([]cpuTicks, error) {
	stat, err := fs.Stat()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(stat.CPU))
	byID := make(map[int64]procfs.CPUStat, len(stat.CPU))
	for id, c := range stat.CPU {
		ids = append(ids, int64(id))
		byID[int64(id)] = c
	}
	slices.Sort(ids)

	ticks := make([]cpuTicks, 0, len(ids))
	for _, id := range ids {
		c := byID[id]
		idle := c.Idle + c.Iowait
		total := c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
		ticks = append(ticks, cpuTicks{busy: total - idle, total: total})
	}
	return ticks, nil
}

// loadFromTicks converts two counter readings into utilisation percentages.
func loadFromTicks(previous, current []cpuTicks) (cpuLoad, error) {
	if len(current) == 0 {
		return cpuLoad{}, probe.Implausible("no cores reported")
	}
	perCore := make([]float64, len(current))
	var busySum, totalSum float64
	for i := range current {
		busy := current[i].busy - previous[i].busy
		total := current[i].total - previous[i].total
		if total < 0 || busy < 0 {
			return cpuLoad{}, probe.Transient("counters went backwards on core %d", i)
		}
		if total > 0 {
			perCore[i] = clampPct(busy / total * 100)
		}
		busySum += busy
		totalSum += total
	}
	if totalSum == 0 {
		return cpuLoad{}, probe.Transient("no time elapsed between readings")
	}
	return cpuLoad{total: clampPct(busySum / totalSum * 100), perCore: perCore}, nil
}

func acceptLoad(load cpuLoad) error {
	if len(load.perCore) == 0 {
		return probe.Implausible("no cores reported")
	}
	if !validPct(load.total) {
		return probe.Implausible("total utilisation %.2f", load.total)
	}
	for i, pct := range load.perCore {
		if !validPct(pct) {
			return probe.Implausible("core %d utilisation %.2f", i, pct)
		}
	}
	return nil
}

func validPct(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 100
}

func clampPct(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func gopsutilCPUInfo(ctx context.Context) (cpuIdentity, error) {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return cpuIdentity{}, err
	}
	if len(infos) == 0 {
		return cpuIdentity{}, probe.Implausible("no processors reported")
	}
	identity := cpuIdentity{model: strings.TrimSpace(infos[0].ModelName), mhz: infos[0].Mhz}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		identity.cores = cores
	}
	return identity, nil
}

// cpufreqClock averages the current scaling frequency of the online cores.
func (p *CPUProbe) cpufreqClock(context.Context) (float64, error) {
	fs, err := sysfs.NewFS(p.opts.SysRoot)
	if err != nil {
		return 0, err
	}
	stats, err := fs.SystemCpufreq()
	if err != nil {
		return 0, err
	}
	return averageKHz(stats)
}

func averageKHz(stats []sysfs.SystemCPUCpufreqStats) (float64, error) {
	var sum float64
	var n int
	for _, stat := range stats {
		khz := stat.ScalingCurrentFrequency
		if khz == nil {
			khz = stat.CpuinfoCurrentFrequency
		}
		if khz == nil {
			continue
		}
		sum += float64(*khz)
		n++
	}
	if n == 0 {
		return 0, probe.Transient("no core reports a current frequency")
	}
	return sum / float64(n) / 1000, nil
}

func gopsutilClock(ctx context.Context) (float64, error) {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	if len(infos) == 0 {
		return 0, probe.Implausible("no processors reported")
	}
	return infos[0].Mhz, nil
}

func acceptClock(mhz float64) error {
	if math.IsNaN(mhz) || mhz <= 0 || mhz > 20000 {
		return probe.Implausible("clock %.0f MHz", mhz)
	}
	return nil
}

func (p *CPUProbe) procCPUInfo(context.Context) (cpuIdentity, error) {
	data, err := os.ReadFile(filepath.Join(p.opts.ProcRoot, "cpuinfo"))
	if err != nil {
		return cpuIdentity{}, err
	}
	return parseCPUInfo(data)
}

// parseCPUInfo extracts the first model name and clock and counts processors.
func parseCPUInfo(data []byte) (cpuIdentity, error) {
	var identity cpuIdentity
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "processor":
			identity.cores++
		case "model name", "Model":
			if identity.model == "" {
				identity.model = value
			}
		case "cpu MHz":
			if identity.mhz == 0 {
				mhz, err := strconv.ParseFloat(value, 64)
				if err != nil {
					return cpuIdentity{}, probe.Implausible("cpu MHz %q", value)
				}
				identity.mhz = mhz
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return cpuIdentity{}, err
	}
	return identity, nil
}

func registryCPUInfo(context.Context) (cpuIdentity, error) {
	values, err := readRegistry(`HARDWARE\DESCRIPTION\System\CentralProcessor\0`, "ProcessorNameString", "~MHz")
	if err != nil {
		return cpuIdentity{}, err
	}
	identity := cpuIdentity{
		model: strings.TrimSpace(values["ProcessorNameString"]),
		cores: runtime.NumCPU(),
	}
	if mhz, err := strconv.ParseFloat(values["~MHz"], 64); err == nil {
		identity.mhz = mhz
	}
	return identity, nil
}

func acceptIdentity(identity cpuIdentity) error {
	if identity.model == "" {
		return probe.Implausible("empty cpu model")
	}
	if identity.mhz < 0 {
		return fmt.Errorf("negative clock %.0f MHz", identity.mhz)
	}
	return nil
}
