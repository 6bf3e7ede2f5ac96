package sensor

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"

	"github.com/nholik/host-sentinel/internal/probe"
	"github.com/nholik/host-sentinel/internal/snapshot"
)

const physicalMemoryScript = `Get-CimInstance Win32_PhysicalMemory | Select-Object BankLabel,DeviceLocator,Manufacturer,PartNumber,Speed,Capacity | ConvertTo-Csv -NoTypeInformation`

type memoryUsage struct {
	total     uint64
	used      uint64
	available uint64
	swapTotal uint64
	swapUsed  uint64
	swapKnown bool
}

// MemoryProbe reports RAM and swap usage plus installed modules.
type MemoryProbe struct {
	opts    Options
	usage   *probe.Chain[memoryUsage]
	modules *probe.Memo[[]snapshot.RAMModule]
}

// NewMemory builds the memory probe.
func NewMemory(opts Options) *MemoryProbe {
	p := &MemoryProbe{opts: opts.withDefaults()}
	goos := p.opts.GOOS

	p.usage = probe.NewChain("memory/usage",
		probe.Stage[memoryUsage]{Name: "gopsutil", Timeout: 300 * time.Millisecond, Run: gopsutilMemory, Accept: acceptMemory, Partial: true},
		platformStage(goos, probe.Stage[memoryUsage]{Name: "procfs-meminfo", Timeout: 200 * time.Millisecond, Run: p.procfsMeminfo, Accept: acceptMemory}, "linux"),
	)
	p.modules = probe.NewMemo(probe.NewChain("memory/modules",
		platformStage(goos, probe.Stage[[]snapshot.RAMModule]{Name: "edac-sysfs", Timeout: 200 * time.Millisecond, Run: p.edacModules, Accept: acceptModules}, "linux"),
		platformStage(goos, probe.Stage[[]snapshot.RAMModule]{Name: "cim-physical-memory", Timeout: 2 * time.Second, Run: p.cimModules, Accept: acceptModules}, "windows"),
	))
	return p
}

// Domain implements collector.Probe.
func (p *MemoryProbe) Domain() snapshot.Domain {
	return snapshot.DomainMemory
}

// Collect runs the usage and module chains concurrently.
func (p *MemoryProbe) Collect(ctx context.Context) (snapshot.Section, snapshot.Status) {
	var (
		usage   probe.Outcome[memoryUsage]
		modules probe.Outcome[[]snapshot.RAMModule]
	)
	var group errgroup.Group
	group.Go(func() error { usage = p.usage.Run(ctx); return nil })
	group.Go(func() error { modules = p.modules.Run(ctx); return nil })
	_ = group.Wait()

	reason := usage.Reason()
	section := snapshot.Memory{
		RAMTotal:     snapshot.Unavailable[uint64](reason),
		RAMUsed:      snapshot.Unavailable[uint64](reason),
		RAMAvailable: snapshot.Unavailable[uint64](reason),
		SwapUsed:     snapshot.Unavailable[uint64](reason),
		SwapTotal:    snapshot.Unavailable[uint64](reason),
		RAMModules:   snapshot.Unavailable[[]snapshot.RAMModule](modules.Reason()),
	}
	if usage.OK {
		u := usage.Value
		section.RAMTotal = snapshot.Available(u.total)
		section.RAMUsed = snapshot.Available(u.used)
		section.RAMAvailable = snapshot.Available(u.available)
		if u.swapKnown {
			section.SwapTotal = snapshot.Available(u.swapTotal)
			section.SwapUsed = snapshot.Available(u.swapUsed)
		} else {
			section.SwapTotal = snapshot.Unavailable[uint64]("swap unreadable")
			section.SwapUsed = snapshot.Unavailable[uint64]("swap unreadable")
		}
	}
	if modules.OK {
		section.RAMModules = snapshot.Available(modules.Value)
	}

	return section, snapshot.StatusFrom(usage.Summary(), modules.Summary())
}

func gopsutilMemory(ctx context.Context) (memoryUsage, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return memoryUsage{}, err
	}
	usage := memoryUsage{total: vm.Total, used: vm.Used, available: vm.Available}

	swap, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return usage, probe.Partial("swap: %v", err)
	}
	usage.swapTotal, usage.swapUsed, usage.swapKnown = swap.Total, swap.Used, true
	return usage, nil
}

func (p *MemoryProbe) procfsMeminfo(context.Context) (memoryUsage, error) {
	fs, err := procfs.NewFS(p.opts.ProcRoot)
	if err != nil {
		return memoryUsage{}, err
	}
	info, err := fs.Meminfo()
	if err != nil {
		return memoryUsage{}, err
	}
	return usageFromMeminfo(info)
}

// usageFromMeminfo converts kB fields to bytes. Kernels older than 3.14 lack
// MemAvailable, so it is approximated from free, buffers and page cache.
func usageFromMeminfo(info procfs.Meminfo) (memoryUsage, error) {
	if info.MemTotal == nil {
		return memoryUsage{}, probe.Implausible("MemTotal missing")
	}
	const kib = 1024
	total := *info.MemTotal * kib

	var available uint64
	switch {
	case info.MemAvailable != nil:
		available = *info.MemAvailable * kib
	case info.MemFree != nil:
		available = *info.MemFree * kib
		if info.Buffers != nil {
			available += *info.Buffers * kib
		}
		if info.Cached != nil {
			available += *info.Cached * kib
		}
	default:
		return memoryUsage{}, probe.Implausible("MemAvailable and MemFree missing")
	}
	if available > total {
		available = total
	}

	usage := memoryUsage{total: total, used: total - available, available: available}
	if info.SwapTotal != nil && info.SwapFree != nil && *info.SwapFree <= *info.SwapTotal {
		usage.swapTotal = *info.SwapTotal * kib
		usage.swapUsed = (*info.SwapTotal - *info.SwapFree) * kib
		usage.swapKnown = true
	}
	return usage, nil
}

func acceptMemory(u memoryUsage) error {
	if u.total == 0 {
		return probe.Implausible("zero total memory")
	}
	if u.used > u.total {
		return probe.Implausible("used %d exceeds total %d", u.used, u.total)
	}
	if u.swapKnown && u.swapUsed > u.swapTotal {
		return probe.Implausible("swap used %d exceeds total %d", u.swapUsed, u.swapTotal)
	}
	return nil
}

// edacModules lists DIMMs registered with the EDAC subsystem. Sizes are in MiB.
func (p *MemoryProbe) edacModules(context.Context) ([]snapshot.RAMModule, error) {
	dimms, err := filepath.Glob(filepath.Join(p.opts.SysRoot, "devices/system/edac/mc/mc*/dimm*"))
	if err != nil {
		return nil, err
	}
	if len(dimms) == 0 {
		return nil, fmt.Errorf("edac dimms: %w", probe.ErrNotSupported)
	}
	sort.Strings(dimms)

	modules := make([]snapshot.RAMModule, 0, len(dimms))
	for _, dimm := range dimms {
		label := sysfsStringOr(filepath.Join(dimm, "dimm_label"))
		if label == "" {
			label = filepath.Base(dimm)
		}
		module := snapshot.RAMModule{Label: label}
		if mib, err := readSysfsUint(filepath.Join(dimm, "size")); err == nil {
			module.SizeBytes = mib << 20
		}
		if module.SizeBytes == 0 {
			continue
		}
		modules = append(modules, module)
	}
	return modules, nil
}

func (p *MemoryProbe) cimModules(ctx context.Context) ([]snapshot.RAMModule, error) {
	out, err := powershell(ctx, p.opts.run, physicalMemoryScript)
	if err != nil {
		return nil, err
	}
	return parsePhysicalMemory(out)
}

func parsePhysicalMemory(out []byte) ([]snapshot.RAMModule, error) {
	rows, err := parseCSVRecords(out)
	if err != nil {
		return nil, err
	}
	modules := make([]snapshot.RAMModule, 0, len(rows))
	for _, row := range rows {
		label := row["DeviceLocator"]
		if label == "" {
			label = row["BankLabel"]
		}
		module := snapshot.RAMModule{
			Label:        label,
			Manufacturer: row["Manufacturer"],
			PartNumber:   row["PartNumber"],
		}
		if speed, err := strconv.Atoi(row["Speed"]); err == nil {
			module.SpeedMHz = speed
		}
		if capacity, err := strconv.ParseUint(row["Capacity"], 10, 64); err == nil {
			module.SizeBytes = capacity
		}
		modules = append(modules, module)
	}
	return modules, nil
}

func acceptModules(modules []snapshot.RAMModule) error {
	if len(modules) == 0 {
		return probe.Implausible("no memory modules")
	}
	return nil
}
