package sensor

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/procfs"
	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/sync/errgroup"

	"github.com/nholik/host-sentinel/internal/probe"
	"github.com/nholik/host-sentinel/internal/snapshot"
)

type boardIdentity struct {
	model      string
	biosVendor string
}

type hostFacts struct {
	hostname string
	os       string
	uptime   time.Duration
}

// BoardProbe reports mainboard identity, the attached display and host facts.
type BoardProbe struct {
	opts     Options
	identity *probe.Memo[boardIdentity]
	monitor  *probe.Memo[string]
	host     *probe.Chain[hostFacts]
}

// NewBoard builds the board probe.
func NewBoard(opts Options) *BoardProbe {
	p := &BoardProbe{opts: opts.withDefaults()}
	goos := p.opts.GOOS

	p.identity = probe.NewMemo(probe.NewChain("board/identity",
		platformStage(goos, probe.Stage[boardIdentity]{Name: "dmi-sysfs", Timeout: 200 * time.Millisecond, Run: p.dmiIdentity, Accept: acceptBoard}, "linux"),
		platformStage(goos, probe.Stage[boardIdentity]{Name: "registry", Timeout: 200 * time.Millisecond, Run: registryBoard, Accept: acceptBoard}, "windows"),
		platformStage(goos, probe.Stage[boardIdentity]{Name: "system-profiler", Timeout: 2 * time.Second, Run: p.systemProfiler, Accept: acceptBoard}, "darwin"),
	))
	p.monitor = probe.NewMemo(probe.NewChain("board/monitor",
		platformStage(goos, probe.Stage[string]{Name: "drm-edid", Timeout: 200 * time.Millisecond, Run: p.drmEDID}, "linux"),
		platformStage(goos, probe.Stage[string]{Name: "wmi-monitorid", Timeout: 2 * time.Second, Run: p.wmiMonitorID}, "windows"),
		platformStage(goos, probe.Stage[string]{Name: "drm-modes", Timeout: 200 * time.Millisecond, Run: p.drmResolution}, "linux"),
	))
	p.host = probe.NewChain("board/host",
		probe.Stage[hostFacts]{Name: "gopsutil-host", Timeout: 300 * time.Millisecond, Run: gopsutilHost, Accept: acceptHost},
		platformStage(goos, probe.Stage[hostFacts]{Name: "procfs-boot", Timeout: 200 * time.Millisecond, Run: p.procfsHost, Accept: acceptHost}, "linux"),
	)
	return p
}

// Domain implements collector.Probe.
func (p *BoardProbe) Domain() snapshot.Domain {
	return snapshot.DomainBoard
}

// Collect runs the host, identity and monitor chains concurrently.
func (p *BoardProbe) Collect(ctx context.Context) (snapshot.Section, snapshot.Status) {
	var (
		identity probe.Outcome[boardIdentity]
		monitor  probe.Outcome[string]
		facts    probe.Outcome[hostFacts]
	)
	var group errgroup.Group
	group.Go(func() error { identity = p.identity.Run(ctx); return nil })
	group.Go(func() error { monitor = p.monitor.Run(ctx); return nil })
	group.Go(func() error { facts = p.host.Run(ctx); return nil })
	_ = group.Wait()

	section := snapshot.Board{
		Model:      snapshot.Unavailable[string](identity.Reason()),
		BIOSVendor: snapshot.Unavailable[string](identity.Reason()),
		Monitor:    snapshot.Unavailable[string](monitor.Reason()),
		Hostname:   snapshot.Unavailable[string](facts.Reason()),
		OS:         snapshot.Unavailable[string](facts.Reason()),
		Uptime:     snapshot.Unavailable[time.Duration](facts.Reason()),
	}
	if identity.OK {
		section.Model = snapshot.Available(identity.Value.model)
		if identity.Value.biosVendor != "" {
			section.BIOSVendor = snapshot.Available(identity.Value.biosVendor)
		} else {
			section.BIOSVendor = snapshot.Unavailable[string]("bios vendor not reported")
		}
	}
	if monitor.OK {
		section.Monitor = snapshot.Available(monitor.Value)
	}
	if facts.OK {
		section.Hostname = snapshot.Available(facts.Value.hostname)
		section.OS = snapshot.Available(facts.Value.os)
		section.Uptime = snapshot.Available(facts.Value.uptime)
	}
	return section, snapshot.StatusFrom(facts.Summary(), identity.Summary(), monitor.Summary())
}

// boardModel prefers the baseboard description unless the vendor is a
// placeholder such as "System manufacturer", then falls back to the system
// product description.
func boardModel(boardVendor, boardName, sysVendor, productName string) string {
	board := joinNonEmpty(boardVendor, boardName)
	system := joinNonEmpty(sysVendor, productName)
	if board == "" || strings.Contains(boardVendor, "System") {
		if system != "" {
			return system
		}
	}
	return board
}

func joinNonEmpty(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, " ")
}

func (p *BoardProbe) dmiIdentity(context.Context) (boardIdentity, error) {
	dir := filepath.Join(p.opts.SysRoot, "class/dmi/id")
	if _, err := os.Stat(dir); err != nil {
		return boardIdentity{}, err
	}
	read := func(name string) string { return sysfsStringOr(filepath.Join(dir, name)) }
	return boardIdentity{
		model:      boardModel(read("board_vendor"), read("board_name"), read("sys_vendor"), read("product_name")),
		biosVendor: read("bios_vendor"),
	}, nil
}

func registryBoard(context.Context) (boardIdentity, error) {
	values, err := readRegistry(`HARDWARE\DESCRIPTION\System\BIOS`,
		"BaseBoardManufacturer", "BaseBoardProduct", "SystemManufacturer", "SystemProductName", "BIOSVendor")
	if err != nil {
		return boardIdentity{}, err
	}
	return boardIdentity{
		model: boardModel(values["BaseBoardManufacturer"], values["BaseBoardProduct"],
			values["SystemManufacturer"], values["SystemProductName"]),
		biosVendor: strings.TrimSpace(values["BIOSVendor"]),
	}, nil
}

func (p *BoardProbe) systemProfiler(ctx context.Context) (boardIdentity, error) {
	out, err := p.opts.run(ctx, "system_profiler", "SPHardwareDataType")
	if err != nil {
		return boardIdentity{}, err
	}
	return parseSystemProfiler(out), nil
}

func parseSystemProfiler(out []byte) boardIdentity {
	var name, identifier string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Model Name":
			name = strings.TrimSpace(value)
		case "Model Identifier":
			identifier = strings.TrimSpace(value)
		}
	}
	identity := boardIdentity{model: joinNonEmpty(name, identifier)}
	if identity.model != "" {
		identity.biosVendor = "Apple Inc."
	}
	return identity
}

func acceptBoard(identity boardIdentity) error {
	if identity.model == "" {
		return probe.Implausible("empty board model")
	}
	return nil
}

func gopsutilHost(ctx context.Context) (hostFacts, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return hostFacts{}, err
	}
	osName := joinNonEmpty(info.Platform, info.PlatformVersion)
	if osName == "" {
		osName = info.OS
	}
	return hostFacts{
		hostname: info.Hostname,
		os:       osName,
		uptime:   time.Duration(info.Uptime) * time.Second,
	}, nil
}

func (p *BoardProbe) procfsHost(context.Context) (hostFacts, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return hostFacts{}, err
	}
	fs, err := procfs.NewFS(p.opts.ProcRoot)
	if err != nil {
		return hostFacts{}, err
	}
	stat, err := fs.Stat()
	if err != nil {
		return hostFacts{}, err
	}
	boot := time.Unix(int64(stat.BootTime), 0)
	return hostFacts{
		hostname: hostname,
		os:       runtime.GOOS,
		uptime:   p.opts.now().Sub(boot).Truncate(time.Second),
	}, nil
}

func acceptHost(facts hostFacts) error {
	if facts.hostname == "" {
		return probe.Implausible("empty hostname")
	}
	if facts.uptime < 0 {
		return probe.Implausible("negative uptime %s", facts.uptime)
	}
	return nil
}
