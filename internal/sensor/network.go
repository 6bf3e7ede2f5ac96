package sensor

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	gonet "github.com/shirou/gopsutil/v3/net"
	"golang.org/x/sync/errgroup"

	"github.com/nholik/host-sentinel/internal/probe"
	"github.com/nholik/host-sentinel/internal/snapshot"
)

const maxPlausiblePing = 2 * time.Second

var pingTimePattern = regexp.MustCompile(`time[=<]\s*([0-9]+(?:[.,][0-9]+)?)\s*ms`)

// netCounters is one reading of the byte counters and the moment it was taken.
type netCounters struct {
	sent uint64
	recv uint64
	at   time.Time
}

// NetworkProbe reports throughput from interface byte counters and latency to
// the configured target.
type NetworkProbe struct {
	opts     Options
	counters *probe.Chain[netCounters]
	latency  *probe.Chain[float64]

	mu       sync.Mutex
	previous netCounters
}

// NewNetwork builds the network probe.
func NewNetwork(opts Options) *NetworkProbe {
	p := &NetworkProbe{opts: opts.withDefaults()}
	goos := p.opts.GOOS

	p.counters = probe.NewChain("network/counters",
		probe.Stage[netCounters]{Name: "gopsutil", Timeout: 300 * time.Millisecond, Run: p.stamped(gopsutilCounters)},
		platformStage(goos, probe.Stage[netCounters]{Name: "procfs-netdev", Timeout: 200 * time.Millisecond, Run: p.stamped(p.procfsCounters)}, "linux"),
	)
	p.latency = probe.NewChain("network/latency",
		probe.Stage[float64]{Name: "tcp-connect", Timeout: time.Second, Run: p.tcpConnect, Accept: acceptPing},
		probe.Stage[float64]{Name: "icmp-ping", Timeout: 2 * time.Second, Run: p.icmpPing, Accept: acceptPing},
	)
	return p
}

// Domain implements collector.Probe.
func (p *NetworkProbe) Domain() snapshot.Domain {
	return snapshot.DomainNetwork
}

// Collect runs the counter and latency chains concurrently and derives rates
// from the previous successful counter reading.
func (p *NetworkProbe) Collect(ctx context.Context) (snapshot.Section, snapshot.Status) {
	var (
		counters probe.Outcome[netCounters]
		latency  probe.Outcome[float64]
	)
	var group errgroup.Group
	group.Go(func() error { counters = p.counters.Run(ctx); return nil })
	group.Go(func() error { latency = p.latency.Run(ctx); return nil })
	_ = group.Wait()

	section := snapshot.Network{
		UpBps:   snapshot.Unavailable[float64](counters.Reason()),
		DownBps: snapshot.Unavailable[float64](counters.Reason()),
		PingMS:  snapshot.Unavailable[float64](latency.Reason()),
	}
	if counters.OK {
		section.UpBps, section.DownBps = p.rates(counters.Value)
	}
	if latency.OK {
		section.PingMS = snapshot.Available(latency.Value)
	}
	return section, snapshot.StatusFrom(counters.Summary(), latency.Summary())
}

// stamped records when a counter stage read the counters. The latency chain
// runs alongside and its duration must not leak into the rate interval.
func (p *NetworkProbe) stamped(read func(context.Context) (netCounters, error)) func(context.Context) (netCounters, error) {
	return func(ctx context.Context) (netCounters, error) {
		at := p.opts.now()
		counters, err := read(ctx)
		counters.at = at
		return counters, err
	}
}

// rates turns two counter readings into bytes per second using the time each
// reading was taken. The first reading and readings after a counter reset
// only establish a baseline.
func (p *NetworkProbe) rates(current netCounters) (up, down snapshot.Value[float64]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	previous := p.previous
	p.previous = current

	switch {
	case previous.at.IsZero():
		return snapshot.Unavailable[float64]("no baseline yet"), snapshot.Unavailable[float64]("no baseline yet")
	case current.sent < previous.sent || current.recv < previous.recv:
		return snapshot.Unavailable[float64]("counters reset"), snapshot.Unavailable[float64]("counters reset")
	}
	elapsed := current.at.Sub(previous.at).Seconds()
	if elapsed <= 0 {
		return snapshot.Unavailable[float64]("no time elapsed"), snapshot.Unavailable[float64]("no time elapsed")
	}
	return snapshot.Available(float64(current.sent-previous.sent) / elapsed),
		snapshot.Available(float64(current.recv-previous.recv) / elapsed)
}

func gopsutilCounters(ctx context.Context) (netCounters, error) {
	stats, err := gonet.IOCountersWithContext(ctx, true)
	if err != nil {
		return netCounters{}, err
	}
	var total netCounters
	for _, stat := range stats {
		if isLoopback(stat.Name) {
			continue
		}
		total.sent += stat.BytesSent
		total.recv += stat.BytesRecv
	}
	return total, nil
}

func (p *NetworkProbe) procfsCounters(context.Context) (netCounters, error) {
	fs, err := procfs.NewFS(p.opts.ProcRoot)
	if err != nil {
		return netCounters{}, err
	}
	dev, err := fs.NetDev()
	if err != nil {
		return netCounters{}, err
	}
	var total netCounters
	for name, line := range dev {
		if isLoopback(name) {
			continue
		}
		total.sent += line.TxBytes
		total.recv += line.RxBytes
	}
	return total, nil
}

func isLoopback(name string) bool {
	lower := strings.ToLower(name)
	return lower == "lo" || strings.HasPrefix(lower, "loopback")
}

func (p *NetworkProbe) tcpConnect(ctx context.Context) (float64, error) {
	var dialer net.Dialer
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", p.opts.PingTarget)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, probe.Transient("dial %s: %v", p.opts.PingTarget, err)
	}
	elapsed := time.Since(start)
	_ = conn.Close()
	return float64(elapsed.Microseconds()) / 1000, nil
}

func (p *NetworkProbe) icmpPing(ctx context.Context) (float64, error) {
	host, _, err := net.SplitHostPort(p.opts.PingTarget)
	if err != nil {
		host = p.opts.PingTarget
	}
	out, err := p.opts.run(ctx, "ping", pingArgs(p.opts.GOOS, host)...)
	if err != nil {
		return 0, err
	}
	return parsePingOutput(out)
}

func pingArgs(goos, host string) []string {
	switch goos {
	case "windows":
		return []string{"-n", "1", "-w", "1000", host}
	case "darwin", "freebsd":
		return []string{"-c", "1", "-t", "1", host}
	default:
		return []string{"-c", "1", "-W", "1", host}
	}
}

// parsePingOutput extracts the round trip of the first echo reply.
// Windows prints "time<1ms" for sub-millisecond replies.
func parsePingOutput(out []byte) (float64, error) {
	match := pingTimePattern.FindSubmatch(out)
	if match == nil {
		return 0, probe.Transient("no echo reply in ping output")
	}
	ms, err := strconv.ParseFloat(strings.ReplaceAll(string(match[1]), ",", "."), 64)
	if err != nil {
		return 0, probe.Implausible("ping time %q", match[1])
	}
	return ms, nil
}

func acceptPing(ms float64) error {
	if ms < 0 || ms >= float64(maxPlausiblePing.Milliseconds()) {
		return fmt.Errorf("round trip %.1fms outside 0..%s", ms, maxPlausiblePing)
	}
	return nil
}
