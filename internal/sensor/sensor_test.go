package sensor

import (
	"context"
	"errors"
	"math"
	"net"
	"os/exec"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nholik/host-sentinel/internal/probe"
	"github.com/nholik/host-sentinel/internal/snapshot"
)

func TestPlatformStage_OtherOSIsNotSupported(t *testing.T) {
	called := false
	stage := platformStage("darwin", probe.Stage[int]{
		Name: "linux-only",
		Run: func(context.Context) (int, error) {
			called = true
			return 1, nil
		},
	}, "linux")

	out := probe.Execute(context.Background(), "test", stage)
	if out.OK || called {
		t.Fatalf("expected stage refused without running, got %+v", out)
	}
	if kinds := out.Kinds(); len(kinds) != 1 || kinds[0] != probe.KindNotSupported {
		t.Fatalf("expected NOT_SUPPORTED, got %v", kinds)
	}
}

func TestLoadFromTicks(t *testing.T) {
	previous := []cpuTicks{{busy: 10, total: 100}, {busy: 50, total: 100}}
	current := []cpuTicks{{busy: 60, total: 200}, {busy: 50, total: 200}}

	load, err := loadFromTicks(previous, current)
	if err != nil {
		t.Fatalf("loadFromTicks: %v", err)
	}
	if !slices.Equal(load.perCore, []float64{50, 0}) {
		t.Fatalf("unexpected per-core %v", load.perCore)
	}
	if load.total != 25 {
		t.Fatalf("expected total 25, got %v", load.total)
	}
	if err := acceptLoad(load); err != nil {
		t.Fatalf("expected load accepted: %v", err)
	}

	if _, err := loadFromTicks(current, previous); !errors.Is(err, probe.ErrTransient) {
		t.Fatalf("expected backwards counters transient, got %v", err)
	}
	if _, err := loadFromTicks(previous, previous); !errors.Is(err, probe.ErrTransient) {
		t.Fatalf("expected zero elapsed transient, got %v", err)
	}
}

func TestAcceptLoad_RejectsOutOfRange(t *testing.T) {
	if err := acceptLoad(cpuLoad{total: 50, perCore: []float64{120}}); !errors.Is(err, probe.ErrImplausible) {
		t.Fatalf("expected implausible, got %v", err)
	}
	if err := acceptLoad(cpuLoad{}); !errors.Is(err, probe.ErrImplausible) {
		t.Fatalf("expected implausible for no cores, got %v", err)
	}
}

func TestNetworkRates(t *testing.T) {
	p := NewNetwork(Options{GOOS: "linux"})
	start := time.Unix(1000, 0)

	up, down := p.rates(netCounters{sent: 1000, recv: 5000, at: start})
	if up.OK || down.OK {
		t.Fatalf("first reading must only set a baseline")
	}

	up, down = p.rates(netCounters{sent: 3000, recv: 9000, at: start.Add(2 * time.Second)})
	if !up.OK || up.V != 1000 || !down.OK || down.V != 2000 {
		t.Fatalf("unexpected rates up=%+v down=%+v", up, down)
	}

	up, _ = p.rates(netCounters{sent: 10, recv: 10, at: start.Add(3 * time.Second)})
	if up.OK || up.Reason != "counters reset" {
		t.Fatalf("expected counter reset unavailable, got %+v", up)
	}
}

// stepClock is a manual clock shared by concurrently running stages.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNetworkCollect_RateIgnoresLatencyDuration(t *testing.T) {
	clock := &stepClock{now: time.Unix(5000, 0)}
	start := clock.Now()

	p := NewNetwork(Options{GOOS: "linux"})
	p.opts.now = clock.Now

	// Counters grow by 1000 bytes per clock second. Each read signals the
	// latency stage, which then spends a different amount of time per tick.
	read := make(chan struct{}, 1)
	p.counters = probe.NewChain("network/counters",
		probe.Stage[netCounters]{Name: "fake", Timeout: time.Second, Run: p.stamped(func(context.Context) (netCounters, error) {
			bytes := uint64(clock.Now().Sub(start).Seconds() * 1000)
			read <- struct{}{}
			return netCounters{sent: bytes, recv: bytes}, nil
		})},
	)
	latencies := []time.Duration{600 * time.Millisecond, 0}
	tick := 0
	p.latency = probe.NewChain("network/latency",
		probe.Stage[float64]{Name: "fake", Timeout: time.Second, Run: func(context.Context) (float64, error) {
			<-read
			clock.Advance(latencies[tick])
			return 12, nil
		}},
	)

	if _, status := p.Collect(context.Background()); status.State != snapshot.StateOK {
		t.Fatalf("expected first tick ok, got %+v", status)
	}
	// The second tick starts one clock second after the first.
	clock.Advance(time.Second - latencies[0])
	tick = 1

	section, _ := p.Collect(context.Background())
	network := section.(snapshot.Network)
	up, ok := network.UpBps.Get()
	if !ok {
		t.Fatalf("expected a rate on the second tick, got %+v", network.UpBps)
	}
	if math.Abs(up-1000) > 0.01 {
		t.Fatalf("expected 1000 B/s, got %.2f", up)
	}
	if down := network.DownBps.V; math.Abs(down-1000) > 0.01 {
		t.Fatalf("expected 1000 B/s down, got %.2f", down)
	}
}

func TestTCPConnect(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := NewNetwork(Options{PingTarget: listener.Addr().String()})
	ms, err := p.tcpConnect(context.Background())
	if err != nil {
		t.Fatalf("tcpConnect: %v", err)
	}
	if err := acceptPing(ms); err != nil {
		t.Fatalf("expected plausible round trip, got %v", err)
	}
}

func TestICMPPing_UsesRunner(t *testing.T) {
	var gotName string
	var gotArgs []string
	p := NewNetwork(Options{PingTarget: "192.0.2.1:53", GOOS: "windows"})
	p.opts.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return []byte("Reply from 192.0.2.1: bytes=32 time=23ms TTL=57"), nil
	}

	ms, err := p.icmpPing(context.Background())
	if err != nil {
		t.Fatalf("icmpPing: %v", err)
	}
	if ms != 23 {
		t.Fatalf("expected 23ms, got %v", ms)
	}
	if gotName != "ping" || gotArgs[len(gotArgs)-1] != "192.0.2.1" || gotArgs[0] != "-n" {
		t.Fatalf("unexpected invocation %s %v", gotName, gotArgs)
	}
}

func TestRunCommand_AccessDeniedIsPermission(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	_, err := runCommand(context.Background(), "sh", "-c", "echo 'Access denied' >&2; exit 1")
	if probe.Classify(err) != probe.KindPermissionUnavailable {
		t.Fatalf("expected permission unavailable, got %v", err)
	}
}

func TestRunCommand_MissingBinaryIsNotSupported(t *testing.T) {
	_, err := runCommand(context.Background(), "host-sentinel-no-such-binary")
	if probe.Classify(err) != probe.KindNotSupported {
		t.Fatalf("expected not supported, got %v", err)
	}
}

func TestMemoryModulesOnWindows_ParsesCIM(t *testing.T) {
	p := NewMemory(Options{GOOS: "windows"})
	p.opts.run = func(_ context.Context, name string, _ ...string) ([]byte, error) {
		if name != "powershell" {
			t.Fatalf("unexpected command %s", name)
		}
		return []byte("\"BankLabel\",\"DeviceLocator\",\"Manufacturer\",\"PartNumber\",\"Speed\",\"Capacity\"\n\"BANK 0\",\"DIMM1\",\"Micron\",\"X\",\"2666\",\"8589934592\"\n"), nil
	}

	modules, err := p.cimModules(context.Background())
	if err != nil {
		t.Fatalf("cimModules: %v", err)
	}
	if len(modules) != 1 || modules[0].Manufacturer != "Micron" {
		t.Fatalf("unexpected modules %+v", modules)
	}
}
