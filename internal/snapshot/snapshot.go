package snapshot

import (
	"maps"
	"slices"
	"time"

	"github.com/nholik/host-sentinel/internal/probe"
)

// Domain names a telemetry area with its own probe.
type Domain string

const (
	DomainCPU     Domain = "cpu"
	DomainMemory  Domain = "memory"
	DomainStorage Domain = "storage"
	DomainNetwork Domain = "network"
	DomainBoard   Domain = "board"
)

// Domains lists every domain in display order.
var Domains = []Domain{DomainCPU, DomainMemory, DomainStorage, DomainNetwork, DomainBoard}

// State describes how a domain fared during one tick.
type State string

const (
	StateOK          State = "OK"
	StateDegraded    State = "DEGRADED"
	StateUnavailable State = "UNAVAILABLE"
	StateTimeout     State = "TIMEOUT"
	StateSkipped     State = "SKIPPED"
)

// Status is the per-domain diagnostic entry of a snapshot.
type Status struct {
	State      State           `json:"state"`
	Stage      string          `json:"stage,omitempty"`
	StageIndex int             `json:"stage_index"`
	Degraded   bool            `json:"degraded"`
	Reason     string          `json:"reason,omitempty"`
	Attempts   []probe.Attempt `json:"attempts,omitempty"`
}

// Available reports whether the domain produced data this tick.
func (s Status) Available() bool {
	return s.State == StateOK || s.State == StateDegraded
}

// CPU holds processor identity and load.
type CPU struct {
	Model        Value[string]    `json:"model"`
	ClockMHz     Value[float64]   `json:"clock_mhz"`
	LogicalCores Value[int]       `json:"logical_cores"`
	TotalPct     Value[float64]   `json:"total_pct"`
	PerCorePct   Value[[]float64] `json:"per_core_pct"`
	TempC        Value[float64]   `json:"temp_c"`
}

// RAMModule describes one installed memory stick.
type RAMModule struct {
	Label        string `json:"label"`
	Manufacturer string `json:"manufacturer,omitempty"`
	PartNumber   string `json:"part_number,omitempty"`
	SpeedMHz     int    `json:"speed_mhz,omitempty"`
	SizeBytes    uint64 `json:"size_bytes,omitempty"`
}

// Memory holds RAM and swap usage in bytes.
type Memory struct {
	RAMTotal     Value[uint64]      `json:"ram_total"`
	RAMUsed      Value[uint64]      `json:"ram_used"`
	RAMAvailable Value[uint64]      `json:"ram_available"`
	SwapUsed     Value[uint64]      `json:"swap_used"`
	SwapTotal    Value[uint64]      `json:"swap_total"`
	RAMModules   Value[[]RAMModule] `json:"ram_modules"`
}

// Drive is a physical storage device.
type Drive struct {
	Name              string `json:"name"`
	Model             string `json:"model"`
	SizeBytes         uint64 `json:"size_bytes"`
	MarketingCapacity string `json:"marketing_capacity"`
	BinaryCapacity    string `json:"binary_capacity"`
}

// Partition is a mounted filesystem.
type Partition struct {
	Path   string `json:"path"`
	Device string `json:"device"`
	FSType string `json:"fstype"`
	Used   uint64 `json:"used"`
	Total  uint64 `json:"total"`
}

// UsedPct returns the used share of the partition in percent.
func (p Partition) UsedPct() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Used) / float64(p.Total) * 100
}

// Storage holds drives and partitions.
type Storage struct {
	Drives     Value[[]Drive]     `json:"drives"`
	Partitions Value[[]Partition] `json:"partitions"`
}

// Network holds throughput in bytes per second and latency.
type Network struct {
	UpBps   Value[float64] `json:"up_bps"`
	DownBps Value[float64] `json:"down_bps"`
	PingMS  Value[float64] `json:"ping_ms"`
}

// Board holds mainboard identity and host facts.
type Board struct {
	Model      Value[string]        `json:"model"`
	BIOSVendor Value[string]        `json:"bios_vendor"`
	Monitor    Value[string]        `json:"monitor"`
	Hostname   Value[string]        `json:"hostname"`
	OS         Value[string]        `json:"os"`
	Uptime     Value[time.Duration] `json:"uptime_ns"`
}

// Health is the scorer's annotation.
type Health struct {
	Score   Value[int] `json:"score"`
	Level   Level      `json:"level"`
	CPU     Value[int] `json:"cpu"`
	Memory  Value[int] `json:"memory"`
	Network Value[int] `json:"network"`
	Rating  Value[int] `json:"rating"`
}

// Level buckets the health score.
type Level string

const (
	LevelUnknown  Level = "UNKNOWN"
	LevelOK       Level = "OK"
	LevelDegraded Level = "DEGRADED"
	LevelCritical Level = "CRITICAL"
)

// Snapshot is one consistent bundle of telemetry for a tick.
type Snapshot struct {
	Seq         uint64            `json:"seq"`
	RunID       string            `json:"run_id"`
	Timestamp   time.Time         `json:"timestamp"`
	CPU         CPU               `json:"cpu"`
	Memory      Memory            `json:"memory"`
	Storage     Storage           `json:"storage"`
	Network     Network           `json:"network"`
	Board       Board             `json:"board"`
	Health      Health            `json:"health"`
	ProbeStatus map[Domain]Status `json:"probe_status"`
}

// New returns an empty snapshot for a tick. Every measurement starts unavailable.
func New(seq uint64, runID string, at time.Time) Snapshot {
	return Snapshot{
		Seq:         seq,
		RunID:       runID,
		Timestamp:   at,
		Health:      Health{Level: LevelUnknown},
		ProbeStatus: make(map[Domain]Status, len(Domains)),
	}
}

// Section is one domain's contribution to a snapshot.
type Section interface {
	Domain() Domain
	applyTo(s *Snapshot)
}

func (CPU) Domain() Domain     { return DomainCPU }
func (Memory) Domain() Domain  { return DomainMemory }
func (Storage) Domain() Domain { return DomainStorage }
func (Network) Domain() Domain { return DomainNetwork }
func (Board) Domain() Domain   { return DomainBoard }

func (c CPU) applyTo(s *Snapshot)      { s.CPU = c }
func (m Memory) applyTo(s *Snapshot)   { s.Memory = m }
func (st Storage) applyTo(s *Snapshot) { s.Storage = st }
func (n Network) applyTo(s *Snapshot)  { s.Network = n }
func (b Board) applyTo(s *Snapshot)    { s.Board = b }

// Apply writes a section into its domain slot. Nil sections are ignored.
func (s *Snapshot) Apply(section Section) {
	if section == nil {
		return
	}
	section.applyTo(s)
}

// Clone returns a deep copy so subscribers cannot observe each other's edits.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.CPU.PerCorePct.V = slices.Clone(s.CPU.PerCorePct.V)
	out.Memory.RAMModules.V = slices.Clone(s.Memory.RAMModules.V)
	out.Storage.Drives.V = slices.Clone(s.Storage.Drives.V)
	out.Storage.Partitions.V = slices.Clone(s.Storage.Partitions.V)
	out.ProbeStatus = maps.Clone(s.ProbeStatus)
	for domain, status := range out.ProbeStatus {
		status.Attempts = slices.Clone(status.Attempts)
		out.ProbeStatus[domain] = status
	}
	return out
}

// RAMUsedPct returns RAM usage in percent when total and used are known.
func (m Memory) RAMUsedPct() Value[float64] {
	total, okTotal := m.RAMTotal.Get()
	used, okUsed := m.RAMUsed.Get()
	if !okTotal || !okUsed || total == 0 {
		return Unavailable[float64]("ram usage unknown")
	}
	return Available(float64(used) / float64(total) * 100)
}

// SwapUsedPct returns swap usage in percent. Hosts without swap report unavailable.
func (m Memory) SwapUsedPct() Value[float64] {
	total, okTotal := m.SwapTotal.Get()
	used, okUsed := m.SwapUsed.Get()
	if !okTotal || !okUsed {
		return Unavailable[float64]("swap usage unknown")
	}
	if total == 0 {
		return Unavailable[float64]("no swap configured")
	}
	return Available(float64(used) / float64(total) * 100)
}
