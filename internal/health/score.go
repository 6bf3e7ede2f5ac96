package health

import (
	"math"
	"slices"
	"strings"

	"github.com/nholik/host-sentinel/internal/snapshot"
)

// SubScore is one weighted component of the composite score.
type SubScore struct {
	Name   string
	Score  int
	Weight float64
}

// Score computes the health annotation for s. It is pure: h holds the samples
// of earlier ticks and is only read.
func Score(s snapshot.Snapshot, h *History, th Thresholds) snapshot.Health {
	history := h.Samples()

	result := snapshot.Health{
		CPU:     cpuScore(s, history, th),
		Memory:  memoryScore(s.Memory, th),
		Network: networkScore(s.Network, history, th),
		Rating:  rating(s),
		Level:   snapshot.LevelUnknown,
	}

	var subs []SubScore
	if v, ok := result.CPU.Get(); ok {
		subs = append(subs, SubScore{Name: "cpu", Score: v, Weight: th.Weights.CPU})
	}
	if v, ok := result.Memory.Get(); ok {
		subs = append(subs, SubScore{Name: "memory", Score: v, Weight: th.Weights.Memory})
	}
	if v, ok := result.Network.Get(); ok {
		subs = append(subs, SubScore{Name: "network", Score: v, Weight: th.Weights.Network})
	}

	composite, ok := Combine(subs)
	if !ok {
		result.Score = snapshot.Unavailable[int]("no sub-scores available")
		return result
	}
	result.Score = snapshot.Available(composite)
	result.Level = th.LevelFor(composite)
	return result
}

// Combine returns the weighted mean of the sub-scores, renormalised over the
// ones present. The result does not depend on the order of subs.
func Combine(subs []SubScore) (int, bool) {
	sorted := slices.Clone(subs)
	slices.SortFunc(sorted, func(a, b SubScore) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return a.Score - b.Score
	})

	var weighted, total float64
	for _, sub := range sorted {
		if sub.Weight <= 0 {
			continue
		}
		weighted += float64(clampScore(sub.Score)) * sub.Weight
		total += sub.Weight
	}
	if total == 0 {
		return 0, false
	}
	return clampScore(int(math.Round(weighted / total))), true
}

func cpuScore(s snapshot.Snapshot, history []Sample, th Thresholds) snapshot.Value[int] {
	current, ok := s.CPU.TotalPct.Get()
	if !ok {
		return snapshot.Unavailable[int]("cpu utilisation unavailable")
	}
	sum, n := current, 1.0
	for _, sample := range history {
		if v, ok := sample.CPUPct.Get(); ok {
			sum += v
			n++
		}
	}
	return snapshot.Available(linearScore(sum/n, th.CPUGoodPct, th.CPUBadPct))
}

func memoryScore(m snapshot.Memory, th Thresholds) snapshot.Value[int] {
	ram, ok := m.RAMUsedPct().Get()
	if !ok {
		return snapshot.Unavailable[int]("ram usage unavailable")
	}
	ramScore := float64(linearScore(ram, th.RAMGoodPct, th.RAMBadPct))
	swap, ok := m.SwapUsedPct().Get()
	if !ok {
		return snapshot.Available(int(math.Round(ramScore)))
	}
	swapScore := float64(linearScore(swap, th.SwapGoodPct, th.SwapBadPct))
	return snapshot.Available(clampScore(int(math.Round(0.6*ramScore + 0.4*swapScore))))
}

func networkScore(n snapshot.Network, history []Sample, th Thresholds) snapshot.Value[int] {
	ping, ok := n.PingMS.Get()
	if !ok {
		return snapshot.Unavailable[int]("latency unavailable")
	}

	score := float64(linearScore(ping, th.PingGoodMS, th.PingBadMS))
	pings := []float64{ping}
	for _, sample := range history {
		if v, ok := sample.PingMS.Get(); ok {
			pings = append(pings, v)
		}
	}
	if len(pings) >= 2 {
		jitter := float64(linearScore(stddev(pings), th.JitterGoodMS, th.JitterBadMS))
		score = 0.7*score + 0.3*jitter
	}

	current := Sample{UpBps: n.UpBps, DownBps: n.DownBps}
	if stalled(current, history) {
		score -= float64(th.StallPenalty)
	}
	return snapshot.Available(clampScore(int(math.Round(score))))
}

// stalled reports zero throughput on this and the two previous ticks after
// traffic was seen earlier in the window.
func stalled(current Sample, history []Sample) bool {
	if len(history) < 3 {
		return false
	}
	recent := history[len(history)-2:]
	if !idle(current) || !idle(recent[0]) || !idle(recent[1]) {
		return false
	}
	for _, sample := range history[:len(history)-2] {
		if busy(sample) {
			return true
		}
	}
	return false
}

func idle(s Sample) bool {
	up, okUp := s.UpBps.Get()
	down, okDown := s.DownBps.Get()
	return okUp && okDown && up == 0 && down == 0
}

func busy(s Sample) bool {
	return s.UpBps.Or(0) > 0 || s.DownBps.Or(0) > 0
}

// linearScore maps value onto 100 at or below good and 0 at or above bad.
func linearScore(value, good, bad float64) int {
	switch {
	case math.IsNaN(value):
		return 0
	case value <= good:
		return 100
	case value >= bad:
		return 0
	}
	return clampScore(int(math.Round(100 * (bad - value) / (bad - good))))
}

// stddev is the population standard deviation.
func stddev(values []float64) float64 {
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return math.Sqrt(variance / float64(len(values)))
}

func clampScore(v int) int {
	return max(0, min(100, v))
}

func rating(s snapshot.Snapshot) snapshot.Value[int] {
	cores, okCores := s.CPU.LogicalCores.Get()
	total, okTotal := s.Memory.RAMTotal.Get()
	if !okCores || !okTotal {
		return snapshot.Unavailable[int]("core count or ram total unavailable")
	}
	return snapshot.Available(PerformanceRating(cores, total))
}
