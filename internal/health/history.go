package health

import "github.com/nholik/host-sentinel/internal/snapshot"

// DefaultHistorySize is the number of ticks the scorer remembers.
const DefaultHistorySize = 30

// Sample is the part of a snapshot the scorer needs from earlier ticks.
type Sample struct {
	CPUPct  snapshot.Value[float64]
	PingMS  snapshot.Value[float64]
	UpBps   snapshot.Value[float64]
	DownBps snapshot.Value[float64]
}

// SampleOf extracts the scoring inputs of a snapshot.
func SampleOf(s snapshot.Snapshot) Sample {
	return Sample{
		CPUPct:  s.CPU.TotalPct,
		PingMS:  s.Network.PingMS,
		UpBps:   s.Network.UpBps,
		DownBps: s.Network.DownBps,
	}
}

// History is a fixed-capacity ring of samples. It is not safe for concurrent
// use; the scorer touches it only from the scheduler goroutine.
type History struct {
	samples []Sample
	next    int
	full    bool
}

// NewHistory returns an empty ring. Capacities below one use DefaultHistorySize.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = DefaultHistorySize
	}
	return &History{samples: make([]Sample, capacity)}
}

// Push appends a sample, overwriting the oldest once full.
func (h *History) Push(s Sample) {
	h.samples[h.next] = s
	h.next = (h.next + 1) % len(h.samples)
	if h.next == 0 {
		h.full = true
	}
}

// Len returns the number of stored samples.
func (h *History) Len() int {
	if h == nil {
		return 0
	}
	if h.full {
		return len(h.samples)
	}
	return h.next
}

// Cap returns the ring capacity.
func (h *History) Cap() int {
	return len(h.samples)
}

// Samples returns the stored samples, oldest first.
func (h *History) Samples() []Sample {
	if h == nil {
		return nil
	}
	if !h.full {
		return append([]Sample(nil), h.samples[:h.next]...)
	}
	out := make([]Sample, 0, len(h.samples))
	out = append(out, h.samples[h.next:]...)
	return append(out, h.samples[:h.next]...)
}
