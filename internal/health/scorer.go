package health

import "github.com/nholik/host-sentinel/internal/snapshot"

// Scorer annotates snapshots and owns the rolling history.
type Scorer struct {
	thresholds Thresholds
	history    *History
}

// NewScorer returns a scorer with an empty history of the given size.
func NewScorer(thresholds Thresholds, historySize int) *Scorer {
	return &Scorer{thresholds: thresholds, history: NewHistory(historySize)}
}

// Annotate scores s against earlier ticks and then records it.
// Call it only from the scheduler goroutine.
func (s *Scorer) Annotate(snap *snapshot.Snapshot) {
	snap.Health = Score(*snap, s.history, s.thresholds)
	s.history.Push(SampleOf(*snap))
}

// Thresholds returns the scoring configuration.
func (s *Scorer) Thresholds() Thresholds {
	return s.thresholds
}
