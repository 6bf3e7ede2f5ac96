package snapshot

import "github.com/nholik/host-sentinel/internal/probe"

// StatusFrom derives a domain status from its primary chain and any secondary
// chains (temperature, identity, modules). The primary chain decides whether
// the domain is available. A secondary chain degrades it when it fails for a
// reason other than the host lacking the source.
func StatusFrom(primary probe.Summary, secondary ...probe.Summary) Status {
	attempts := append([]probe.Attempt(nil), primary.Attempts...)
	for _, summary := range secondary {
		attempts = append(attempts, summary.Attempts...)
	}

	if !primary.OK {
		return Status{
			State:      StateUnavailable,
			StageIndex: -1,
			Reason:     primary.Reason,
			Attempts:   attempts,
		}
	}

	degraded := primary.Degraded
	for _, summary := range secondary {
		if summary.Degraded || (!summary.OK && !hostFactsOnly(summary.Attempts)) {
			degraded = true
		}
	}

	state := StateOK
	if degraded {
		state = StateDegraded
	}
	return Status{
		State:      state,
		Stage:      primary.Stage,
		StageIndex: primary.StageIndex,
		Degraded:   degraded,
		Attempts:   attempts,
	}
}

// TimeoutStatus marks a domain that missed the tick deadline.
func TimeoutStatus(reason string) Status {
	return Status{State: StateTimeout, StageIndex: -1, Reason: reason}
}

// SkippedStatus marks a domain whose previous run is still in flight.
func SkippedStatus(reason string) Status {
	return Status{State: StateSkipped, StageIndex: -1, Reason: reason}
}

func hostFactsOnly(attempts []probe.Attempt) bool {
	for _, attempt := range attempts {
		if attempt.Degrades() {
			return false
		}
	}
	return true
}
