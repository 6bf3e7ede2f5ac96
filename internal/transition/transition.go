package transition

import (
	"fmt"
	"sort"
	"time"

	"github.com/nholik/host-sentinel/internal/health"
	"github.com/nholik/host-sentinel/internal/snapshot"
	"github.com/nholik/host-sentinel/internal/state"
)

// ComponentHealth names the composite health level component. Every other
// component is a snapshot domain.
const ComponentHealth = "health"

// Domain availability statuses.
const (
	StatusAvailable   = "AVAILABLE"
	StatusUnavailable = "UNAVAILABLE"
)

// Change captures a status transition of one component with details.
type Change struct {
	Component      string   `json:"component"`
	PreviousStatus string   `json:"previous_status"`
	CurrentStatus  string   `json:"current_status"`
	Reasons        []string `json:"reasons,omitempty"`
}

// Recovery reports whether the change returns the component to a good status.
func (c Change) Recovery() bool {
	return c.CurrentStatus == string(snapshot.LevelOK) || c.CurrentStatus == StatusAvailable
}

// Event is one batch of changes for a host, as handed to notifiers.
type Event struct {
	Host        string    `json:"host"`
	RunID       string    `json:"run_id"`
	Seq         uint64    `json:"seq"`
	Score       *int      `json:"score,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
	Changes     []Change  `json:"changes"`
}

// Observe reduces a snapshot to its alerting components. Components that
// cannot be judged this tick are left out: an UNKNOWN health level, and domains
// that timed out or were skipped.
func Observe(s snapshot.Snapshot) state.HostSnapshot {
	host := state.HostSnapshot{
		RunID:       s.RunID,
		Seq:         s.Seq,
		Components:  make(map[string]state.ComponentSnapshot, len(snapshot.Domains)+1),
		EvaluatedAt: s.Timestamp,
	}
	if score, ok := s.Health.Score.Get(); ok {
		host.Score = &score
	}

	if s.Health.Level != snapshot.LevelUnknown && s.Health.Level != "" {
		host.Components[ComponentHealth] = state.ComponentSnapshot{
			Status:  string(s.Health.Level),
			Reasons: healthReasons(s),
		}
	}

	for _, domain := range snapshot.Domains {
		status, ok := s.ProbeStatus[domain]
		if !ok {
			continue
		}
		switch status.State {
		case snapshot.StateOK, snapshot.StateDegraded:
			host.Components[string(domain)] = state.ComponentSnapshot{Status: StatusAvailable}
		case snapshot.StateUnavailable:
			component := state.ComponentSnapshot{Status: StatusUnavailable}
			if status.Reason != "" {
				component.Reasons = []string{status.Reason}
			}
			host.Components[string(domain)] = component
		}
	}
	return host
}

func healthReasons(s snapshot.Snapshot) []string {
	reasons := make([]string, 0, 4)
	if score, ok := s.Health.Score.Get(); ok {
		reasons = append(reasons, fmt.Sprintf("score %d", score))
	}
	if pct, ok := s.CPU.TotalPct.Get(); ok {
		reasons = append(reasons, fmt.Sprintf("cpu %.0f%% (%s)", pct, health.UsageBand(pct)))
	}
	if pct, ok := s.Memory.RAMUsedPct().Get(); ok {
		reasons = append(reasons, fmt.Sprintf("memory %.0f%% (%s)", pct, health.UsageBand(pct)))
	}
	if ms, ok := s.Network.PingMS.Get(); ok {
		reasons = append(reasons, fmt.Sprintf("ping %.0fms", ms))
	}
	return reasons
}

// Detect compares the previous host snapshot with the current one and emits
// transitions. A component is compared against the status that was last
// notified, so a failed delivery is retried on the next tick.
func Detect(prev *state.HostSnapshot, current state.HostSnapshot) []Change {
	prevComponents := map[string]state.ComponentSnapshot{}
	if prev != nil && prev.Components != nil {
		prevComponents = prev.Components
	}
	firstRun := len(prevComponents) == 0

	changes := make([]Change, 0)
	for name, component := range current.Components {
		prevComponent, hadPrev := prevComponents[name]
		prevStatus := prevComponent.Status
		if prevComponent.LastNotifiedStatus != "" {
			prevStatus = prevComponent.LastNotifiedStatus
		}

		good := isGood(component.Status)
		if firstRun || !hadPrev {
			if good {
				continue
			}
		} else if prevStatus == component.Status {
			continue
		}

		changes = append(changes, Change{
			Component:      name,
			PreviousStatus: prevStatus,
			CurrentStatus:  component.Status,
			Reasons:        append([]string(nil), component.Reasons...),
		})
	}

	// Health first, then domains by name.
	sort.Slice(changes, func(i, j int) bool {
		if (changes[i].Component == ComponentHealth) != (changes[j].Component == ComponentHealth) {
			return changes[i].Component == ComponentHealth
		}
		return changes[i].Component < changes[j].Component
	})

	return changes
}

// MarkNotified records every component's status as delivered.
func MarkNotified(host *state.HostSnapshot) {
	for name, component := range host.Components {
		component.LastNotifiedStatus = component.Status
		host.Components[name] = component
	}
}

// KeepNotified copies the last delivered statuses from prev so undelivered
// changes are detected again. Bad components that prev never saw are marked
// UNKNOWN for the same reason.
func KeepNotified(host *state.HostSnapshot, prev *state.HostSnapshot) {
	for name, component := range host.Components {
		var old state.ComponentSnapshot
		var ok bool
		if prev != nil {
			old, ok = prev.Components[name]
		}
		switch {
		case ok && old.LastNotifiedStatus != "":
			component.LastNotifiedStatus = old.LastNotifiedStatus
		case ok:
			component.LastNotifiedStatus = old.Status
		case !isGood(component.Status):
			component.LastNotifiedStatus = string(snapshot.LevelUnknown)
		}
		host.Components[name] = component
	}
}

func isGood(status string) bool {
	return status == string(snapshot.LevelOK) || status == StatusAvailable
}
