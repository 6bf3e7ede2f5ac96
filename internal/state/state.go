package state

import (
	"context"
	"maps"
	"sync"
	"time"
)

// ComponentSnapshot captures the persisted status of one alerting component:
// the composite health level or one domain's availability.
type ComponentSnapshot struct {
	Status             string   `json:"status"`
	LastNotifiedStatus string   `json:"last_notified_status,omitempty"`
	Reasons            []string `json:"reasons,omitempty"`
}

// HostSnapshot captures the persisted alerting state for a host.
type HostSnapshot struct {
	RunID       string                       `json:"run_id"`
	Seq         uint64                       `json:"seq"`
	Score       *int                         `json:"score,omitempty"`
	Components  map[string]ComponentSnapshot `json:"components"`
	EvaluatedAt time.Time                    `json:"evaluated_at"`
}

// CarryForward copies components that prev knows about and h does not. A
// component is absent when it could not be judged this tick, such as a domain
// that timed out.
func (h *HostSnapshot) CarryForward(prev *HostSnapshot) {
	if prev == nil {
		return
	}
	if h.Components == nil {
		h.Components = make(map[string]ComponentSnapshot, len(prev.Components))
	}
	for name, component := range prev.Components {
		if _, ok := h.Components[name]; !ok {
			h.Components[name] = component
		}
	}
}

// State stores snapshots for all hosts.
type State struct {
	Hosts map[string]HostSnapshot `json:"hosts"`
}

// Store defines the interface for persisting state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}

// MemoryStore keeps state for the life of the process. It is used when no
// state file is configured.
type MemoryStore struct {
	mu    sync.Mutex
	state State
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: State{Hosts: map[string]HostSnapshot{}}}
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Hosts: maps.Clone(s.state.Hosts)}, nil
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, state State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = State{Hosts: maps.Clone(state.Hosts)}
	if s.state.Hosts == nil {
		s.state.Hosts = map[string]HostSnapshot{}
	}
	return nil
}
