package probe

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultStageTimeout bounds stages that do not declare their own budget.
const DefaultStageTimeout = time.Second

// Stage is one acquisition strategy for a telemetry value.
type Stage[T any] struct {
	// Name identifies the stage in probe status and metrics.
	Name string
	// Timeout bounds a single invocation. Zero means DefaultStageTimeout.
	Timeout time.Duration
	// Run acquires the value. It should honour ctx but is not required to.
	Run func(ctx context.Context) (T, error)
	// Accept is the meaningful-success predicate. Nil accepts every value.
	Accept func(T) error
	// Partial stages may return a usable value together with ErrPartial.
	Partial bool
	// Exhaust stops the chain for the current run when this stage fails.
	Exhaust bool
}

// Attempt records one stage invocation, or a skipped one.
type Attempt struct {
	Chain   string        `json:"chain"`
	Stage   string        `json:"stage"`
	Index   int           `json:"index"`
	Kind    ErrorKind     `json:"kind,omitempty"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns"`
	Skipped bool          `json:"skipped,omitempty"`
	// Expected failures, such as a stage still warming up, do not degrade.
	Expected bool `json:"expected,omitempty"`
}

// Failed reports whether the attempt did not produce the chain's value.
func (a Attempt) Failed() bool {
	return a.Kind != KindNone
}

// Degrades reports whether the failure says something about the moment rather
// than the host, and is not an expected miss.
func (a Attempt) Degrades() bool {
	return a.Failed() && !a.Kind.Sticky() && !a.Expected
}

// Outcome is the result of running a chain. It is always a value, never a panic.
type Outcome[T any] struct {
	OK         bool
	Value      T
	StageIndex int
	Stage      string
	Degraded   bool
	Cached     bool
	Attempts   []Attempt
}

// Kinds lists the error kinds of every failed attempt, in stage order.
func (o Outcome[T]) Kinds() []ErrorKind {
	kinds := make([]ErrorKind, 0, len(o.Attempts))
	for _, attempt := range o.Attempts {
		if attempt.Failed() {
			kinds = append(kinds, attempt.Kind)
		}
	}
	return kinds
}

// Summary is the type-erased part of an Outcome.
type Summary struct {
	OK         bool
	Stage      string
	StageIndex int
	Degraded   bool
	Cached     bool
	Reason     string
	Attempts   []Attempt
}

// Summary drops the value so outcomes of different types can be combined.
func (o Outcome[T]) Summary() Summary {
	return Summary{
		OK:         o.OK,
		Stage:      o.Stage,
		StageIndex: o.StageIndex,
		Degraded:   o.Degraded,
		Cached:     o.Cached,
		Reason:     o.Reason(),
		Attempts:   o.Attempts,
	}
}

// Reason summarises why the chain produced no value.
func (o Outcome[T]) Reason() string {
	if o.OK {
		return ""
	}
	if len(o.Attempts) == 0 {
		return "no stages"
	}
	parts := make([]string, 0, len(o.Attempts))
	for _, attempt := range o.Attempts {
		parts = append(parts, fmt.Sprintf("%s=%s", attempt.Stage, attempt.Kind))
	}
	return "all stages failed: " + strings.Join(parts, ", ")
}
