package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Chain runs ordered stages until one produces a meaningful value.
//
// A Chain is safe for concurrent use, but callers normally run it from a single
// worker. Stages that report NotSupported or PermissionUnavailable are disabled
// for the life of the chain; stages whose previous invocation has not returned
// yet are skipped rather than started a second time.
type Chain[T any] struct {
	name    string
	stages  []Stage[T]
	running []atomic.Bool

	mu       sync.Mutex
	disabled map[int]Attempt
}

// NewChain builds a chain from stages ordered cheapest first.
func NewChain[T any](name string, stages ...Stage[T]) *Chain[T] {
	return &Chain[T]{
		name:     name,
		stages:   stages,
		running:  make([]atomic.Bool, len(stages)),
		disabled: make(map[int]Attempt),
	}
}

// Execute runs stages once on a throwaway chain.
func Execute[T any](ctx context.Context, name string, stages ...Stage[T]) Outcome[T] {
	return NewChain(name, stages...).Run(ctx)
}

// Name returns the chain name used in attempts.
func (c *Chain[T]) Name() string {
	return c.name
}

// Run executes the stages in order and stops at the first accepted value.
func (c *Chain[T]) Run(ctx context.Context) Outcome[T] {
	out := Outcome[T]{StageIndex: -1}

	for i := range c.stages {
		stage := c.stages[i]

		if err := ctx.Err(); err != nil {
			out.Attempts = append(out.Attempts, c.skipped(i, KindTimeout, err.Error()))
			continue
		}
		if previous, off := c.disabledAttempt(i); off {
			out.Attempts = append(out.Attempts, c.skipped(i, previous.Kind, previous.Error))
			continue
		}
		if !c.running[i].CompareAndSwap(false, true) {
			out.Attempts = append(out.Attempts, c.skipped(i, KindTransientFailure, "previous invocation still running"))
			continue
		}

		value, attempt, partial := c.runStage(ctx, i, stage)
		out.Attempts = append(out.Attempts, attempt)

		if !attempt.Failed() {
			out.OK = true
			out.Value = value
			out.StageIndex = i
			out.Stage = stage.Name
			out.Degraded = partial || degradedBefore(out.Attempts[:len(out.Attempts)-1])
			return out
		}

		if attempt.Kind.Sticky() {
			c.disable(i, attempt)
		}
		if stage.Exhaust {
			break
		}
	}

	return out
}

func (c *Chain[T]) runStage(ctx context.Context, index int, stage Stage[T]) (T, Attempt, bool) {
	var zero T

	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	// Buffered so an abandoned stage can still deliver and exit.
	done := make(chan result, 1)
	start := time.Now()

	go func() {
		defer c.running[index].Store(false)
		defer func() {
			if r := recover(); r != nil {
				done <- result{value: zero, err: Transient("stage panicked: %v", r)}
			}
		}()
		value, err := stage.Run(stageCtx)
		done <- result{value: value, err: err}
	}()

	attempt := Attempt{Chain: c.name, Stage: stage.Name, Index: index}

	select {
	case r := <-done:
		attempt.Elapsed = time.Since(start)
		value, err, partial := accept(stage, r.value, r.err)
		if err != nil {
			attempt.Kind = Classify(err)
			attempt.Error = err.Error()
			attempt.Expected = errors.Is(err, ErrWarmingUp)
			return zero, attempt, false
		}
		if partial != nil {
			attempt.Error = partial.Error()
		}
		return value, attempt, partial != nil
	case <-stageCtx.Done():
		attempt.Elapsed = time.Since(start)
		attempt.Kind = KindTimeout
		attempt.Error = fmt.Sprintf("no result within %s", timeout)
		return zero, attempt, false
	}
}

// accept applies the partial-success rule and the plausibility predicate.
func accept[T any](stage Stage[T], value T, err error) (T, error, error) {
	var partial error
	if err != nil {
		if !stage.Partial || !errors.Is(err, ErrPartial) {
			return value, err, nil
		}
		partial = err
	}
	if stage.Accept != nil {
		if rejected := stage.Accept(value); rejected != nil {
			if !errors.Is(rejected, ErrImplausible) {
				rejected = fmt.Errorf("%w: %v", ErrImplausible, rejected)
			}
			return value, rejected, nil
		}
	}
	return value, nil, partial
}

func (c *Chain[T]) skipped(index int, kind ErrorKind, message string) Attempt {
	return Attempt{
		Chain:   c.name,
		Stage:   c.stages[index].Name,
		Index:   index,
		Kind:    kind,
		Error:   message,
		Skipped: true,
	}
}

func (c *Chain[T]) disable(index int, attempt Attempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled[index] = attempt
}

func (c *Chain[T]) disabledAttempt(index int) (Attempt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	attempt, ok := c.disabled[index]
	return attempt, ok
}

// degradedBefore reports whether an earlier stage failed for a reason that is
// not simply a fact about the host or an expected warm-up miss.
func degradedBefore(attempts []Attempt) bool {
	for _, attempt := range attempts {
		if attempt.Degrades() {
			return true
		}
	}
	return false
}

// Memo runs a chain until it first succeeds and then serves the cached value.
// It suits static identity such as CPU model or board name.
type Memo[T any] struct {
	chain *Chain[T]

	mu      sync.Mutex
	outcome *Outcome[T]
}

// NewMemo wraps a chain.
func NewMemo[T any](chain *Chain[T]) *Memo[T] {
	return &Memo[T]{chain: chain}
}

// Run returns the cached outcome or runs the chain.
func (m *Memo[T]) Run(ctx context.Context) Outcome[T] {
	m.mu.Lock()
	if m.outcome != nil {
		cached := *m.outcome
		m.mu.Unlock()
		cached.Cached = true
		cached.Degraded = false
		cached.Attempts = nil
		return cached
	}
	m.mu.Unlock()

	out := m.chain.Run(ctx)
	if out.OK {
		m.mu.Lock()
		stored := out
		m.outcome = &stored
		m.mu.Unlock()
	}
	return out
}
