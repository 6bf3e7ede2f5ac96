package publish

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nholik/host-sentinel/internal/snapshot"
)

func TestDrain_ContinuesPastErrors(t *testing.T) {
	p := New()
	sub := p.Subscribe(4)
	p.Publish(snap(1))
	p.Publish(snap(2))
	p.Publish(snap(3))
	p.Close()

	var seen []uint64
	failures := Drain(context.Background(), zerolog.Nop(), sub, "test", func(_ context.Context, s snapshot.Snapshot) error {
		seen = append(seen, s.Seq)
		if s.Seq == 2 {
			return errors.New("write failed")
		}
		return nil
	})

	if len(seen) != 3 {
		t.Fatalf("expected all snapshots consumed, got %v", seen)
	}
	if failures != 1 {
		t.Fatalf("expected 1 failure, got %d", failures)
	}
}

func TestRuntimeError_Unwraps(t *testing.T) {
	base := errors.New("boom")
	err := wrapRuntime("export", 9, base)

	var runtimeErr *RuntimeError
	if !errors.As(err, &runtimeErr) || runtimeErr.Seq != 9 || runtimeErr.Op != "export" {
		t.Fatalf("expected RuntimeError, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error")
	}
	if wrapRuntime("export", 1, nil) != nil {
		t.Fatalf("nil error must stay nil")
	}
}
