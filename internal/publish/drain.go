package publish

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/nholik/host-sentinel/internal/snapshot"
)

// Drain feeds every snapshot from sub to fn until ctx ends or the
// subscription closes. Errors from fn are logged as RuntimeErrors and do not
// stop the loop. It returns the number of failed calls.
func Drain(ctx context.Context, logger zerolog.Logger, sub *Subscription, op string, fn func(context.Context, snapshot.Snapshot) error) int {
	failures := 0
	for snap := range sub.All(ctx) {
		if err := wrapRuntime(op, snap.Seq, fn(ctx, snap)); err != nil {
			failures++
			logger.Error().Err(err).Str("op", op).Uint64("seq", snap.Seq).Msg("snapshot consumer failed")
		}
	}
	return failures
}
