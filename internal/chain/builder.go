package chain

import (
	"context"
	"log/slog"

	"github.com/tjfontaine/wchain/internal/stream"
)

// step is one composed stage. Steps are built once per chain version and shared by
// every run; the per-run state travels in r.
type step[M any] func(r *run[M], ctx context.Context, s *stream.Stream) error

type built[M any] struct {
	version uint64
	steps   []step[M]
}

// run is the mutable state of a single execution.
type run[M any] struct {
	meta    M
	next    Next
	tracker *tracker
	gate    *gate
	logger  *slog.Logger
}

func (r *run[M]) done(i int) Done {
	return func(err error) {
		if err != nil {
			r.gate.fail(err)
			return
		}
		if !r.tracker.report(i) {
			r.logger.Debug("wchain: duplicate done", slog.Int("stage", i))
		}
	}
}

// build composes mws into steps[0..len(mws)]; the last step calls the run's
// terminal continuation.
func build[M any](mws []Middleware[M], cfg config) []step[M] {
	n := len(mws)
	steps := make([]step[M], n+1)

	if cfg.AsyncMeta {
		steps[n] = func(r *run[M], ctx context.Context, s *stream.Stream) error {
			if err := capture(func() error { return r.next(ctx, s) }); err != nil {
				r.gate.fail(err)
			}
			return nil
		}
	} else {
		steps[n] = func(r *run[M], ctx context.Context, s *stream.Stream) error {
			return r.next(ctx, s)
		}
	}

	for i := n - 1; i >= 0; i-- {
		i, mw := i, mws[i]
		steps[i] = func(r *run[M], ctx context.Context, s *stream.Stream) error {
			if cfg.PauseAtBegin && s != nil {
				relay := stream.NewRelay(s)
				defer relay.Release()
				s = relay
			}

			next := func(ctx context.Context, s *stream.Stream) error {
				return steps[i+1](r, ctx, s)
			}

			if !cfg.AsyncMeta {
				return mw.Serve(ctx, r.meta, s, next, r.done(i))
			}

			err := capture(func() error {
				return mw.Serve(ctx, r.meta, s, next, r.done(i))
			})
			if err != nil {
				r.gate.fail(err)
			}
			return nil
		}
	}

	return steps
}
