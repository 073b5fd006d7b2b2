package chain

import (
	"context"
	"log/slog"
	"sync"
)

// Future is the outcome of an asynchronous run.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed when the run settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the outcome of the run, or ErrNotSettled while it is in flight.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return ErrNotSettled
	}
}

// Wait blocks until the run settles or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// gate settles a run exactly once from either an error or a finish signal.
type gate struct {
	mu      sync.Mutex
	settled bool
	end     End
	future  *Future
	logger  *slog.Logger
}

func (g *gate) fail(err error) {
	g.settle(err, "wchain: error after settlement")
}

func (g *gate) finish() {
	g.settle(nil, "wchain: finish after settlement")
}

func (g *gate) isSettled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.settled
}

func (g *gate) settle(err error, late string) {
	g.mu.Lock()
	if g.settled {
		g.mu.Unlock()
		if err != nil {
			g.logger.Warn(late, slog.String("error", err.Error()))
		} else {
			g.logger.Warn(late)
		}
		return
	}
	g.settled = true
	g.mu.Unlock()

	g.end(err)
	if g.future != nil {
		g.future.err = err
		close(g.future.done)
	}
}
