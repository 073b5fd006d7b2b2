package chain

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tjfontaine/wchain/internal/stream"
)

// Chain is an ordered, append-only list of middlewares.
type Chain[M any] struct {
	cfg config

	mu      sync.Mutex
	mws     []Middleware[M]
	version uint64
	cache   *built[M]
}

// Ensure Chain can be used as a stage of another chain.
var _ Middleware[any] = (*Chain[any])(nil)

// New creates an empty chain. The options are copied; later changes to values
// passed in do not affect the chain.
func New[M any](opts ...Option) *Chain[M] {
	cfg := parseConfig(opts)
	if cfg.name != "" {
		cfg.logger = cfg.logger.With(slog.String("chain", cfg.name))
	}
	return &Chain[M]{cfg: cfg}
}

// Use appends middlewares. They run after every middleware registered before.
func (c *Chain[M]) Use(mws ...Middleware[M]) *Chain[M] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mws = append(c.mws, mws...)
	c.version++
	return c
}

// UseFunc appends plain functions as middlewares.
func (c *Chain[M]) UseFunc(fns ...MiddlewareFunc[M]) *Chain[M] {
	mws := make([]Middleware[M], len(fns))
	for i, fn := range fns {
		mws[i] = fn
	}
	return c.Use(mws...)
}

// Len returns the number of registered middlewares.
func (c *Chain[M]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mws)
}

// Options returns the chain's option snapshot.
func (c *Chain[M]) Options() Options {
	return c.cfg.Options
}

// Name returns the name given with WithName.
func (c *Chain[M]) Name() string {
	return c.cfg.name
}

// compose returns the step array for the current version, rebuilding it if stale.
func (c *Chain[M]) compose() []step[M] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache == nil || c.cache.version != c.version {
		mws := append([]Middleware[M](nil), c.mws...)
		c.cache = &built[M]{
			version: c.version,
			steps:   build(mws, c.cfg),
		}
	}
	return c.cache.steps
}

// Run executes the chain once with meta and the initial stream s, which may be nil.
// next receives the stream emerging from the last stage and end is called when the
// run settles; both may be nil.
//
// In synchronous mode Run returns a nil Future and the error returned by the call
// chain. In asynchronous mode the error is always nil and the Future reports the
// outcome.
func (c *Chain[M]) Run(ctx context.Context, meta M, s *stream.Stream, next Next, end End) (*Future, error) {
	steps := c.compose()
	n := len(steps) - 1

	if next == nil {
		next = noopNext
	}
	if end == nil {
		end = noopEnd
	}

	r := &run[M]{
		meta:   meta,
		next:   next,
		logger: c.cfg.logger,
	}
	r.gate = &gate{end: end, logger: c.cfg.logger}
	if c.cfg.AsyncMeta {
		r.gate.future = newFuture()
	}
	r.tracker = newTracker(n, r.gate.finish)

	err := steps[0](r, ctx, s)

	// Without stages nothing ever reports done; the run is complete once the
	// terminal continuation has returned.
	if n == 0 && err == nil && !r.gate.isSettled() {
		r.gate.finish()
	}

	if c.cfg.AsyncMeta {
		return r.gate.future, nil
	}
	return nil, err
}

// Serve runs the chain as a stage of an enclosing chain. The enclosing stage is
// done when this chain's run settles.
func (c *Chain[M]) Serve(ctx context.Context, meta M, s *stream.Stream, next Next, done Done) error {
	_, err := c.Run(ctx, meta, s, next, End(done))
	return err
}
