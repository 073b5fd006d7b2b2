package chain

import (
	"context"

	"github.com/tjfontaine/wchain/internal/stream"
)

// Next invokes the following stage with the stream it should consume.
type Next func(ctx context.Context, s *stream.Stream) error

// Done reports that a stage has finished. A non-nil err reports an asynchronous
// failure of the stage instead.
type Done func(err error)

// End is called once when a run settles, with nil on completion.
type End func(err error)

// Middleware is a single stage of a chain.
type Middleware[M any] interface {
	Serve(ctx context.Context, meta M, s *stream.Stream, next Next, done Done) error
}

// MiddlewareFunc adapts a function to the Middleware interface.
type MiddlewareFunc[M any] func(ctx context.Context, meta M, s *stream.Stream, next Next, done Done) error

// Serve calls f.
func (f MiddlewareFunc[M]) Serve(ctx context.Context, meta M, s *stream.Stream, next Next, done Done) error {
	return f(ctx, meta, s, next, done)
}

func noopNext(context.Context, *stream.Stream) error { return nil }

func noopEnd(error) {}
