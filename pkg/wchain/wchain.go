// Package wchain provides the public API for embedding streaming middleware
// chains. This is the stable API for external consumers.
//
//	c := wchain.New[*MyMeta](wchain.WithAsync(true))
//	c.UseFunc(func(ctx context.Context, m *MyMeta, s *wchain.Stream, next wchain.Next, done wchain.Done) error {
//	    // transform s, then hand the result on
//	    return next(ctx, s)
//	})
//	f, _ := c.Run(ctx, meta, wchain.FromReader(r), nil, nil)
//	err := f.Wait(ctx)
package wchain

import (
	"io"

	"github.com/tjfontaine/wchain/internal/chain"
	"github.com/tjfontaine/wchain/internal/stream"
)

// Chain is an ordered, nestable list of stages. See internal/chain.Chain.
type Chain[M any] = chain.Chain[M]

// Middleware is a single stage of a chain.
type Middleware[M any] = chain.Middleware[M]

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc[M any] = chain.MiddlewareFunc[M]

// Stage callbacks.
type (
	Next = chain.Next
	Done = chain.Done
	End  = chain.End
)

// Future reports the outcome of an asynchronous run.
type Future = chain.Future

// RecoveryError wraps a panic raised by a stage.
type RecoveryError = chain.RecoveryError

// Options and Option configure a chain.
type (
	Options = chain.Options
	Option  = chain.Option
)

// Stream is the push-based byte stream passed between stages.
type Stream = stream.Stream

// New creates an empty chain.
func New[M any](opts ...Option) *Chain[M] {
	return chain.New[M](opts...)
}

// Chain options
var (
	DefaultOptions   = chain.DefaultOptions
	WithOptions      = chain.WithOptions
	WithPauseAtBegin = chain.WithPauseAtBegin
	WithAsync        = chain.WithAsync
	WithName         = chain.WithName
	WithLogger       = chain.WithLogger
)

// NewStream returns an empty writable stream.
func NewStream() *Stream {
	return stream.New()
}

// FromReader returns a stream fed from r.
func FromReader(r io.Reader) *Stream {
	return stream.FromReader(r)
}

// NewRelay returns a held relay of src. See internal/stream.NewRelay.
func NewRelay(src *Stream) *Stream {
	return stream.NewRelay(src)
}
