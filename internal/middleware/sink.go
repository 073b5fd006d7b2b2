package middleware

import (
	"errors"
	"fmt"
	"io"

	"github.com/tjfontaine/wchain/internal/chain"
	"github.com/tjfontaine/wchain/internal/stream"
)

// sink is a writer that can be finished cleanly or with an error. A
// *stream.Stream is a sink, and every transforming writer in this package
// forwards to one.
type sink interface {
	io.Writer
	Close() error
	CloseWithError(err error) error
}

var _ sink = (*stream.Stream)(nil)

// ErrNoInput is returned by stages that need an upstream stream but got none.
var ErrNoInput = errors.New("stage requires an input stream")

func noInput(stage string) error {
	return fmt.Errorf("%s: %w", stage, ErrNoInput)
}

// doneWhenFinished reports done once s has ended, with the error s ended with.
func doneWhenFinished(s *stream.Stream, done chain.Done) {
	go func() {
		<-s.Done()
		done(s.Err())
	}()
}

// errWriter keeps the first error returned by w. A stream silently stops
// delivering to a tapped consumer that fails.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err != nil && e.err == nil {
		e.err = err
	}
	return n, err
}
