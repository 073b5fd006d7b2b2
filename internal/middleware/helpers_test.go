package middleware

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/wchain/internal/chain"
	"github.com/tjfontaine/wchain/internal/pipeline"
	"github.com/tjfontaine/wchain/internal/stream"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// runStages runs stages as an async chain over input and returns what reached
// the end of the chain.
func runStages(t *testing.T, meta *pipeline.Meta, input string, stages ...chain.Middleware[*pipeline.Meta]) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var in *stream.Stream
	if input != "" {
		in = stream.FromReader(strings.NewReader(input))
	}

	out := &lockedBuffer{}
	tails := make(chan *stream.Stream, 1)
	c := chain.New[*pipeline.Meta](chain.WithAsync(true)).Use(stages...)
	f, _ := c.Run(ctx, meta, in, func(_ context.Context, s *stream.Stream) error {
		if s != nil {
			s.Pipe(out)
		}
		tails <- s
		return nil
	}, nil)

	runErr := f.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatal("chain did not settle")
	}

	select {
	case s := <-tails:
		if s != nil {
			select {
			case <-s.Done():
			case <-ctx.Done():
				t.Fatal("output stream did not finish")
			}
		}
	default:
		if runErr == nil {
			t.Fatal("chain settled without reaching its end")
		}
	}
	return out.String(), runErr
}

func newMeta() *pipeline.Meta {
	return pipeline.NewMeta("run-test", "test")
}
