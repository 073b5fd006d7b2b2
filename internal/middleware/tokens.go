package middleware

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tjfontaine/wchain/internal/chain"
	"github.com/tjfontaine/wchain/internal/pipeline"
	"github.com/tjfontaine/wchain/internal/stream"
	"github.com/tjfontaine/wchain/internal/tokens"
)

// DefaultTokenModel is used when the tokens stage names no model.
const DefaultTokenModel = "gpt-4o"

// tokenFlushSize is the buffered text size above which counting proceeds up to
// the last complete line.
const tokenFlushSize = 256 * 1024

// Tokens counts the tiktoken tokens of the text stream as it passes and adds
// the count to the run metadata.
func Tokens(counter *tokens.Counter, model string) chain.Middleware[*pipeline.Meta] {
	if model == "" {
		model = DefaultTokenModel
	}
	return chain.MiddlewareFunc[*pipeline.Meta](func(ctx context.Context, meta *pipeline.Meta, s *stream.Stream, next chain.Next, done chain.Done) error {
		if s == nil {
			return noInput("tokens")
		}
		tw := &tokenWriter{counter: counter, model: model}
		s.Tap(tw)
		go func() {
			<-s.Done()
			if err := s.Err(); err != nil {
				done(err)
				return
			}
			n, err := tw.finish()
			if err != nil {
				done(fmt.Errorf("tokens: %w", err))
				return
			}
			meta.AddTokens(n)
			done(nil)
		}()
		return next(ctx, s)
	})
}

type tokenWriter struct {
	counter *tokens.Counter
	model   string
	buf     []byte
	total   int
}

func (t *tokenWriter) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) < tokenFlushSize {
		return len(p), nil
	}
	cut := bytes.LastIndexByte(t.buf, '\n')
	if cut < 0 {
		return len(p), nil
	}
	n, err := t.counter.Count(t.model, string(t.buf[:cut+1]))
	if err != nil {
		return 0, err
	}
	t.total += n
	t.buf = append(t.buf[:0], t.buf[cut+1:]...)
	return len(p), nil
}

func (t *tokenWriter) finish() (int, error) {
	if len(t.buf) > 0 {
		n, err := t.counter.Count(t.model, string(t.buf))
		if err != nil {
			return 0, err
		}
		t.total += n
		t.buf = nil
	}
	return t.total, nil
}
