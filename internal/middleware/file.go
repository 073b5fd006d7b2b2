package middleware

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tjfontaine/wchain/internal/chain"
	"github.com/tjfontaine/wchain/internal/pipeline"
	"github.com/tjfontaine/wchain/internal/stream"
)

// ReadFile replaces the incoming stream with the contents of meta.Source(). It
// is done when the file has been fully read.
func ReadFile() chain.Middleware[*pipeline.Meta] {
	return chain.MiddlewareFunc[*pipeline.Meta](func(ctx context.Context, meta *pipeline.Meta, _ *stream.Stream, next chain.Next, done chain.Done) error {
		path := meta.Source()
		if path == "" {
			return errors.New("read_file: no source path")
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("read_file: %w", err)
		}

		s := stream.FromReader(f)
		doneWhenFinished(s, done)
		return next(ctx, s)
	})
}

// WriteFile copies the stream to meta.Destination(), creating parent
// directories, and passes the same stream on. It is done once the file is
// written and closed.
func WriteFile() chain.Middleware[*pipeline.Meta] {
	return chain.MiddlewareFunc[*pipeline.Meta](func(ctx context.Context, meta *pipeline.Meta, s *stream.Stream, next chain.Next, done chain.Done) error {
		if s == nil {
			return noInput("write_file")
		}
		path := meta.Destination()
		if path == "" {
			return errors.New("write_file: no destination path")
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("write_file: %w", err)
			}
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("write_file: %w", err)
		}

		w := &errWriter{w: f}
		s.Tap(w)
		go func() {
			<-s.Done()
			closeErr := f.Close()
			switch {
			case s.Err() != nil:
				done(s.Err())
			case w.err != nil:
				done(fmt.Errorf("write_file: %w", w.err))
			case closeErr != nil:
				done(fmt.Errorf("write_file: %w", closeErr))
			default:
				done(nil)
			}
		}()
		return next(ctx, s)
	})
}
