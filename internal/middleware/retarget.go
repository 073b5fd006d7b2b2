package middleware

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/tjfontaine/wchain/internal/chain"
	"github.com/tjfontaine/wchain/internal/pipeline"
	"github.com/tjfontaine/wchain/internal/stream"
)

// RetargetConfig describes how the destination path is rewritten. Path, when
// set, replaces the destination. Otherwise Dir and Suffix are applied to the
// current destination, or to the source when there is none.
type RetargetConfig struct {
	Path   string
	Dir    string
	Suffix string
}

// Retarget rewrites the run's destination for the stages that follow and
// passes the stream on untouched.
func Retarget(cfg RetargetConfig) chain.Middleware[*pipeline.Meta] {
	return chain.MiddlewareFunc[*pipeline.Meta](func(ctx context.Context, meta *pipeline.Meta, s *stream.Stream, next chain.Next, done chain.Done) error {
		meta.SetDestination(cfg.apply(meta.Destination(), meta.Source()))
		if err := next(ctx, s); err != nil {
			return err
		}
		done(nil)
		return nil
	})
}

func (c RetargetConfig) apply(dest, source string) string {
	if c.Path != "" {
		return c.Path
	}
	base := dest
	if base == "" {
		base = source
	}
	if c.Dir != "" {
		base = filepath.Join(c.Dir, filepath.Base(base))
	}
	if c.Suffix != "" && !strings.HasSuffix(base, c.Suffix) {
		base += c.Suffix
	}
	return base
}
