package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/wchain/internal/chain"
	"github.com/tjfontaine/wchain/internal/stream"
)

// Attribute keys set on stage spans.
const (
	AttrPipeline  = attribute.Key("wchain.pipeline")
	AttrStage     = attribute.Key("wchain.stage")
	AttrStageType = attribute.Key("wchain.stage.type")
	AttrStageName = attribute.Key("wchain.stage.name")
)

// StageInfo identifies a stage within its pipeline.
type StageInfo struct {
	Pipeline string
	Index    int
	Type     string
	// Name is the configured stage name, if any. It labels the span in
	// place of the type.
	Name string
}

func (si StageInfo) spanName() string {
	if si.Name != "" {
		return "wchain.stage " + si.Name
	}
	return "wchain.stage " + si.Type
}

// TraceStage wraps mw so that every invocation is covered by a span. The span
// starts when the stage is entered and ends when the stage reports done, or
// when it returns an error.
func TraceStage[M any](tracer trace.Tracer, info StageInfo, mw chain.Middleware[M]) chain.Middleware[M] {
	attrs := []attribute.KeyValue{
		AttrPipeline.String(info.Pipeline),
		AttrStage.Int(info.Index),
		AttrStageType.String(info.Type),
	}
	if info.Name != "" {
		attrs = append(attrs, AttrStageName.String(info.Name))
	}
	return chain.MiddlewareFunc[M](func(ctx context.Context, meta M, s *stream.Stream, next chain.Next, done chain.Done) error {
		ctx, span := tracer.Start(ctx, info.spanName(), trace.WithAttributes(attrs...))

		var once sync.Once
		finish := func(err error) {
			once.Do(func() {
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
				span.End()
			})
		}

		err := mw.Serve(ctx, meta, s, next, func(err error) {
			finish(err)
			done(err)
		})
		if err != nil {
			finish(err)
		}
		return err
	})
}
