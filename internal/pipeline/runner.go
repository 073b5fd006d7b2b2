package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tjfontaine/wchain/internal/storage"
	"github.com/tjfontaine/wchain/internal/stream"
)

// errRunFinished ends an input stream that is still open when its run is over.
var errRunFinished = errors.New("pipeline run finished")

// RunRequest describes one execution.
type RunRequest struct {
	Pipeline string
	// RunID identifies the run; a new UUID is assigned when empty.
	RunID string

	// Input, when set, becomes the stream handed to the first stage.
	Input io.Reader
	// Output, when set, receives the stream emerging from the last stage.
	Output io.Writer

	// Source and Destination seed the run metadata for file stages.
	Source      string
	Destination string
	Attrs       map[string]string
}

// Result is the outcome of a run. Record is always set once the run started.
type Result struct {
	Record *storage.RunRecord
	Meta   *Meta
}

// Runner executes pipelines from a Registry and journals every run.
type Runner struct {
	registry *Registry
	store    storage.Store
	logger   *slog.Logger
	tracer   trace.Tracer
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracer sets the tracer used for run spans.
func WithTracer(tracer trace.Tracer) RunnerOption {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// NewRunner creates a runner. store may be nil, in which case runs are not journaled.
func NewRunner(registry *Registry, store storage.Store, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: registry,
		store:    store,
		logger:   slog.Default(),
		tracer:   noop.NewTracerProvider().Tracer("wchain"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes req.Pipeline and blocks until the run settles, the output has
// been written and the journal updated. The returned error is the run's
// failure, if any; Result is returned in both cases once the run has started.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*Result, error) {
	c, err := r.registry.Get(req.Pipeline)
	if err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	meta := NewMeta(runID, req.Pipeline)
	meta.SetSource(req.Source)
	meta.SetDestination(req.Destination)
	for k, v := range req.Attrs {
		meta.Set(k, v)
	}

	logger := r.logger.With(
		slog.String("run_id", meta.RunID),
		slog.String("pipeline", req.Pipeline),
	)

	rec := &storage.RunRecord{
		ID:       meta.RunID,
		Pipeline: req.Pipeline,
		Stages:   c.Len(),
	}
	if r.store != nil {
		if err := r.store.CreateRun(ctx, rec); err != nil {
			return nil, fmt.Errorf("journal run: %w", err)
		}
	} else {
		rec.Status = storage.StatusRunning
		rec.StartedAt = time.Now()
	}

	ctx, span := r.tracer.Start(ctx, "wchain.run "+req.Pipeline, trace.WithAttributes(
		attribute.String("wchain.run_id", meta.RunID),
		attribute.String("wchain.pipeline", req.Pipeline),
	))
	defer span.End()

	logger.Debug("pipeline run started", slog.Int("stages", rec.Stages))

	var in *stream.Stream
	if req.Input != nil {
		in = stream.FromReader(req.Input)
	}

	out := &countingWriter{w: req.Output}
	if out.w == nil {
		out.w = io.Discard
	}
	terminal := make(chan *stream.Stream, 1)
	next := func(_ context.Context, s *stream.Stream) error {
		if s == nil {
			return nil
		}
		s.Tap(out)
		select {
		case terminal <- s:
		default:
		}
		return nil
	}

	ended := make(chan error, 1)
	_, runErr := c.Run(ctx, meta, in, next, func(err error) {
		ended <- err
	})
	if runErr == nil {
		runErr = r.wait(ctx, ended, terminal)
	}
	if runErr == nil {
		runErr = out.Err()
	}
	if in != nil {
		// A stage that replaces its input leaves the source unread; release it.
		in.Abort(errRunFinished)
	}

	rec.BytesOut = out.Count()
	if in != nil {
		rec.BytesIn = in.Bytes()
	}
	rec.Digests = meta.Digests()
	rec.Tokens = meta.Tokens()
	rec.Status = storage.StatusSucceeded
	if runErr != nil {
		rec.Status = storage.StatusFailed
		rec.Error = runErr.Error()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}

	if r.store != nil {
		if err := r.store.FinishRun(context.WithoutCancel(ctx), rec); err != nil {
			logger.Error("failed to journal run outcome", slog.String("error", err.Error()))
		}
	} else {
		now := time.Now()
		rec.FinishedAt = &now
	}

	attrs := []any{
		slog.String("status", string(rec.Status)),
		slog.Duration("duration", rec.Duration()),
		slog.Int64("bytes_out", rec.BytesOut),
	}
	if runErr != nil {
		logger.Warn("pipeline run failed", append(attrs, slog.String("error", runErr.Error()))...)
	} else {
		logger.Info("pipeline run finished", attrs...)
	}

	return &Result{Record: rec, Meta: meta}, runErr
}

// wait blocks until the chain settles and, on success, until the final stream
// has been fully delivered to the output.
func (r *Runner) wait(ctx context.Context, ended <-chan error, terminal <-chan *stream.Stream) error {
	select {
	case err := <-ended:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	var s *stream.Stream
	select {
	case s = <-terminal:
	default:
		return nil
	}

	select {
	case <-s.Done():
		if err := s.Err(); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// countingWriter counts delivered bytes and keeps the first write error. The
// stream stops delivering to a consumer that fails.
type countingWriter struct {
	w io.Writer

	mu  sync.Mutex
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.mu.Lock()
	c.n += int64(n)
	if err != nil && c.err == nil {
		c.err = fmt.Errorf("write output: %w", err)
	}
	c.mu.Unlock()
	if err == nil {
		if f, ok := c.w.(interface{ Flush() }); ok {
			f.Flush()
		}
	}
	return n, err
}

func (c *countingWriter) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *countingWriter) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
