package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tjfontaine/wchain/internal/pipeline"
	"github.com/tjfontaine/wchain/internal/storage"
)

// Trailer names reported after a streamed run.
const (
	TrailerError    = "X-Wchain-Error"
	TrailerBytesOut = "X-Wchain-Bytes-Out"
	TrailerTokens   = "X-Wchain-Tokens"
	// TrailerDigestPrefix is followed by the digest name, e.g. X-Wchain-Digest-Sha256.
	TrailerDigestPrefix = "X-Wchain-Digest-"
)

// Handlers serves the pipeline and run journal API.
type Handlers struct {
	runner    *pipeline.Runner
	registry  *pipeline.Registry
	store     storage.Store
	startTime time.Time
}

// NewHandlers creates the API handlers. store may be nil when runs are not
// journaled.
func NewHandlers(runner *pipeline.Runner, registry *pipeline.Registry, store storage.Store) *Handlers {
	return &Handlers{
		runner:    runner,
		registry:  registry,
		store:     store,
		startTime: time.Now(),
	}
}

// Routes mounts the /v1 API on r.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/pipelines", h.handleListPipelines)
	r.Post("/pipelines/{name}", h.handleRunPipeline)
	r.Get("/runs", h.handleListRuns)
	r.Get("/runs/{id}", h.handleGetRun)
	r.Get("/stats", h.handleStats)
}

type errorResponse struct {
	Error string `json:"error"`
}

type PipelineSummary struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Stages      []StageSummary `json:"stages"`
}

type StageSummary struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type StatsResponse struct {
	Uptime       string   `json:"uptime"`
	GoVersion    string   `json:"go_version"`
	NumGoroutine int      `json:"num_goroutine"`
	Pipelines    []string `json:"pipelines"`
	StageTypes   []string `json:"stage_types"`
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		Pipelines:    h.registry.Names(),
		StageTypes:   pipeline.StageTypes(),
	})
}

func (h *Handlers) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	names := h.registry.Names()
	out := make([]PipelineSummary, 0, len(names))
	for _, name := range names {
		cfg, ok := h.registry.Config(name)
		if !ok {
			continue
		}
		sum := PipelineSummary{Name: cfg.Name, Description: cfg.Description, Stages: []StageSummary{}}
		for _, st := range cfg.Stages {
			sum.Stages = append(sum.Stages, StageSummary{Type: st.Type, Name: st.Name})
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": out})
}

// handleRunPipeline streams the request body through the pipeline and the
// result back. The outcome is reported in trailers since the status line is
// sent with the first output bytes. Failures before any output get a JSON
// error response instead.
func (h *Handlers) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	if _, ok := h.registry.Config(name); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("pipeline %q not found", name))
		return
	}

	runID := uuid.NewString()
	RecordRun(ctx, runID, name)
	AddLogField(ctx, "run_id", runID)
	AddLogField(ctx, "pipeline", name)

	w.Header().Set("Content-Type", "application/octet-stream")
	out := &responseOutput{w: w}

	// File paths are never taken from the request; pipelines that touch the
	// filesystem set them with retarget stages.
	res, err := h.runner.Run(ctx, pipeline.RunRequest{
		Pipeline: name,
		RunID:    runID,
		Input:    r.Body,
		Output:   out,
	})
	started := out.seal()

	if err != nil {
		AddError(ctx, err)
		if !started {
			var tooLarge *http.MaxBytesError
			status := http.StatusInternalServerError
			switch {
			case pipeline.IsNotFound(err):
				status = http.StatusNotFound
			case errors.As(err, &tooLarge):
				status = http.StatusRequestEntityTooLarge
			}
			writeError(w, status, err.Error())
			return
		}
		w.Header().Set(http.TrailerPrefix+TrailerError, err.Error())
		return
	}

	if !started {
		w.WriteHeader(http.StatusOK)
	}
	setRunTrailers(w, res)
}

func setRunTrailers(w http.ResponseWriter, res *pipeline.Result) {
	h := w.Header()
	h.Set(http.TrailerPrefix+TrailerBytesOut, strconv.FormatInt(res.Record.BytesOut, 10))
	if n := res.Meta.Tokens(); n > 0 {
		h.Set(http.TrailerPrefix+TrailerTokens, strconv.Itoa(n))
	}
	for name, digest := range res.Meta.Digests() {
		h.Set(http.TrailerPrefix+TrailerDigestPrefix+name, digest)
	}
}

func (h *Handlers) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotFound, "run journal is disabled")
		return
	}

	q := r.URL.Query()
	opts := storage.ListOptions{
		Pipeline: q.Get("pipeline"),
		Status:   storage.Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		opts.Limit = limit
	}

	runs, err := h.store.ListRuns(r.Context(), opts)
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handlers) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotFound, "run journal is disabled")
		return
	}

	rec, err := h.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// responseOutput guards the ResponseWriter against output still being
// delivered after the run has returned.
type responseOutput struct {
	w http.ResponseWriter

	mu      sync.Mutex
	started bool
	sealed  bool
}

var errResponseSealed = errors.New("response already finished")

func (o *responseOutput) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sealed {
		return 0, errResponseSealed
	}
	o.started = true
	return o.w.Write(p)
}

func (o *responseOutput) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sealed {
		return
	}
	if f, ok := o.w.(http.Flusher); ok {
		f.Flush()
	}
}

// seal stops further writes and reports whether any output was written.
func (o *responseOutput) seal() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sealed = true
	return o.started
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
