package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/tjfontaine/wchain/internal/chain"
	"github.com/tjfontaine/wchain/internal/config"
	"github.com/tjfontaine/wchain/internal/pipeline"
	"github.com/tjfontaine/wchain/internal/registration"
	"github.com/tjfontaine/wchain/internal/storage"
	"github.com/tjfontaine/wchain/internal/storage/memory"
	"github.com/tjfontaine/wchain/internal/stream"
)

var errLateFailure = errors.New("failed after output")

func TestMain(m *testing.M) {
	registration.RegisterBuiltins()
	pipeline.RegisterStage(pipeline.StageFactory{
		Type: "test_late_fail",
		Create: func(pipeline.Params) (chain.Middleware[*pipeline.Meta], error) {
			return chain.MiddlewareFunc[*pipeline.Meta](lateFailStage), nil
		},
	})
	os.Exit(m.Run())
}

// lateFailStage emits some output and only then reports failure.
func lateFailStage(ctx context.Context, _ *pipeline.Meta, _ *stream.Stream, next chain.Next, done chain.Done) error {
	out := stream.New()
	go func() {
		out.Write([]byte("partial output"))
		out.Close()
		<-out.Done()
		done(errLateFailure)
	}()
	return next(ctx, out)
}

var testPipelines = []config.PipelineConfig{
	{
		Name:        "digest",
		Description: "hashes and counts the body",
		Stages: []config.StageConfig{
			{Type: "hash", Name: "body", Params: map[string]any{"algorithm": "sha256"}},
			{Type: "tokens"},
		},
	},
	{
		Name: "decode",
		Stages: []config.StageConfig{
			{Type: "decrypt", Params: map[string]any{"key": "Here is the key.", "iv": "I'm init vector.", "algorithm": "aes-128-cbc"}},
		},
	},
	{
		Name:   "late",
		Stages: []config.StageConfig{{Type: "test_late_fail"}},
	},
}

func newTestServer(t *testing.T, apiKeys ...string) (*Server, storage.Store) {
	t.Helper()
	return newTestServerWith(t, Options{APIKeys: apiKeys})
}

func newTestServerWith(t *testing.T, opts Options) (*Server, storage.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := pipeline.NewRegistry(pipeline.BuildOptions{
		Chain:  chain.Options{AsyncMeta: true},
		Logger: logger,
	})
	if err := reg.Reload(testPipelines); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	store, err := memory.New(100)
	if err != nil {
		t.Fatalf("memory.New() error = %v", err)
	}
	runner := pipeline.NewRunner(reg, store, pipeline.WithLogger(logger))

	opts.Logger = logger
	srv := New(opts, NewHandlers(runner, reg, store))
	return srv, store
}

func TestHandleRunPipeline_StreamsAndReportsTrailers(t *testing.T) {
	srv, store := newTestServer(t)
	body := strings.Repeat("stream me through the pipeline\n", 2000)

	req := httptest.NewRequest(http.MethodPost, "/v1/pipelines/digest", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", res.StatusCode, rec.Body.String())
	}
	got, _ := io.ReadAll(res.Body)
	if string(got) != body {
		t.Errorf("response body has %d bytes, want %d", len(got), len(body))
	}

	sum := sha256.Sum256([]byte(body))
	if d := res.Trailer.Get(TrailerDigestPrefix + "body"); d != hex.EncodeToString(sum[:]) {
		t.Errorf("digest trailer = %q", d)
	}
	if res.Trailer.Get(TrailerTokens) == "" {
		t.Error("missing tokens trailer")
	}
	if res.Trailer.Get(TrailerBytesOut) == "" {
		t.Error("missing bytes trailer")
	}

	runID := res.Header.Get(HeaderRunID)
	if runID == "" || res.Header.Get(HeaderPipeline) != "digest" {
		t.Fatalf("run headers = %q / %q", runID, res.Header.Get(HeaderPipeline))
	}
	run, err := store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Status != storage.StatusSucceeded {
		t.Errorf("journaled status = %s", run.Status)
	}
}

func TestHandleRunPipeline_FailureBeforeOutput(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/pipelines/decode", strings.NewReader("definitely not hex"))
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp.Error == "" {
		t.Error("expected error message")
	}
	if rec.Header().Get(HeaderRunID) == "" {
		t.Error("error response should identify the run")
	}
}

func TestHandleRunPipeline_FailureAfterOutput(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/pipelines/late", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if got, _ := io.ReadAll(res.Body); string(got) != "partial output" {
		t.Errorf("body = %q", got)
	}
	if e := res.Trailer.Get(TrailerError); !strings.Contains(e, errLateFailure.Error()) {
		t.Errorf("error trailer = %q", e)
	}
}

func TestHandleRunPipeline_UnknownPipeline(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pipelines/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHandleListPipelines(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pipelines", nil))

	var resp struct {
		Pipelines []PipelineSummary `json:"pipelines"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Pipelines) != len(testPipelines) {
		t.Fatalf("got %d pipelines", len(resp.Pipelines))
	}
	if p := resp.Pipelines[1]; p.Name != "digest" || len(p.Stages) != 2 || p.Stages[0].Name != "body" {
		t.Errorf("digest summary = %+v", p)
	}
}

func TestHandleRuns(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pipelines/digest", strings.NewReader("x")))
	}
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pipelines/decode", strings.NewReader("zz")))

	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?pipeline=digest&limit=2", nil))
	var list struct {
		Runs []storage.RunRecord `json:"runs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(list.Runs))
	}

	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?status=failed", nil))
	list.Runs = nil
	json.NewDecoder(rec.Body).Decode(&list)
	if len(list.Runs) != 1 || list.Runs[0].Pipeline != "decode" {
		t.Fatalf("failed runs = %+v", list.Runs)
	}

	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+list.Runs[0].ID, nil))
	var run storage.RunRecord
	if err := json.NewDecoder(rec.Body).Decode(&run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.Status != storage.StatusFailed || run.Error == "" {
		t.Errorf("run = %+v", run)
	}

	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?limit=lots", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestHealthAndStats(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	var stats StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(stats.Pipelines) != len(testPipelines) || len(stats.StageTypes) == 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestHandleRunPipeline_BodyLimit(t *testing.T) {
	srv, store := newTestServerWith(t, Options{MaxBodyBytes: 16})

	req := httptest.NewRequest(http.MethodPost, "/v1/pipelines/digest", strings.NewReader(strings.Repeat("x", 1024)))
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	res := rec.Result()
	io.ReadAll(res.Body)
	// The cap can trip before or after the first output bytes go out.
	if res.StatusCode != http.StatusRequestEntityTooLarge {
		if msg := res.Trailer.Get(TrailerError); !strings.Contains(msg, "too large") {
			t.Errorf("status = %d, error trailer = %q, want body size failure", res.StatusCode, msg)
		}
	}
	if got := res.Trailer.Get(TrailerDigestPrefix + "body"); got != "" {
		t.Errorf("digest trailer = %q on a truncated body", got)
	}

	run, err := store.GetRun(context.Background(), res.Header.Get(HeaderRunID))
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Status != storage.StatusFailed {
		t.Errorf("journaled status = %s, want failed", run.Status)
	}
}
