package server

import (
	"context"
	"net/http"
)

// Response headers identifying the run behind a response.
const (
	HeaderRunID    = "X-Wchain-Run-Id"
	HeaderPipeline = "X-Wchain-Pipeline"
)

type runInfoKey struct{}

// RunInfo identifies the pipeline run serving a request.
type RunInfo struct {
	RunID    string
	Pipeline string
}

// RecordRun fills in the run info slot installed by RunInfoMiddleware. It
// must be called before the response is first written.
func RecordRun(ctx context.Context, runID, pipeline string) {
	if info, ok := ctx.Value(runInfoKey{}).(*RunInfo); ok {
		info.RunID = runID
		info.Pipeline = pipeline
	}
}

// GetRunInfo returns the run recorded for the request, or nil.
func GetRunInfo(ctx context.Context) *RunInfo {
	if info, ok := ctx.Value(runInfoKey{}).(*RunInfo); ok && info.RunID != "" {
		return info
	}
	return nil
}

// RunInfoMiddleware writes the run headers on the first write of a response,
// including error responses, once a handler has called RecordRun.
func RunInfoMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := &RunInfo{}
		ctx := context.WithValue(r.Context(), runInfoKey{}, info)
		next.ServeHTTP(&runInfoResponseWriter{ResponseWriter: w, info: info}, r.WithContext(ctx))
	})
}

type runInfoResponseWriter struct {
	http.ResponseWriter
	info         *RunInfo
	wroteHeaders bool
}

func (rw *runInfoResponseWriter) writeRunHeaders() {
	if rw.wroteHeaders {
		return
	}
	rw.wroteHeaders = true
	if rw.info.RunID == "" {
		return
	}
	h := rw.Header()
	h.Set(HeaderRunID, rw.info.RunID)
	h.Set(HeaderPipeline, rw.info.Pipeline)
}

func (rw *runInfoResponseWriter) WriteHeader(code int) {
	rw.writeRunHeaders()
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *runInfoResponseWriter) Write(b []byte) (int, error) {
	rw.writeRunHeaders()
	return rw.ResponseWriter.Write(b)
}

func (rw *runInfoResponseWriter) Flush() {
	rw.writeRunHeaders()
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *runInfoResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
