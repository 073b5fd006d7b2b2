// Package storage defines the run journal: a record of every pipeline execution.
package storage

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// RunRecord describes one execution of a pipeline.
type RunRecord struct {
	ID         string            `json:"id"`
	Pipeline   string            `json:"pipeline"`
	Status     Status            `json:"status"`
	Error      string            `json:"error,omitempty"`
	Stages     int               `json:"stages"`
	BytesIn    int64             `json:"bytes_in"`
	BytesOut   int64             `json:"bytes_out"`
	Tokens     int               `json:"tokens,omitempty"`
	Digests    map[string]string `json:"digests,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Duration returns how long the run took, or how long it has been running.
func (r *RunRecord) Duration() time.Duration {
	if r.FinishedAt == nil {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ListOptions filters ListRuns. Results are ordered newest first.
type ListOptions struct {
	Pipeline string
	Status   Status
	Limit    int
}

// DefaultListLimit applies when ListOptions.Limit is zero.
const DefaultListLimit = 100

// Store persists run records.
type Store interface {
	// CreateRun records a new run. StartedAt is set when zero and Status is
	// forced to running.
	CreateRun(ctx context.Context, rec *RunRecord) error
	// FinishRun stores the outcome of a run previously created.
	FinishRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]*RunRecord, error)
	Close() error
}
