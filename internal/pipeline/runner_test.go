package pipeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/wchain/internal/chain"
	"github.com/tjfontaine/wchain/internal/config"
	"github.com/tjfontaine/wchain/internal/storage"
	"github.com/tjfontaine/wchain/internal/storage/memory"
)

func newTestRunner(t *testing.T, opts chain.Options, cfgs ...config.PipelineConfig) (*Runner, storage.Store) {
	t.Helper()
	reg := NewRegistry(BuildOptions{Chain: opts})
	if err := reg.Reload(cfgs); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	store, err := memory.New(10)
	if err != nil {
		t.Fatalf("memory.New() error = %v", err)
	}
	return NewRunner(reg, store), store
}

func TestRunner_Run(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts chain.Options
	}{
		{name: "sync", opts: chain.DefaultOptions()},
		{name: "async", opts: chain.Options{PauseAtBegin: true, AsyncMeta: true}},
		{name: "no relay", opts: chain.Options{AsyncMeta: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			runner, store := newTestRunner(t, tc.opts, config.PipelineConfig{
				Name:   "shout",
				Stages: []config.StageConfig{{Type: "test_upper"}, tag("x")},
			})

			input := strings.Repeat("hello streams ", 10000)
			var out bytes.Buffer
			res, err := runner.Run(context.Background(), RunRequest{
				Pipeline: "shout",
				Input:    strings.NewReader(input),
				Output:   &out,
				Attrs:    map[string]string{"origin": "test"},
			})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if out.String() != strings.ToUpper(input) {
				t.Errorf("output has %d bytes, want %d upper-cased", out.Len(), len(input))
			}
			if v, _ := res.Meta.Get("origin"); v != "test" {
				t.Errorf("attr origin = %q", v)
			}

			rec := res.Record
			if rec.Status != storage.StatusSucceeded || rec.Stages != 2 {
				t.Errorf("record = %+v", rec)
			}
			if rec.BytesIn != int64(len(input)) || rec.BytesOut != int64(len(input)) {
				t.Errorf("bytes in/out = %d/%d, want %d", rec.BytesIn, rec.BytesOut, len(input))
			}

			stored, err := store.GetRun(context.Background(), rec.ID)
			if err != nil {
				t.Fatalf("GetRun() error = %v", err)
			}
			if stored.Status != storage.StatusSucceeded || stored.FinishedAt == nil {
				t.Errorf("journal = %+v", stored)
			}
		})
	}
}

func TestRunner_Failure(t *testing.T) {
	for _, async := range []bool{false, true} {
		runner, store := newTestRunner(t, chain.Options{PauseAtBegin: true, AsyncMeta: async}, config.PipelineConfig{
			Name:   "broken",
			Stages: stages("test_upper", "test_fail"),
		})

		res, err := runner.Run(context.Background(), RunRequest{
			Pipeline: "broken",
			Input:    strings.NewReader("data"),
		})
		if !errors.Is(err, errStageFailed) {
			t.Fatalf("async=%v: Run() error = %v, want %v", async, err, errStageFailed)
		}

		stored, _ := store.GetRun(context.Background(), res.Record.ID)
		if stored == nil || stored.Status != storage.StatusFailed || stored.Error != errStageFailed.Error() {
			t.Errorf("async=%v: journal = %+v", async, stored)
		}
	}
}

func TestRunner_UnknownPipeline(t *testing.T) {
	runner, _ := newTestRunner(t, chain.DefaultOptions())
	if _, err := runner.Run(context.Background(), RunRequest{Pipeline: "ghost"}); !IsNotFound(err) {
		t.Errorf("Run() error = %v, want NotFoundError", err)
	}
}

func TestRunner_WithoutStore(t *testing.T) {
	reg := NewRegistry(BuildOptions{Chain: chain.Options{AsyncMeta: true}})
	if err := reg.Reload([]config.PipelineConfig{{Name: "p", Stages: []config.StageConfig{tag("t")}}}); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	res, err := NewRunner(reg, nil).Run(context.Background(), RunRequest{Pipeline: "p"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Record.FinishedAt == nil || res.Record.Status != storage.StatusSucceeded {
		t.Errorf("record = %+v", res.Record)
	}
}

func TestRunner_UsesRequestedRunID(t *testing.T) {
	runner, store := newTestRunner(t, chain.DefaultOptions(), config.PipelineConfig{
		Name:   "shout",
		Stages: []config.StageConfig{{Type: "test_upper"}},
	})

	res, err := runner.Run(context.Background(), RunRequest{
		Pipeline: "shout",
		RunID:    "fixed-run-id",
		Input:    strings.NewReader("abc"),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Meta.RunID != "fixed-run-id" || res.Record.ID != "fixed-run-id" {
		t.Errorf("run id = %q / %q", res.Meta.RunID, res.Record.ID)
	}
	if _, err := store.GetRun(context.Background(), "fixed-run-id"); err != nil {
		t.Errorf("GetRun() error = %v", err)
	}
}

var errBrokenOutput = errors.New("broken pipe")

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errBrokenOutput }

func TestRunner_FailsWhenOutputBreaks(t *testing.T) {
	runner, store := newTestRunner(t, chain.Options{PauseAtBegin: true, AsyncMeta: true}, config.PipelineConfig{
		Name:   "tagged",
		Stages: []config.StageConfig{tag("x")},
	})

	type outcome struct {
		res *Result
		err error
	}
	finished := make(chan outcome, 1)
	go func() {
		res, err := runner.Run(context.Background(), RunRequest{
			Pipeline: "tagged",
			Input:    strings.NewReader(strings.Repeat("to nowhere ", 100000)),
			Output:   brokenWriter{},
		})
		finished <- outcome{res, err}
	}()

	var got outcome
	select {
	case got = <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after the output writer failed")
	}

	if !errors.Is(got.err, errBrokenOutput) {
		t.Fatalf("Run() error = %v, want %v", got.err, errBrokenOutput)
	}
	stored, err := store.GetRun(context.Background(), got.res.Record.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if stored.Status != storage.StatusFailed {
		t.Errorf("journaled status = %s, want failed", stored.Status)
	}
}
