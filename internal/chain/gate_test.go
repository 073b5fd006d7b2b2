package chain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// recordingHandler captures log records for assertions.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

func (h *recordingHandler) messages(level slog.Level) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var msgs []string
	for _, r := range h.records {
		if r.Level == level {
			msgs = append(msgs, r.Message)
		}
	}
	return msgs
}

func newTestGate(h *recordingHandler) (*gate, *[]error) {
	var ends []error
	g := &gate{
		end:    func(err error) { ends = append(ends, err) },
		future: newFuture(),
		logger: slog.New(h),
	}
	return g, &ends
}

func TestGate_FirstErrorWins(t *testing.T) {
	h := &recordingHandler{}
	g, ends := newTestGate(h)

	first := errors.New("first")
	g.fail(first)
	g.fail(errors.New("second"))
	g.finish()

	if err := g.future.Err(); !errors.Is(err, first) {
		t.Errorf("future error = %v, want %v", err, first)
	}
	if len(*ends) != 1 || !errors.Is((*ends)[0], first) {
		t.Errorf("end calls = %v, want exactly [first]", *ends)
	}

	warns := h.messages(slog.LevelWarn)
	want := []string{"wchain: error after settlement", "wchain: finish after settlement"}
	if len(warns) != len(want) {
		t.Fatalf("warnings = %v, want %v", warns, want)
	}
	for i := range want {
		if warns[i] != want[i] {
			t.Errorf("warning[%d] = %q, want %q", i, warns[i], want[i])
		}
	}
}

func TestGate_FinishThenErrorKeepsSuccess(t *testing.T) {
	h := &recordingHandler{}
	g, ends := newTestGate(h)

	g.finish()
	g.fail(errors.New("too late"))

	if err := g.future.Err(); err != nil {
		t.Errorf("future error = %v, want nil", err)
	}
	if len(*ends) != 1 || (*ends)[0] != nil {
		t.Errorf("end calls = %v, want [nil]", *ends)
	}
	if warns := h.messages(slog.LevelWarn); len(warns) != 1 {
		t.Errorf("warnings = %v, want one", warns)
	}
}

func TestFuture_ErrBeforeSettlement(t *testing.T) {
	f := newFuture()
	if err := f.Err(); !errors.Is(err, ErrNotSettled) {
		t.Errorf("Err() = %v, want ErrNotSettled", err)
	}
}

func TestFuture_WaitHonorsContext(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, want DeadlineExceeded", err)
	}
}
