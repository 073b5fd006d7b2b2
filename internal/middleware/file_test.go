package middleware

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileStages_CopyAndRetarget(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "input.txt")
	content := strings.Repeat("line of text\n", 10000)
	if err := os.WriteFile(src, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	meta := newMeta()
	meta.SetSource(src)

	out, err := runStages(t, meta, "",
		ReadFile(),
		Retarget(RetargetConfig{Dir: filepath.Join(dir, "out", "nested"), Suffix: ".copy"}),
		WriteFile(),
	)
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	if out != content {
		t.Errorf("stream carried %d bytes, want %d", len(out), len(content))
	}

	want := filepath.Join(dir, "out", "nested", "input.txt.copy")
	if meta.Destination() != want {
		t.Errorf("Destination() = %q, want %q", meta.Destination(), want)
	}
	written, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read written file: %v", err)
	}
	if string(written) != content {
		t.Errorf("written file has %d bytes, want %d", len(written), len(content))
	}
}

func TestReadFile_Errors(t *testing.T) {
	if _, err := runStages(t, newMeta(), "", ReadFile()); err == nil {
		t.Error("expected error without a source")
	}

	meta := newMeta()
	meta.SetSource(filepath.Join(t.TempDir(), "missing.txt"))
	if _, err := runStages(t, meta, "", ReadFile()); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("run error = %v, want not-exist", err)
	}
}

func TestWriteFile_NoDestination(t *testing.T) {
	if _, err := runStages(t, newMeta(), "data", WriteFile()); err == nil {
		t.Error("expected error without a destination")
	}
}

func TestRetarget_Apply(t *testing.T) {
	tests := []struct {
		name   string
		cfg    RetargetConfig
		dest   string
		source string
		want   string
	}{
		{"explicit path", RetargetConfig{Path: "test/result.txt"}, "a.txt", "b.txt", "test/result.txt"},
		{"suffix on destination", RetargetConfig{Suffix: ".enc"}, "out/a.txt", "b.txt", "out/a.txt.enc"},
		{"suffix already present", RetargetConfig{Suffix: ".enc"}, "a.txt.enc", "", "a.txt.enc"},
		{"dir from source", RetargetConfig{Dir: "archive"}, "", "in/b.txt", filepath.Join("archive", "b.txt")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.apply(tt.dest, tt.source); got != tt.want {
				t.Errorf("apply() = %q, want %q", got, tt.want)
			}
		})
	}
}
