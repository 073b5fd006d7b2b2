package main

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testConfig = `
storage:
  type: memory
chain:
  pause_at_begin: true
  async_meta: true
pipelines:
  - name: crypto
    stages:
      - type: encrypt
        params:
          algorithm: aes-128-cbc
          key: "Here is the key."
          iv: "I'm init vector."
          encoding: hex
      - type: hash
        params:
          algorithm: md5
  - name: archive
    description: encrypts a file and writes the ciphertext
    stages:
      - type: read_file
      - type: pipeline
        params:
          name: crypto
      - type: retarget
        params:
          path: ${WCHAIN_TEST_OUT}
      - type: write_file
`

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newCommand()
	cmd.Writer = &stdout
	cmd.ErrWriter = &stderr
	err := cmd.Run(context.Background(), append([]string{"wchain", "--log-level", "error"}, args...))
	return stdout.String(), stderr.String(), err
}

func TestRunCommand_EncryptsFileThroughNestedPipeline(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	src := filepath.Join(dir, "test.txt")
	content := strings.Repeat("a file worth encrypting\n", 500)
	if err := os.WriteFile(src, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(dir, "test", "result.txt")
	t.Setenv("WCHAIN_TEST_OUT", dest)

	_, stderr, err := execute(t, "--config", cfgPath, "run", "--pipeline", "archive", "--source", src)
	if err != nil {
		t.Fatalf("run error = %v\n%s", err, stderr)
	}

	written, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	want := encryptReference(t, []byte(content))
	if string(written) != want {
		t.Errorf("result file differs from the reference ciphertext")
	}

	sum := md5.Sum([]byte(want))
	if !strings.Contains(stderr, "md5: "+hex.EncodeToString(sum[:])) {
		t.Errorf("summary missing md5 digest:\n%s", stderr)
	}
	if !strings.Contains(stderr, "succeeded") {
		t.Errorf("summary = %s", stderr)
	}
}

func TestRunCommand_StreamsInAndOut(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	in := filepath.Join(dir, "in.txt")
	os.WriteFile(in, []byte("short input"), 0o644)
	out := filepath.Join(dir, "out", "cipher.hex")

	if _, stderr, err := execute(t, "--config", cfgPath, "run", "-p", "crypto", "-i", in, "-o", out); err != nil {
		t.Fatalf("run error = %v\n%s", err, stderr)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != encryptReference(t, []byte("short input")) {
		t.Errorf("output = %s", got)
	}
}

func TestRunCommand_Errors(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	if _, _, err := execute(t, "--config", cfgPath, "run", "-p", "missing"); err == nil {
		t.Error("expected error for unknown pipeline")
	}
	if _, _, err := execute(t, "--config", cfgPath, "run", "-p", "crypto", "--attr", "novalue"); err == nil {
		t.Error("expected error for malformed attribute")
	}
	if _, _, err := execute(t, "--config", cfgPath, "--log-level", "loud", "pipelines"); err == nil {
		t.Error("expected error for bad log level")
	}
}

func TestPipelinesAndStagesCommands(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())

	out, _, err := execute(t, "--config", cfgPath, "pipelines")
	if err != nil {
		t.Fatalf("pipelines error = %v", err)
	}
	if !strings.Contains(out, "read_file > pipeline > retarget > write_file") {
		t.Errorf("pipelines output:\n%s", out)
	}

	out, _, err = execute(t, "stages")
	if err != nil {
		t.Fatalf("stages error = %v", err)
	}
	for _, typ := range []string{"encrypt", "webhook", "pipeline"} {
		if !strings.Contains(out, typ) {
			t.Errorf("stages output missing %q:\n%s", typ, out)
		}
	}
}

func TestParseAttrs(t *testing.T) {
	attrs, err := parseAttrs([]string{"a=1", "b=x=y"})
	if err != nil {
		t.Fatalf("parseAttrs() error = %v", err)
	}
	if attrs["a"] != "1" || attrs["b"] != "x=y" {
		t.Errorf("attrs = %v", attrs)
	}
	if _, err := parseAttrs([]string{"=v"}); err == nil {
		t.Error("expected error for empty key")
	}
}

func encryptReference(t *testing.T, plain []byte) string {
	t.Helper()
	block, err := aes.NewCipher([]byte("Here is the key."))
	if err != nil {
		t.Fatal(err)
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte(nil), plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, []byte("I'm init vector.")).CryptBlocks(ct, padded)
	return hex.EncodeToString(ct)
}
