package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type failWriter struct{ err error }

func (w failWriter) Write(p []byte) (int, error) { return 0, w.err }

func decodeLine(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &m); err != nil {
		t.Fatalf("decode %q: %v", b, err)
	}
	return m
}

func TestEmitWritesRecord(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "INFO").With(String("function", "TimerTrigger"))

	if err := log.Emit(LevelInfo, "hello", Int("n", 1)); err != nil {
		t.Fatalf("Emit error: %v", err)
	}
	m := decodeLine(t, buf.Bytes())
	if m["message"] != "hello" {
		t.Fatalf("message = %v, want hello", m["message"])
	}
	if m["level"] != "info" {
		t.Fatalf("level = %v, want info", m["level"])
	}
	if m["function"] != "TimerTrigger" {
		t.Fatalf("function = %v", m["function"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q, want this file", c)
	}
}

func TestEmitReportsSinkFailure(t *testing.T) {
	t.Parallel()
	sinkErr := errors.New("disk gone")
	log := NewWriter(failWriter{err: sinkErr}, "INFO")

	err := log.Emit(LevelInfo, "hello")
	if err == nil {
		t.Fatal("expected error from failing sink")
	}
	if !errors.Is(err, sinkErr) {
		t.Fatalf("err = %v, want wrapping %v", err, sinkErr)
	}
}

func TestEmitFilteredLevelIsNotFailure(t *testing.T) {
	t.Parallel()
	log := NewWriter(failWriter{err: errors.New("x")}, "WARN")
	if err := log.Emit(LevelInfo, "dropped by level"); err != nil {
		t.Fatalf("filtered record returned error: %v", err)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Info("nothing")
	if err := log.Emit(LevelInfo, "nothing"); err != nil {
		t.Fatalf("zero logger Emit: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestServiceApplySwapsSinks(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "host.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Info("below level")
	log.Warn("kept", String("k", "v"))
	if log.Enabled(LevelInfo) {
		t.Fatal("info should be disabled at warn")
	}

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	if !log.Enabled(LevelDebug) {
		t.Fatal("existing logger did not follow Apply")
	}
	log.Debug("after apply")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d (%q), want 2", len(lines), b)
	}
	if m := decodeLine(t, []byte(lines[0])); m["message"] != "kept" || m["k"] != "v" {
		t.Fatalf("first record = %v", m)
	}
	if m := decodeLine(t, []byte(lines[1])); m["message"] != "after apply" {
		t.Fatalf("second record = %v", m)
	}
}
