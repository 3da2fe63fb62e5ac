package invocation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	logx "tickhost/pkg/logx"
)

type failingWriter struct{ err error }

func (w failingWriter) Write(p []byte) (int, error) { return 0, w.err }

func TestContextRoundtrip(t *testing.T) {
	t.Parallel()
	inv := &Context{FunctionName: "TimerTrigger", InvocationID: NewID()}
	ctx := NewContext(context.Background(), inv)

	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("invocation context should be retrievable after storing")
	}
	if got != inv {
		t.Fatalf("FromContext returned a different value: %+v", got)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("expected no invocation context on a bare context")
	}
}

func TestNewIDUnique(t *testing.T) {
	t.Parallel()
	a, b := NewID(), NewID()
	if a == "" || a == b {
		t.Fatalf("ids not unique: %q %q", a, b)
	}
}

func TestLateness(t *testing.T) {
	t.Parallel()
	slot := time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)
	inv := &Context{ScheduledAt: slot, FiredAt: slot.Add(1500 * time.Millisecond)}
	if got := inv.Lateness(); got != 1500*time.Millisecond {
		t.Fatalf("Lateness = %v", got)
	}
	early := &Context{ScheduledAt: slot, FiredAt: slot.Add(-time.Millisecond)}
	if got := early.Lateness(); got != 0 {
		t.Fatalf("early Lateness = %v", got)
	}
}

func TestLoggerWritesRecordWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewLogger(logx.NewWriter(&buf, "info")).With(logx.String("function", "TimerTrigger"))

	if err := l.Info("hello"); err != nil {
		t.Fatalf("Info: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["message"] != "hello" || rec["level"] != "info" || rec["function"] != "TimerTrigger" {
		t.Fatalf("record = %v", rec)
	}
	caller, _ := rec["caller"].(string)
	if !strings.HasPrefix(caller, "context_test.go:") {
		t.Fatalf("caller = %q, want the call site", caller)
	}
}

func TestLoggerReportsSinkFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("disk full")
	l := NewLogger(logx.NewWriter(failingWriter{err: boom}, "info"))
	if err := l.Info("hello"); !errors.Is(err, boom) {
		t.Fatalf("Info err = %v, want %v", err, boom)
	}
	// Filtered records never touch the sink.
	if err := l.Debug("quiet"); err != nil {
		t.Fatalf("Debug err = %v", err)
	}
}
