package logx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// ErrNoSink is returned by Emit when the logger has nowhere to write.
var ErrNoSink = errors.New("logx: no sink")

// core is an immutable zerolog root plus the writer it was built on.
type core struct {
	zl  zerolog.Logger
	out io.Writer
}

var nopCore = &core{zl: zerolog.Nop()}

func newCore(out io.Writer, level Level) *core {
	initZerolog()
	return &core{zl: zerolog.New(out).Level(level).With().Timestamp().Logger(), out: out}
}

// Logger is a value type; the zero value discards everything. Loggers
// derived from a Service follow its Apply calls.
type Logger struct {
	svc    *Service
	fixed  *core
	fields []Field
}

// Nop returns a logger that never writes.
func Nop() Logger { return Logger{fixed: nopCore} }

// NewConsole returns a human-readable stdout logger that is not tied to a
// Service, for use before configuration is loaded.
func NewConsole(level string) Logger {
	return Logger{fixed: newCore(consoleWriter(os.Stdout), ParseLevel(level))}
}

// NewWriter returns a JSON logger on w.
func NewWriter(w io.Writer, level string) Logger {
	return Logger{fixed: newCore(w, ParseLevel(level))}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.fixed == nil && len(l.fields) == 0 }

func (l Logger) core() *core {
	switch {
	case l.svc != nil:
		return l.svc.load()
	case l.fixed != nil:
		return l.fixed
	}
	return nopCore
}

func (l Logger) Enabled(level Level) bool { return level >= l.core().zl.GetLevel() }

// With returns a copy that adds fields to every record.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) > 0 {
		l.fields = append(l.fields[:len(l.fields):len(l.fields)], fields...)
	}
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields) }

func (l Logger) log(level Level, msg string, fields []Field) {
	l.send(l.core().zl.WithLevel(level), 3, msg, fields)
}

// Emit is Info/Warn/... for callers that must know whether the record
// reached the sink. A record below the logger's level is not an error.
func (l Logger) Emit(level Level, msg string, fields ...Field) error {
	return l.emit(1, level, msg, fields)
}

// EmitDepth is Emit for wrappers. depth counts the wrapper frames between
// the call site and EmitDepth.
func (l Logger) EmitDepth(depth int, level Level, msg string, fields ...Field) error {
	return l.emit(depth+1, level, msg, fields)
}

func (l Logger) emit(depth int, level Level, msg string, fields []Field) error {
	c := l.core()
	if level < c.zl.GetLevel() {
		return nil
	}
	if c.out == nil {
		return ErrNoSink
	}
	w := &firstErrWriter{out: c.out}
	zl := c.zl.Output(w)
	l.send(zl.WithLevel(level), depth+2, msg, fields)
	return w.err
}

// send finishes e. frames counts up from send to the frame reported as
// caller.
func (l Logger) send(e *zerolog.Event, frames int, msg string, fields []Field) {
	if e == nil {
		return
	}
	e = e.Caller(frames)
	apply(e, l.fields)
	apply(e, fields)
	e.Msg(msg)
}

// firstErrWriter remembers the first failed or short write. It serves a
// single record, so it needs no locking.
type firstErrWriter struct {
	out io.Writer
	err error
}

func (w *firstErrWriter) Write(p []byte) (int, error) {
	n, err := w.out.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, w.keep(err)
}

func (w *firstErrWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	lw, ok := w.out.(zerolog.LevelWriter)
	if !ok {
		return w.Write(p)
	}
	n, err := lw.WriteLevel(level, p)
	return n, w.keep(err)
}

func (w *firstErrWriter) keep(err error) error {
	if err != nil && w.err == nil {
		w.err = fmt.Errorf("logx: sink write: %w", err)
	}
	return err
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

var zerologOnce sync.Once

func initZerolog() {
	zerologOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = timeFormat
		zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
			return filepath.Base(file) + ":" + strconv.Itoa(line)
		}
	})
}
