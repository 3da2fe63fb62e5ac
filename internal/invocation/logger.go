package invocation

import (
	logx "tickhost/pkg/logx"
)

// Logger is the logging capability handed to a function. Unlike logx.Logger
// its methods report sink failures, so a function can propagate them.
type Logger struct {
	base logx.Logger
}

// NewLogger binds an invocation logger to base.
func NewLogger(base logx.Logger) Logger { return Logger{base: base} }

func (l Logger) Debug(msg string, fields ...logx.Field) error {
	return l.base.EmitDepth(1, logx.LevelDebug, msg, fields...)
}

func (l Logger) Info(msg string, fields ...logx.Field) error {
	return l.base.EmitDepth(1, logx.LevelInfo, msg, fields...)
}

func (l Logger) Warn(msg string, fields ...logx.Field) error {
	return l.base.EmitDepth(1, logx.LevelWarn, msg, fields...)
}

func (l Logger) Error(msg string, fields ...logx.Field) error {
	return l.base.EmitDepth(1, logx.LevelError, msg, fields...)
}

// With returns a logger that adds fields to every record.
func (l Logger) With(fields ...logx.Field) Logger {
	return Logger{base: l.base.With(fields...)}
}

// Base returns the underlying logx logger.
func (l Logger) Base() logx.Logger { return l.base }
