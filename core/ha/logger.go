package ha

import (
	"fmt"
	"io"
	"log"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// RaftLogger lets raft write through zap.
type RaftLogger struct {
	logger *zap.Logger
	name   string
	level  zap.AtomicLevel
}

var _ hclog.Logger = (*RaftLogger)(nil)

// NewRaftLogger wraps logger. The initial level follows what logger has
// enabled.
func NewRaftLogger(logger *zap.Logger) *RaftLogger {
	lvl := zap.InfoLevel
	if logger.Core().Enabled(zap.DebugLevel) {
		lvl = zap.DebugLevel
	}
	return &RaftLogger{logger: logger, level: zap.NewAtomicLevelAt(lvl)}
}

func (z *RaftLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	z.log(toZapLevel(level), msg, args...)
}

// Trace is folded into debug.
func (z *RaftLogger) Trace(msg string, args ...interface{}) { z.log(zap.DebugLevel, msg, args...) }
func (z *RaftLogger) Debug(msg string, args ...interface{}) { z.log(zap.DebugLevel, msg, args...) }
func (z *RaftLogger) Info(msg string, args ...interface{})  { z.log(zap.InfoLevel, msg, args...) }
func (z *RaftLogger) Warn(msg string, args ...interface{})  { z.log(zap.WarnLevel, msg, args...) }
func (z *RaftLogger) Error(msg string, args ...interface{}) { z.log(zap.ErrorLevel, msg, args...) }

func (z *RaftLogger) log(level zapcore.Level, msg string, args ...interface{}) {
	if !z.level.Enabled(level) {
		return
	}
	if ce := z.logger.Check(level, msg); ce != nil {
		ce.Write(fields(args)...)
	}
}

func (z *RaftLogger) IsTrace() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *RaftLogger) IsDebug() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *RaftLogger) IsInfo() bool  { return z.level.Enabled(zap.InfoLevel) }
func (z *RaftLogger) IsWarn() bool  { return z.level.Enabled(zap.WarnLevel) }
func (z *RaftLogger) IsError() bool { return z.level.Enabled(zap.ErrorLevel) }

func (z *RaftLogger) ImpliedArgs() []interface{} { return nil }

func (z *RaftLogger) With(args ...interface{}) hclog.Logger {
	return &RaftLogger{logger: z.logger.With(fields(args)...), name: z.name, level: z.level}
}

func (z *RaftLogger) Name() string { return z.name }

func (z *RaftLogger) Named(name string) hclog.Logger {
	full := name
	if z.name != "" {
		full = z.name + "." + name
	}
	return &RaftLogger{logger: z.logger.Named(name), name: full, level: z.level}
}

func (z *RaftLogger) ResetNamed(name string) hclog.Logger {
	return &RaftLogger{logger: z.logger.Named(name), name: name, level: z.level}
}

// SetLevel changes the level of this logger and every logger derived from it.
func (z *RaftLogger) SetLevel(level hclog.Level) { z.level.SetLevel(toZapLevel(level)) }

func (z *RaftLogger) GetLevel() hclog.Level {
	switch z.level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.InfoLevel:
		return hclog.Info
	case zapcore.WarnLevel:
		return hclog.Warn
	case zapcore.ErrorLevel:
		return hclog.Error
	}
	return hclog.NoLevel
}

func (z *RaftLogger) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(z.StandardWriter(opts), "", 0)
}

func (z *RaftLogger) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	lvl := zap.InfoLevel
	if opts != nil && opts.ForceLevel != hclog.NoLevel {
		lvl = toZapLevel(opts.ForceLevel)
	}
	return &zapio.Writer{Log: z.logger, Level: lvl}
}

func toZapLevel(level hclog.Level) zapcore.Level {
	switch level {
	case hclog.Trace, hclog.Debug:
		return zap.DebugLevel
	case hclog.Warn:
		return zap.WarnLevel
	case hclog.Error:
		return zap.ErrorLevel
	}
	return zap.InfoLevel
}

// fields turns hclog key/value pairs into zap fields.
func fields(args []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		if i+1 >= len(args) {
			out = append(out, zap.String(key, "(missing)"))
			break
		}
		out = append(out, zap.Any(key, args[i+1]))
	}
	return out
}
