// Package logger builds the process-wide zap logger. The level is atomic so it
// can be changed on a running coordinator through the admin API.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "physcoord"

// Config holds all the configuration for the logger.
type Config struct {
	// Level is the initial minimum level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is a path, or "stdout"/"stderr".
	OutputFile string `yaml:"output_file"`
	// Sampling caps repeated messages. Nil logs everything.
	Sampling *SamplingConfig `yaml:"sampling"`
}

// SamplingConfig keeps the first Initial entries with the same message each
// second and then every Thereafter-th one.
type SamplingConfig struct {
	Initial    int `yaml:"initial"`
	Thereafter int `yaml:"thereafter"`
}

// New returns the logger and the level that controls it. Extra fields are
// attached to every entry, e.g. the HA node id.
func New(cfg Config, fields ...zap.Field) (*zap.Logger, zap.AtomicLevel, error) {
	level := ParseLevel(cfg.Level)
	sink, err := openSink(cfg.OutputFile)
	if err != nil {
		return nil, level, err
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), sink, level)
	if s := cfg.Sampling; s != nil && s.Initial > 0 {
		core = zapcore.NewSamplerWithOptions(core, time.Second, s.Initial, s.Thereafter)
	}

	fields = append([]zap.Field{zap.String("service", serviceName)}, fields...)
	return zap.New(core, zap.AddCaller(), zap.Fields(fields...)), level, nil
}

// ParseLevel turns a level name into an atomic level, defaulting to info.
func ParseLevel(level string) zap.AtomicLevel {
	lvl := zap.NewAtomicLevel()
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.SetLevel(zap.InfoLevel)
	}
	return lvl
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func openSink(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "stdout", "":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", output, err)
	}
	return zapcore.AddSync(f), nil
}
