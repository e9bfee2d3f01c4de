// Package logging provides zap logger helpers.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultMaxSizeMB = 200

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

// Options configures a per-component logger.
type Options struct {
	// Level is a case-insensitive zap level name ("INFO", "debug", ...).
	Level string
	// FileName is joined onto Dir. Empty disables the file sink.
	FileName string
	Dir      string
	// MaxSizeMB is the rotation threshold; zero means 200.
	MaxSizeMB int
	// Console tees output to stderr.
	Console bool
}

// NewComponent builds a JSON logger writing to a rotated file. The returned
// closer flushes and closes the file.
func NewComponent(name string, opts Options) (*zap.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		cores  []zapcore.Core
		closer io.Closer = nopCloser{}
	)
	encoder := zapcore.NewJSONEncoder(encoderConfig())
	if opts.FileName != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = defaultMaxSizeMB
		}
		rotator := &lumberjack.Logger{
			Filename:  filepath.Join(opts.Dir, opts.FileName),
			MaxSize:   maxSize,
			LocalTime: true,
			Compress:  true,
		}
		closer = rotator
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}
	if opts.Console || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level))
	}

	stackLevel := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= zapcore.DPanicLevel
	})
	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(stackLevel)).
		Named(name)
	return logger, closer, nil
}

// ParseLevel maps a level name onto a zap level. Empty means info; WARNING
// is accepted as an alias for warn.
func ParseLevel(raw string) (zapcore.Level, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch name {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		name = "warn"
	case "critical":
		name = "fatal"
	}
	level, err := zapcore.ParseLevel(name)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("parse log level %q: %w", raw, err)
	}
	return level, nil
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
