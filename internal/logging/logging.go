// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zulandar/kbmigrate/internal/config"
)

// Logger is the configured logger plus any file sink that must be closed.
type Logger struct {
	*logrus.Logger
	file io.Closer
}

// New returns a logger writing to console (when enabled) and to a rotated
// log file (when configured).
func New(cfg config.LoggingConfig, console io.Writer) (*Logger, error) {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: level: %w", err)
	}
	l.SetLevel(level)

	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var sinks []io.Writer
	if cfg.Console && console != nil {
		sinks = append(sinks, console)
	}

	out := &Logger{Logger: l}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("logging: create log dir: %w", err)
		}
		rot := &lumberjack.Logger{
			Filename: cfg.File,
			MaxSize:  cfg.RotationSizeMB,
			MaxAge:   cfg.RetentionDays,
			Compress: true,
		}
		sinks = append(sinks, rot)
		out.file = rot
	}

	switch len(sinks) {
	case 0:
		l.SetOutput(io.Discard)
	case 1:
		l.SetOutput(sinks[0])
	default:
		l.SetOutput(io.MultiWriter(sinks...))
	}
	return out, nil
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Discard returns a logger that drops everything, for tests and defaults.
func Discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
