// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"stream-rpc/config"
)

// Init applies cfg to the standard logrus logger. Format is "text" or "json".
// With File set, output goes to a size-rotated file.
func Init(cfg config.Logging) error {
	return Configure(logrus.StandardLogger(), cfg)
}

// Configure applies cfg to logger.
func Configure(logger *logrus.Logger, cfg config.Logging) error {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	switch cfg.Format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.DateTime,
			CallerPrettyfier: func(frame *runtime.Frame) (function string, file string) {
				return frame.Function, ""
			},
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			CallerPrettyfier: func(frame *runtime.Frame) (function string, file string) {
				return frame.Function, ""
			},
		})
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}
	if cfg.File != "" {
		logger.SetOutput(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    max(cfg.Rotation.MaxSizeMB, 1),
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAge:     cfg.Rotation.MaxAgeDays,
			Compress:   cfg.Rotation.Compress,
		})
	}
	logger.SetLevel(lvl)
	// Caller info only pays off when debugging.
	logger.SetReportCaller(lvl >= logrus.DebugLevel)
	return nil
}

// Discard silences logger, e.g. in benchmarks.
func Discard(logger *logrus.Logger) {
	logger.SetOutput(io.Discard)
}
