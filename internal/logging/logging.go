// Package logging builds the process logger: console output on stderr, or
// structured JSON lines into a size-rotated file.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
	"pkt.systems/pslog"
)

type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Console overrides os.Stderr when File is empty.
	Console io.Writer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns the logger and a closer for its sink. Closing is a no-op for
// console output.
func New(opts Options) (pslog.Logger, io.Closer, error) {
	logOpts := pslog.Options{Mode: pslog.ModeConsole}
	switch strings.ToLower(strings.TrimSpace(opts.Level)) {
	case "trace":
		logOpts.MinLevel = pslog.TraceLevel
	case "debug":
		logOpts.MinLevel = pslog.DebugLevel
	case "", "info":
		logOpts.MinLevel = pslog.InfoLevel
	case "error":
		logOpts.MinLevel = pslog.ErrorLevel
	default:
		return nil, nil, fmt.Errorf("unsupported log level %q", opts.Level)
	}

	path := strings.TrimSpace(opts.File)
	if path == "" {
		console := opts.Console
		if console == nil {
			console = os.Stderr
		}
		logger := pslog.LoggerFromEnv(
			pslog.WithEnvWriter(console),
			pslog.WithEnvOptions(logOpts),
		)
		return logger, nopCloser{}, nil
	}

	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}
	logOpts.Mode = pslog.ModeStructured
	logOpts.NoColor = true
	logOpts.VerboseFields = true
	return pslog.NewWithOptions(sink, logOpts), sink, nil
}
