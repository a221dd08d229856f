package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the process logger. With file set, output goes to a
// rotating log file and w is ignored. The returned closer releases the file.
func newLogger(level, format, file string, w io.Writer) (*slog.Logger, io.Closer, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %s", level)
	}

	var closer io.Closer = io.NopCloser(nil)
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			Compress:   true,
			LocalTime:  true,
		}
		w = rotator
		closer = rotator
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "console":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
			NoColor:    file != "",
		})
	default:
		return nil, nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), closer, nil
}
