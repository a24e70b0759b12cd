/*
Package logging configures structured logging with file rotation.

Logs are written to both stderr (text format, for human reading) and a
rotated JSON log file (for machine parsing and post-hoc analysis).
The file logger uses lumberjack for size-based rotation. Attributes whose
key names a secret are redacted before any handler sees them.
*/
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the name of the rotated log file inside LogDir.
const FileName = "allowgated.log"

// Redacted replaces the value of secret attributes.
const Redacted = "[redacted]"

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files. If empty, file logging is disabled.
	LogDir string
	// Verbose enables DEBUG-level logging. Default is INFO.
	Verbose bool
	// Stderr receives the text log. If nil, os.Stderr is used.
	Stderr io.Writer
	// Extra handlers receive every record as well, e.g. an in-memory buffer.
	Extra []slog.Handler
}

// secretKeys are attribute keys whose values are never logged.
var secretKeys = map[string]bool{
	"password":            true,
	"token":               true,
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
}

// Setup creates a logger that writes to stderr and optionally to a rotated
// log file. Returns the logger and a cleanup function to close the file.
func Setup(cfg Config) (logger *slog.Logger, cleanup func()) {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}

	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactSecrets,
	}

	stderrHandler := slog.NewTextHandler(stderr, opts)
	handlers := append([]slog.Handler{stderrHandler}, cfg.Extra...)
	cleanup = func() {}

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil { //nolint:gosec // log directory
			// Fall back to stderr-only if we can't create the directory.
			slog.New(stderrHandler).Warn("failed to create log directory, file logging disabled",
				"dir", cfg.LogDir,
				"error", err,
			)
		} else {
			lj := &lumberjack.Logger{
				Filename:   filepath.Join(cfg.LogDir, FileName),
				MaxSize:    10, // MB per file
				MaxBackups: 3,
				MaxAge:     7, // days
				Compress:   true,
			}
			handlers = append(handlers, slog.NewJSONHandler(lj, opts))
			cleanup = func() {
				_ = lj.Close()
			}
		}
	}

	if len(handlers) == 1 {
		return slog.New(stderrHandler), cleanup
	}
	return slog.New(&multiHandler{handlers: handlers}), cleanup
}

// IsSecret reports whether an attribute key names a value that must not
// be logged.
func IsSecret(key string) bool {
	return secretKeys[strings.ToLower(key)]
}

// redactSecrets is a slog ReplaceAttr hook.
func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if IsSecret(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	return a
}

// multiHandler fans out log records to multiple slog.Handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	var first error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		// A failing file must not silence stderr.
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
