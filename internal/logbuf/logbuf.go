/*
Package logbuf keeps the most recent log entries in memory.

A Buffer is a fixed-size ring that implements slog.Handler through
Handler. It is plugged into the logger as an additional sink so the
{prefix}/logs management endpoint can show recent activity without
access to the log files. Secret attributes are redacted on the way in.
*/
package logbuf

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ushineko/allowgate/internal/logging"
)

const defaultSize = 1000

// Entry is a single log entry stored in the buffer.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Buffer is a fixed-size circular buffer of log entries.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	size    int
	pos     int // next write position
	count   int
}

// New creates a buffer holding up to size entries.
func New(size int) *Buffer {
	if size <= 0 {
		size = defaultSize
	}
	return &Buffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

func (b *Buffer) add(entry Entry) {
	b.mu.Lock()
	b.entries[b.pos] = entry
	b.pos = (b.pos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	b.mu.Unlock()
}

// Len returns the number of entries held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Recent returns up to n of the newest entries at or above minLevel, oldest
// first. n <= 0 returns every matching entry.
func (b *Buffer) Recent(n int, minLevel slog.Level) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]Entry, 0, b.count)
	start := (b.pos - b.count + b.size) % b.size
	for i := 0; i < b.count; i++ {
		e := b.entries[(start+i)%b.size]
		if lvl, _ := ParseLevel(e.Level); lvl >= minLevel {
			result = append(result, e)
		}
	}

	if n > 0 && len(result) > n {
		result = result[len(result)-n:]
	}
	return result
}

// Handler returns an slog.Handler that records entries at or above level.
func (b *Buffer) Handler(level slog.Leveler) slog.Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &bufHandler{buf: b, level: level}
}

type bufHandler struct {
	buf    *Buffer
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

func (h *bufHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *bufHandler) Handle(_ context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler interface
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	for _, a := range h.attrs {
		put(attrs, prefix, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		put(attrs, prefix, a)
		return true
	})

	h.buf.add(Entry{
		Timestamp: r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Attrs:     attrs,
	})
	return nil
}

// put stores a, flattening groups into dotted keys.
func put(attrs map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range v.Group() {
			put(attrs, p, ga)
		}
		return
	}
	if logging.IsSecret(a.Key) {
		attrs[prefix+a.Key] = logging.Redacted
		return
	}
	attrs[prefix+a.Key] = v.Any()
}

func (h *bufHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &bufHandler{
		buf:    h.buf,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *bufHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups[len(h.groups)] = name
	return &bufHandler{
		buf:    h.buf,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// ParseLevel converts a level name (case-insensitive) to slog.Level. ok is
// false for unknown names, which map to INFO.
func ParseLevel(s string) (level slog.Level, ok bool) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}
