// Package logging configures slog and provides the migration logging façade.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// New creates a logger writing text or json records to w.
func New(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return slog.New(handler), nil
}

// Migration tags log records with the run id and, once set, the change set
// being written and the revision it had in the dump. It is safe for use by
// the heartbeat goroutine while the pipeline updates the position.
type Migration struct {
	logger *slog.Logger
	runID  string

	current    atomic.Int64
	original   atomic.Int64
	positioned atomic.Bool
}

// NewMigration wraps base with a fresh run id.
func NewMigration(base *slog.Logger) *Migration {
	if base == nil {
		base = slog.Default()
	}
	m := &Migration{runID: uuid.NewString()}
	inner := base.Handler().WithAttrs([]slog.Attr{slog.String("run_id", m.runID)})
	m.logger = slog.New(&positionHandler{inner: inner, m: m})
	return m
}

// RunID returns the id attached to every record.
func (m *Migration) RunID() string { return m.runID }

// WithChangeSet records the current position of the run.
func (m *Migration) WithChangeSet(current, original int64) {
	m.current.Store(current)
	m.original.Store(original)
	m.positioned.Store(true)
}

// Position returns the last recorded position.
func (m *Migration) Position() (current, original int64, ok bool) {
	return m.current.Load(), m.original.Load(), m.positioned.Load()
}

// Logger returns a logger tagging each record with the run id and the
// position at the time the record is logged. Loggers derived from it with
// With keep following the position.
func (m *Migration) Logger() *slog.Logger { return m.logger }

// positionHandler adds the position of m to every record it handles.
type positionHandler struct {
	inner slog.Handler
	m     *Migration
}

func (h *positionHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *positionHandler) Handle(ctx context.Context, r slog.Record) error {
	if cur, orig, ok := h.m.Position(); ok {
		r = r.Clone()
		r.AddAttrs(slog.Int64("changeset", cur), slog.Int64("original_revision", orig))
	}
	return h.inner.Handle(ctx, r)
}

func (h *positionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &positionHandler{inner: h.inner.WithAttrs(attrs), m: h.m}
}

func (h *positionHandler) WithGroup(name string) slog.Handler {
	return &positionHandler{inner: h.inner.WithGroup(name), m: h.m}
}

func (m *Migration) Debug(msg string, args ...any) { m.Logger().Debug(msg, args...) }
func (m *Migration) Info(msg string, args ...any)  { m.Logger().Info(msg, args...) }
func (m *Migration) Warn(msg string, args ...any)  { m.Logger().Warn(msg, args...) }
func (m *Migration) Error(msg string, args ...any) { m.Logger().Error(msg, args...) }
