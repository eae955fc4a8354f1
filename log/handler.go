package log

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

type discardHandler struct{}

// DiscardHandler returns a no-op handler
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

func (h *discardHandler) Handle(_ context.Context, r slog.Record) error { return nil }
func (h *discardHandler) Enabled(_ context.Context, level slog.Level) bool {
	return false
}
func (h *discardHandler) WithGroup(name string) slog.Handler       { return h }
func (h *discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }

// NewTerminalHandlerWithLevel returns a text handler writing to wr that
// prints the custom trace and crit levels by name.
func NewTerminalHandlerWithLevel(wr io.Writer, lvl slog.Level) slog.Handler {
	return slog.NewTextHandler(wr, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if l, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(LevelAlignedString(l))
				}
			}
			return a
		},
	})
}

// RecordingHandler keeps every record it sees. Used by tests that assert on
// emitted warnings.
type RecordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
	level   slog.Level
}

func NewRecordingHandler(lvl slog.Level) *RecordingHandler {
	return &RecordingHandler{level: lvl}
}

func (h *RecordingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *RecordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *RecordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *RecordingHandler) WithGroup(name string) slog.Handler       { return h }

// Records returns a copy of the captured records.
func (h *RecordingHandler) Records() []slog.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]slog.Record, len(h.records))
	copy(out, h.records)
	return out
}

// Count returns how many captured records carry the given message at level.
func (h *RecordingHandler) Count(level slog.Level, msg string) int {
	n := 0
	for _, r := range h.Records() {
		if r.Level == level && r.Message == msg {
			n++
		}
	}
	return n
}
