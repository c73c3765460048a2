package logger

import (
	"context"
	"log/slog"
	"strings"
)

// NewSlogHandler returns a slog.Handler that forwards records to l.
// If l is nil, it returns nil.
func NewSlogHandler(l *Logger) slog.Handler {
	if l == nil {
		return nil
	}
	return &slogAdapter{log: l}
}

// NewSlogLogger wraps l in a *slog.Logger.
func NewSlogLogger(l *Logger) *slog.Logger {
	if l == nil {
		l = Global()
	}
	return slog.New(NewSlogHandler(l))
}

// slogAdapter maps slog attributes onto Logger fields. Group names become
// dotted key prefixes.
type slogAdapter struct {
	log   *Logger
	group string
}

func (h *slogAdapter) Enabled(_ context.Context, level slog.Level) bool {
	current := h.log.GetLevel()
	return current != LevelNone && toLevel(level) >= current
}

func (h *slogAdapter) Handle(_ context.Context, record slog.Record) error {
	var kv []any
	record.Attrs(func(attr slog.Attr) bool {
		kv = flatten(kv, h.group, attr)
		return true
	})

	l := h.log
	if len(kv) > 0 {
		l = l.With(kv...)
	}
	l.log(toLevel(record.Level), "%s", strings.TrimRight(record.Message, "\n"))
	return nil
}

func (h *slogAdapter) WithAttrs(attrs []slog.Attr) slog.Handler {
	var kv []any
	for _, attr := range attrs {
		kv = flatten(kv, h.group, attr)
	}
	if len(kv) == 0 {
		return h
	}
	return &slogAdapter{log: h.log.With(kv...), group: h.group}
}

func (h *slogAdapter) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &slogAdapter{log: h.log, group: joinKey(h.group, name)}
}

func toLevel(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// flatten appends attr to kv as key/value pairs, expanding groups.
func flatten(kv []any, prefix string, attr slog.Attr) []any {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return kv
	}
	if attr.Value.Kind() == slog.KindGroup {
		// An unnamed group inlines its members.
		groupPrefix := prefix
		if attr.Key != "" {
			groupPrefix = joinKey(prefix, attr.Key)
		}
		for _, nested := range attr.Value.Group() {
			kv = flatten(kv, groupPrefix, nested)
		}
		return kv
	}

	key := attr.Key
	if key == "" {
		key = "attr"
	}
	return append(kv, joinKey(prefix, key), attr.Value.String())
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
