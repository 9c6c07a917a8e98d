package log

import (
	"context"
	"log/slog"
	"strings"
)

// GroupFilterHandler drops records whose group path matches none of the
// allowed patterns. A pattern "worker" matches the group path "worker" and
// everything nested below it; "registry.api" matches only that subtree.
// Records at or above the pass level are always emitted.
type GroupFilterHandler struct {
	next    slog.Handler
	allowed []string
	pass    slog.Level
	path    string
}

type GroupFilterOption func(*GroupFilterHandler)

// WithPassLevel sets the level from which records bypass the filter. The
// default is slog.LevelWarn.
func WithPassLevel(level slog.Level) GroupFilterOption {
	return func(h *GroupFilterHandler) {
		h.pass = level
	}
}

// NewGroupFilterHandler wraps next. When allowedGroups is empty, next is
// returned unchanged.
func NewGroupFilterHandler(next slog.Handler, allowedGroups []string, opts ...GroupFilterOption) slog.Handler {
	if next == nil {
		return nil
	}
	var allowed []string
	for _, group := range allowedGroups {
		if trimmed := strings.Trim(strings.ToLower(strings.TrimSpace(group)), "."); trimmed != "" {
			allowed = append(allowed, trimmed)
		}
	}
	if len(allowed) == 0 {
		return next
	}
	h := &GroupFilterHandler{
		next:    next,
		allowed: allowed,
		pass:    slog.LevelWarn,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *GroupFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.pass && !h.matches() {
		return false
	}
	return h.next.Enabled(ctx, level)
}

func (h *GroupFilterHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level < h.pass && !h.matches() {
		return nil
	}
	return h.next.Handle(ctx, record)
}

func (h *GroupFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.next = h.next.WithAttrs(attrs)
	return &clone
}

func (h *GroupFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.next = h.next.WithGroup(name)
	if clone.path == "" {
		clone.path = strings.ToLower(name)
	} else {
		clone.path += "." + strings.ToLower(name)
	}
	return &clone
}

func (h *GroupFilterHandler) matches() bool {
	if h.path == "" {
		return false
	}
	for _, pattern := range h.allowed {
		if h.path == pattern || strings.HasPrefix(h.path, pattern+".") {
			return true
		}
	}
	return false
}
