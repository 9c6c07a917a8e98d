package log

import (
	"context"
	"errors"
	"log/slog"
)

// MultiHandler fans out records to every child handler that is enabled for
// the record level. Child errors are joined.
//
// TODO: switch to slog.NewMultiHandler once go.mod moves to Go 1.26.
type MultiHandler struct {
	children []slog.Handler
}

// NewMultiHandler skips nil handlers. With a single child that child is
// returned as is.
func NewMultiHandler(handlers ...slog.Handler) slog.Handler {
	pruned := make([]slog.Handler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			pruned = append(pruned, h)
		}
	}
	if len(pruned) == 1 {
		return pruned[0]
	}
	return &MultiHandler{children: pruned}
}

func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, child := range h.children {
		if child.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *MultiHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, child := range h.children {
		if !child.Enabled(ctx, record.Level) {
			continue
		}
		// children may retain attrs; each gets its own copy
		if err := child.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	children := make([]slog.Handler, len(h.children))
	for i, child := range h.children {
		children[i] = child.WithAttrs(attrs)
	}
	return &MultiHandler{children: children}
}

func (h *MultiHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	children := make([]slog.Handler, len(h.children))
	for i, child := range h.children {
		children[i] = child.WithGroup(name)
	}
	return &MultiHandler{children: children}
}
