// Package tasklog persists log records that belong to a task so they can be
// served next to the task's records.
package tasklog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// TaskIDKey is the attribute that marks a record as task scoped.
const TaskIDKey = "task-id"

const defaultQueueSize = 256

var (
	ErrQueueFull     = errors.New("tasklog: queue full")
	ErrHandlerClosed = errors.New("tasklog: handler closed")
)

// Entry is one persisted record.
type Entry struct {
	TaskID          string
	TimestampMillis int64
	Level           string
	Scope           string
	Message         string
	AttrsJSON       []byte
}

type InsertFunc func(context.Context, Entry) error

type Option func(*handlerConfig)

type handlerConfig struct {
	minLevel  slog.Level
	queueSize int
	insertFn  InsertFunc
}

func WithMinLevel(level slog.Level) Option {
	return func(cfg *handlerConfig) {
		cfg.minLevel = level
	}
}

func WithQueueSize(size int) Option {
	return func(cfg *handlerConfig) {
		if size > 0 {
			cfg.queueSize = size
		}
	}
}

func WithInsertFunc(fn InsertFunc) Option {
	return func(cfg *handlerConfig) {
		cfg.insertFn = fn
	}
}

// Handler is a slog.Handler that queues task scoped records for a single
// writer goroutine. Records without a task id are dropped.
type Handler struct {
	core   *core
	taskID string
	attrs  []groupedAttr
	groups []string
}

type groupedAttr struct {
	groups []string
	attr   slog.Attr
}

type core struct {
	insertFn InsertFunc
	minLevel slog.Level

	queue chan Entry
	done  chan struct{}
	stop  chan struct{}

	mu     sync.RWMutex
	closed atomic.Bool
}

func NewHandler(opts ...Option) (*Handler, error) {
	cfg := handlerConfig{
		minLevel:  slog.LevelInfo,
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.insertFn == nil {
		return nil, errors.New("tasklog: insert function is required")
	}

	c := &core{
		insertFn: cfg.insertFn,
		minLevel: cfg.minLevel,
		queue:    make(chan Entry, cfg.queueSize),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	go c.run()

	return &Handler{core: c}, nil
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	if h == nil || h.core == nil {
		return false
	}
	return level >= h.core.minLevel
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	if h == nil || h.core == nil {
		return errors.New("tasklog: handler not initialized")
	}
	if !h.Enabled(ctx, record.Level) {
		return nil
	}

	taskID := h.taskID
	record.Attrs(func(a slog.Attr) bool {
		if a.Key == TaskIDKey {
			taskID = a.Value.String()
			return false
		}
		return true
	})
	if taskID == "" {
		return nil
	}

	return h.core.enqueue(h.entry(taskID, record))
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := h.clone()
	for _, a := range attrs {
		if a.Key == TaskIDKey {
			clone.taskID = a.Value.String()
		}
		clone.attrs = append(clone.attrs, groupedAttr{groups: clone.groups, attr: a})
	}
	return clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := h.clone()
	clone.groups = append(clone.groups, name)
	return clone
}

// Close stops accepting records and waits for the queue to drain or ctx to end.
func (h *Handler) Close(ctx context.Context) error {
	if h == nil || h.core == nil {
		return nil
	}
	return h.core.close(ctx)
}

func (h *Handler) clone() *Handler {
	return &Handler{
		core:   h.core,
		taskID: h.taskID,
		attrs:  append([]groupedAttr{}, h.attrs...),
		groups: append([]string{}, h.groups...),
	}
}

func (h *Handler) entry(taskID string, record slog.Record) Entry {
	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	root := map[string]any{}
	for _, ga := range h.attrs {
		put(root, ga.groups, ga.attr)
	}
	record.Attrs(func(a slog.Attr) bool {
		put(root, h.groups, a)
		return true
	})

	attrs, err := json.Marshal(root)
	if err != nil {
		attrs = []byte("{}")
	}

	return Entry{
		TaskID:          taskID,
		TimestampMillis: ts.UTC().UnixMilli(),
		Level:           record.Level.String(),
		Scope:           strings.Join(h.groups, "."),
		Message:         record.Message,
		AttrsJSON:       attrs,
	}
}

func (c *core) enqueue(e Entry) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed.Load() {
		return ErrHandlerClosed
	}
	select {
	case c.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *core) run() {
	defer close(c.done)
	for {
		select {
		case e := <-c.queue:
			_ = c.insertFn(context.Background(), e)
		case <-c.stop:
			for {
				select {
				case e := <-c.queue:
					_ = c.insertFn(context.Background(), e)
				default:
					return
				}
			}
		}
	}
}

func (c *core) close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed.Swap(true) {
		c.mu.Unlock()
		return nil
	}
	close(c.stop)
	c.mu.Unlock()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func put(dst map[string]any, groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Key == "" && a.Value.Kind() != slog.KindGroup {
		return
	}
	target := dst
	for _, g := range groups {
		next, ok := target[g].(map[string]any)
		if !ok {
			next = map[string]any{}
			target[g] = next
		}
		target = next
	}

	if a.Value.Kind() == slog.KindGroup {
		sub := groups
		if a.Key != "" {
			sub = append(append([]string{}, groups...), a.Key)
		}
		for _, child := range a.Value.Group() {
			put(dst, sub, child)
		}
		return
	}
	target[a.Key] = value(a.Value)
}

func value(v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC()
	default:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	}
}
