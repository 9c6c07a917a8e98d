package log

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recomma/polycopy/polycopy"
)

type recordingHandler struct {
	records []slog.Record
	err     error
	level   slog.Level
}

func (h *recordingHandler) Enabled(_ context.Context, level slog.Level) bool { return level >= h.level }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.records = append(h.records, r)
	return h.err
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

func TestGroupFilterAllowsConfiguredGroups(t *testing.T) {
	rec := &recordingHandler{}
	handler := NewGroupFilterHandler(rec, []string{" Worker ", "registry.api"})
	require.IsType(t, &GroupFilterHandler{}, handler)

	logger := slog.New(handler)
	logger.Info("ungrouped")
	logger.WithGroup("feed").Info("other group")
	logger.WithGroup("worker").Info("allowed")
	logger.WithGroup("worker").WithGroup("hl").Info("nested under allowed")
	logger.WithGroup("workers").Info("prefix is not a group match")
	logger.WithGroup("registry").Info("parent of allowed subtree")
	logger.WithGroup("registry").WithGroup("api").Info("allowed subtree")

	var got []string
	for _, r := range rec.records {
		got = append(got, r.Message)
	}
	require.Equal(t, []string{"allowed", "nested under allowed", "allowed subtree"}, got)
}

func TestGroupFilterPassesWarnings(t *testing.T) {
	rec := &recordingHandler{}
	logger := slog.New(NewGroupFilterHandler(rec, []string{"worker"}))

	logger.WithGroup("feed").Warn("feed degraded")
	logger.WithGroup("feed").Error("feed down")
	logger.WithGroup("feed").Info("quiet")
	require.Len(t, rec.records, 2)

	rec.records = nil
	strict := slog.New(NewGroupFilterHandler(rec, []string{"worker"}, WithPassLevel(slog.LevelError)))
	strict.WithGroup("feed").Warn("feed degraded")
	strict.WithGroup("feed").Error("feed down")
	require.Len(t, rec.records, 1)
}

func TestGroupFilterPassthroughWhenNoAllowlist(t *testing.T) {
	rec := &recordingHandler{}
	require.Same(t, rec, NewGroupFilterHandler(rec, nil))
	require.Same(t, rec, NewGroupFilterHandler(rec, []string{" ", "."}))
}

func TestMultiHandlerFansOut(t *testing.T) {
	info := &recordingHandler{level: slog.LevelInfo}
	errOnly := &recordingHandler{level: slog.LevelError, err: errors.New("sink full")}

	handler := NewMultiHandler(info, nil, errOnly)
	require.True(t, handler.Enabled(context.Background(), slog.LevelInfo))
	require.False(t, handler.Enabled(context.Background(), slog.LevelDebug))

	require.NoError(t, handler.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "info", 0)))
	err := handler.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelError, "boom", 0))
	require.ErrorContains(t, err, "sink full")

	require.Len(t, info.records, 2)
	require.Len(t, errOnly.records, 1)

	require.Same(t, info, NewMultiHandler(nil, info))
}

func TestTaskLoggerAndContext(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	task := polycopy.Task{ID: "task-1", Kind: polycopy.KindMonitor, TargetAccount: "0xabc"}
	logger := TaskLogger(base, task)

	ctx := ContextWithLogger(context.Background(), logger)
	LoggerFromContext(ctx).Info("hello")

	line := buf.String()
	require.True(t, strings.Contains(line, "task-id=task-1"), line)
	require.True(t, strings.Contains(line, "kind=monitor"), line)
	require.True(t, strings.Contains(line, "target=0xabc"), line)

	require.Same(t, slog.Default(), LoggerFromContext(context.Background()))
	require.Same(t, base, LoggerFromContextOr(context.Background(), base))
}
