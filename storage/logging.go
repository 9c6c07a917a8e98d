package storage

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"
)

// slowStatement promotes statement traces to warnings.
const slowStatement = 250 * time.Millisecond

// loggingDB traces every statement issued through it at debug level.
type loggingDB struct {
	inner  dbtx
	logger *slog.Logger
}

func (l loggingDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := l.inner.ExecContext(ctx, query, args...)
	l.trace(ctx, "sql exec", query, args, time.Since(start), err)
	return res, err
}

func (l loggingDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := l.inner.QueryContext(ctx, query, args...)
	l.trace(ctx, "sql query", query, args, time.Since(start), err)
	return rows, err
}

// QueryRowContext defers errors to Scan, so only the statement is traced.
func (l loggingDB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := l.inner.QueryRowContext(ctx, query, args...)
	l.trace(ctx, "sql query row", query, args, time.Since(start), nil)
	return row
}

func (l loggingDB) trace(ctx context.Context, msg, query string, args []any, took time.Duration, err error) {
	level := slog.LevelDebug
	if err != nil || took >= slowStatement {
		level = slog.LevelWarn
	}
	if !l.logger.Enabled(ctx, level) {
		return
	}
	attrs := []slog.Attr{
		slog.String("query", compact(query)),
		slog.Any("args", args),
		slog.Duration("duration", took),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.logger.LogAttrs(ctx, level, msg, attrs...)
}

// compact folds the multi-line statements into a single line.
func compact(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
