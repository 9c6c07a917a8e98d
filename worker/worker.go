// Package worker runs the polling loop of one monitor or copy-trade task.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/recomma/polycopy/backoff"
	"github.com/recomma/polycopy/dedup"
	"github.com/recomma/polycopy/feed"
	rlog "github.com/recomma/polycopy/log"
	"github.com/recomma/polycopy/polycopy"
)

// ErrFatal marks errors that terminate the worker and fail its task.
var ErrFatal = errors.New("worker: fatal")

type State string

const (
	StateInitializing State = "initializing"
	StatePolling      State = "polling"
	StateBackoff      State = "backoff"
	StateTerminated   State = "terminated"
)

// ActivityStore persists monitor records. A duplicate (task, unique key) is
// reported as inserted=false, not as an error.
type ActivityStore interface {
	InsertActivity(ctx context.Context, rec polycopy.ActivityRecord) (bool, error)
}

// Replicator copies one trade and records the outcome. A returned error is a
// persistence failure.
type Replicator interface {
	Replicate(ctx context.Context, task polycopy.Task, sourceKey string, evt polycopy.TradeEvent, exec polycopy.Executor) (polycopy.ReplicaOutcome, error)
}

// Handle is the registry's side of a running task.
type Handle interface {
	// Running reports whether the task should keep polling.
	Running() bool
	// Stopped is closed once the task is stopped.
	Stopped() <-chan struct{}
	// Fail marks the task failed.
	Fail(err error)
}

type Config struct {
	Task     polycopy.Task
	Handle   Handle
	Fetcher  feed.Fetcher
	PageSize int

	// Store is required for monitor tasks.
	Store ActivityStore
	// Replicator and NewExecutor are required for copy-trade tasks.
	Replicator  Replicator
	NewExecutor func(ctx context.Context) (polycopy.Executor, error)

	Logger *slog.Logger
}

type Worker struct {
	cfg    Config
	seen   *dedup.SeenSet
	exec   polycopy.Executor
	logger *slog.Logger

	// wait sleeps between iterations; see sleep.
	wait func(ctx context.Context, d time.Duration) bool

	mu    sync.RWMutex
	state State
}

func New(cfg Config) *Worker {
	if cfg.PageSize <= 0 {
		cfg.PageSize = feed.DefaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		cfg:    cfg,
		seen:   dedup.NewSeenSet(),
		logger: rlog.TaskLogger(logger.WithGroup("worker"), cfg.Task),
		state:  StateInitializing,
	}
	w.wait = w.sleep
	return w
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// SeenCount is the number of identity keys the worker remembers.
func (w *Worker) SeenCount() int {
	return w.seen.Len()
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	w.state = s
	w.mu.Unlock()
	if prev != s {
		w.logger.Debug("worker state", slog.String("from", string(prev)), slog.String("to", string(s)))
	}
}

// Run blocks until the task is stopped, ctx ends or a fatal error occurs.
func (w *Worker) Run(ctx context.Context) {
	defer w.setState(StateTerminated)

	ctx = rlog.ContextWithLogger(ctx, w.logger)

	if err := w.initialize(ctx); err != nil {
		if ctx.Err() != nil {
			w.logger.Info("worker cancelled during initialization")
			return
		}
		w.fail(err)
		return
	}
	w.logger.Info("Initialized, start polling", slog.Int("seen", w.seen.Len()))

	base := w.cfg.Task.PollInterval
	for {
		if !w.cfg.Handle.Running() || ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return
		}

		err := w.safeIteration(ctx)
		if err != nil && ctx.Err() != nil {
			// shutdown; the persisted status stays Running
			w.logger.Info("worker cancelled")
			return
		}
		if errors.Is(err, ErrFatal) {
			w.fail(err)
			return
		}
		if err != nil {
			w.setState(StateBackoff)
			w.logger.Error("poll iteration failed", slog.String("error", err.Error()))
		} else {
			w.setState(StatePolling)
		}

		if !w.wait(ctx, backoff.NextDelay(base, err != nil)) {
			w.logger.Info("worker stopped")
			return
		}
	}
}

func (w *Worker) initialize(ctx context.Context) error {
	w.setState(StateInitializing)

	if w.cfg.Task.Kind == polycopy.KindCopyTrade {
		if w.cfg.NewExecutor == nil || w.cfg.Replicator == nil {
			return fmt.Errorf("%w: copy-trade worker without execution venue", ErrFatal)
		}
		exec, err := w.cfg.NewExecutor(ctx)
		if err != nil {
			return fmt.Errorf("%w: build executor: %w", ErrFatal, err)
		}
		w.exec = exec
	} else if w.cfg.Store == nil {
		return fmt.Errorf("%w: monitor worker without store", ErrFatal)
	}

	events, err := w.fetch(ctx)
	if err != nil {
		return fmt.Errorf("%w: initial fetch: %w", ErrFatal, err)
	}
	for _, key := range dedup.PageKeys(events) {
		w.seen.Add(key)
	}
	w.setState(StatePolling)
	return nil
}

func (w *Worker) fetch(ctx context.Context) ([]polycopy.TradeEvent, error) {
	return w.cfg.Fetcher.Fetch(ctx, feed.Query{
		Account: w.cfg.Task.TargetAccount,
		Limit:   w.cfg.PageSize,
	})
}

func (w *Worker) safeIteration(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("iteration panicked: %v", p)
		}
	}()
	return w.iterate(ctx)
}

type pending struct {
	key string
	evt polycopy.TradeEvent
}

func (w *Worker) iterate(ctx context.Context) error {
	events, err := w.fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch activity: %w", err)
	}

	keys := dedup.PageKeys(events)
	var fresh []pending
	for i, evt := range events {
		if !w.seen.Has(keys[i]) {
			fresh = append(fresh, pending{key: keys[i], evt: evt})
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].evt.Timestamp < fresh[j].evt.Timestamp
	})

	processed := 0
	for _, item := range fresh {
		if !w.cfg.Handle.Running() {
			break
		}
		if !w.seen.Add(item.key) {
			continue
		}
		if err := w.process(ctx, item); err != nil {
			return err
		}
		processed++
	}
	w.logger.Info("processed new trades", slog.Int("new", processed))
	return nil
}

func (w *Worker) process(ctx context.Context, item pending) error {
	switch w.cfg.Task.Kind {
	case polycopy.KindMonitor:
		rec := polycopy.NewActivityRecord(w.cfg.Task, item.key, item.evt)
		inserted, err := w.cfg.Store.InsertActivity(ctx, rec)
		if err != nil {
			return fmt.Errorf("%w: persist activity: %w", ErrFatal, err)
		}
		if !inserted {
			w.logger.Debug("activity already recorded", slog.String("key", item.key))
		}
	case polycopy.KindCopyTrade:
		if _, err := w.cfg.Replicator.Replicate(ctx, w.cfg.Task, item.key, item.evt, w.exec); err != nil {
			return fmt.Errorf("%w: %w", ErrFatal, err)
		}
	default:
		return fmt.Errorf("%w: unknown task kind %q", ErrFatal, w.cfg.Task.Kind)
	}
	return nil
}

// sleep waits for d and reports whether the worker should continue.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return w.cfg.Handle.Running()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return w.cfg.Handle.Running()
	case <-w.cfg.Handle.Stopped():
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) fail(err error) {
	w.logger.Error("worker failed", slog.String("error", err.Error()))
	w.cfg.Handle.Fail(err)
}
