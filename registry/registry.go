// Package registry owns the live set of tasks and mediates start and stop
// between the control surface and the polling workers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/recomma/polycopy/feed"
	"github.com/recomma/polycopy/polycopy"
	"github.com/recomma/polycopy/replicator"
	"github.com/recomma/polycopy/storage"
	"github.com/recomma/polycopy/worker"
)

var (
	ErrNotFound            = errors.New("registry: task not found")
	ErrDuplicateActiveTask = errors.New("registry: owner already runs a task of this kind")
	ErrInvalidRequest      = errors.New("registry: invalid request")
	ErrClosed              = errors.New("registry: shut down")
)

// DefaultOwner is used when a start request names no owner.
const DefaultOwner = "default"

const (
	DefaultPollInterval = 5 * time.Second
	MinPollInterval     = time.Second
	MaxPollInterval     = 300 * time.Second
)

// Store mirrors task state for durability.
type Store interface {
	CreateTask(ctx context.Context, task polycopy.Task) (polycopy.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status polycopy.Status) error
	GetTask(ctx context.Context, id string) (polycopy.Task, error)
	ListTasks(ctx context.Context, status polycopy.Status) ([]polycopy.Task, error)
}

type Config struct {
	Store   Store
	Fetcher feed.Fetcher

	// Activities receives monitor records.
	Activities worker.ActivityStore
	// Replicator and Executors serve copy-trade tasks.
	Replicator worker.Replicator
	Executors  replicator.ExecutorFactory

	PageSize int

	DefaultPoll time.Duration
	MinPoll     time.Duration
	MaxPoll     time.Duration

	Logger *slog.Logger
}

// StartRequest describes a task to start.
type StartRequest struct {
	Kind          polycopy.Kind
	Owner         string
	TargetAccount string
	// PollInterval of zero selects the configured default.
	PollInterval time.Duration
	// Credentials are required for copy-trade tasks and are never persisted.
	Credentials *polycopy.Credentials
}

type Registry struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	entries  map[string]*entry
	reserved map[slotKey]struct{}
	closed   bool
}

func New(cfg Config) *Registry {
	if cfg.DefaultPoll <= 0 {
		cfg.DefaultPoll = DefaultPollInterval
	}
	if cfg.MinPoll <= 0 {
		cfg.MinPoll = MinPollInterval
	}
	if cfg.MaxPoll <= 0 {
		cfg.MaxPoll = MaxPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger.WithGroup("registry"),
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]*entry),
		reserved: make(map[slotKey]struct{}),
	}
}

// Start validates req, persists a Running task and spawns its worker.
func (r *Registry) Start(ctx context.Context, req StartRequest) (polycopy.Task, error) {
	task, err := r.validate(req)
	if err != nil {
		return polycopy.Task{}, err
	}

	slot := slotKey{owner: task.Owner, kind: task.Kind}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return polycopy.Task{}, ErrClosed
	}
	if err := r.checkSlotLocked(slot); err != nil {
		r.mu.Unlock()
		return polycopy.Task{}, err
	}
	r.reserved[slot] = struct{}{}
	r.mu.Unlock()

	task.ID = uuid.NewString()
	task.Status = polycopy.StatusRunning
	created, err := r.cfg.Store.CreateTask(ctx, task)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, slot)
	if err != nil {
		return polycopy.Task{}, fmt.Errorf("persist task: %w", err)
	}
	if r.closed {
		// the row stays Running and is picked up by the next Restore
		return polycopy.Task{}, ErrClosed
	}

	e := r.spawnLocked(created, req.Credentials)
	r.logger.Info("task started",
		slog.String("task-id", created.ID),
		slog.String("kind", string(created.Kind)),
		slog.String("owner", created.Owner),
		slog.String("target", created.TargetAccount),
		slog.Duration("poll", created.PollInterval),
	)
	return e.task, nil
}

// slotKey is the unit of the one-running-task-per-kind policy.
type slotKey struct {
	owner string
	kind  polycopy.Kind
}

// checkSlotLocked fails when slot is taken by a running task or by a start in
// flight. r.mu must be held.
func (r *Registry) checkSlotLocked(slot slotKey) error {
	if _, ok := r.reserved[slot]; ok {
		return fmt.Errorf("%w: %s task is being started", ErrDuplicateActiveTask, slot.kind)
	}
	for _, e := range r.entries {
		if e.task.Owner == slot.owner && e.task.Kind == slot.kind && e.task.Status == polycopy.StatusRunning {
			return fmt.Errorf("%w: %s task %s", ErrDuplicateActiveTask, slot.kind, e.task.ID)
		}
	}
	return nil
}

func (r *Registry) validate(req StartRequest) (polycopy.Task, error) {
	if !req.Kind.Valid() {
		return polycopy.Task{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
	target := strings.TrimSpace(req.TargetAccount)
	if !common.IsHexAddress(target) {
		return polycopy.Task{}, fmt.Errorf("%w: target account %q is not an address", ErrInvalidRequest, req.TargetAccount)
	}
	poll := req.PollInterval
	if poll == 0 {
		poll = r.cfg.DefaultPoll
	}
	if poll < r.cfg.MinPoll || poll > r.cfg.MaxPoll {
		return polycopy.Task{}, fmt.Errorf("%w: poll interval %s outside [%s, %s]", ErrInvalidRequest, poll, r.cfg.MinPoll, r.cfg.MaxPoll)
	}
	if req.Kind == polycopy.KindCopyTrade {
		if req.Credentials == nil || strings.TrimSpace(req.Credentials.PrivateKey) == "" {
			return polycopy.Task{}, fmt.Errorf("%w: private key is required", ErrInvalidRequest)
		}
		if w := req.Credentials.Wallet; w != "" && !common.IsHexAddress(w) {
			return polycopy.Task{}, fmt.Errorf("%w: wallet %q is not an address", ErrInvalidRequest, w)
		}
		if r.cfg.Executors == nil || r.cfg.Replicator == nil {
			return polycopy.Task{}, fmt.Errorf("%w: copy trading is not configured", ErrInvalidRequest)
		}
	}
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		owner = DefaultOwner
	}
	return polycopy.Task{
		Kind:          req.Kind,
		Owner:         owner,
		TargetAccount: strings.ToLower(target),
		PollInterval:  poll,
	}, nil
}

// spawnLocked registers task and runs its worker. r.mu must be held.
func (r *Registry) spawnLocked(task polycopy.Task, creds *polycopy.Credentials) *entry {
	e := &entry{
		registry: r,
		task:     task,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	cfg := worker.Config{
		Task:     task,
		Handle:   e,
		Fetcher:  r.cfg.Fetcher,
		PageSize: r.cfg.PageSize,
		Store:    r.cfg.Activities,
		Logger:   r.cfg.Logger,
	}
	if task.Kind == polycopy.KindCopyTrade && creds != nil {
		credentials := *creds
		factory := r.cfg.Executors
		cfg.Replicator = r.cfg.Replicator
		cfg.NewExecutor = func(ctx context.Context) (polycopy.Executor, error) {
			return factory(ctx, credentials)
		}
	}
	e.worker = worker.New(cfg)
	r.entries[task.ID] = e

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(e.done)
		e.worker.Run(r.ctx)
	}()
	return e
}

// Stop flips a running task to Stopped. The worker observes it at its next
// loop boundary. Stopping a task that is not running returns it unchanged.
// A failed status write is retried and then logged; the stop still holds.
func (r *Registry) Stop(ctx context.Context, id string) (polycopy.Task, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return r.persisted(ctx, id)
	}
	if e.task.Status != polycopy.StatusRunning {
		task := e.task
		r.mu.Unlock()
		return task, nil
	}
	e.task.Status = polycopy.StatusStopped
	e.task.UpdatedAt = time.Now().UTC()
	task := e.task
	r.mu.Unlock()

	e.closeStop()
	r.logger.Info("task stopped", slog.String("task-id", id))
	if err := r.persistStatus(ctx, id, polycopy.StatusStopped); err != nil {
		// the stop already took effect; a row left Running is resumed by Restore
		r.logger.Error("could not persist stopped status", slog.String("task-id", id), slog.String("error", err.Error()))
	}
	return task, nil
}

const (
	persistAttempts   = 3
	persistRetryDelay = 50 * time.Millisecond
)

// persistStatus writes status for id, retrying transient store errors.
func (r *Registry) persistStatus(ctx context.Context, id string, status polycopy.Status) error {
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		err = r.cfg.Store.UpdateTaskStatus(ctx, id, status)
		if err == nil || errors.Is(err, storage.ErrTaskNotFound) || attempt == persistAttempts {
			return err
		}
		select {
		case <-time.After(time.Duration(attempt) * persistRetryDelay):
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}
	}
	return err
}

// Status returns the live task, or the persisted row for tasks not in memory.
func (r *Registry) Status(ctx context.Context, id string) (polycopy.Task, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	var task polycopy.Task
	if ok {
		task = e.task
	}
	r.mu.RUnlock()
	if ok {
		return task, nil
	}
	return r.persisted(ctx, id)
}

func (r *Registry) persisted(ctx context.Context, id string) (polycopy.Task, error) {
	task, err := r.cfg.Store.GetTask(ctx, id)
	if errors.Is(err, storage.ErrTaskNotFound) {
		return polycopy.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return polycopy.Task{}, err
	}
	return task, nil
}

// List returns the in-memory tasks of owner, oldest first. An empty owner
// lists every task.
func (r *Registry) List(owner string) []polycopy.Task {
	r.mu.RLock()
	tasks := make([]polycopy.Task, 0, len(r.entries))
	for _, e := range r.entries {
		if owner == "" || e.task.Owner == owner {
			tasks = append(tasks, e.task)
		}
	}
	r.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// Restore resumes persisted Running monitor tasks. Running copy-trade tasks
// cannot resume without credentials and are marked Stopped.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	tasks, err := r.cfg.Store.ListTasks(ctx, polycopy.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}

	resumed := 0
	for _, task := range tasks {
		if _, ok := r.entries[task.ID]; ok {
			continue
		}
		switch task.Kind {
		case polycopy.KindMonitor:
			r.spawnLocked(task, nil)
			resumed++
			r.logger.Info("task resumed", slog.String("task-id", task.ID), slog.String("target", task.TargetAccount))
		default:
			if err := r.cfg.Store.UpdateTaskStatus(ctx, task.ID, polycopy.StatusStopped); err != nil {
				return resumed, fmt.Errorf("stop task %s: %w", task.ID, err)
			}
			r.logger.Warn("copy-trade task stopped on restart, credentials are not kept", slog.String("task-id", task.ID))
		}
	}
	return resumed, nil
}

// Shutdown cancels every worker and waits for them to exit. Persisted
// statuses are left untouched.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}

// entry is the registry side of one worker.
type entry struct {
	registry *Registry
	task     polycopy.Task
	worker   *worker.Worker

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (e *entry) Running() bool {
	e.registry.mu.RLock()
	defer e.registry.mu.RUnlock()
	return e.task.Status == polycopy.StatusRunning
}

func (e *entry) Stopped() <-chan struct{} {
	return e.stop
}

func (e *entry) closeStop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Fail is the worker's self-transition to Failed.
func (e *entry) Fail(cause error) {
	r := e.registry
	r.mu.Lock()
	if e.task.Status != polycopy.StatusRunning {
		r.mu.Unlock()
		return
	}
	e.task.Status = polycopy.StatusFailed
	e.task.UpdatedAt = time.Now().UTC()
	id := e.task.ID
	r.mu.Unlock()

	e.closeStop()
	r.logger.Error("task failed", slog.String("task-id", id), slog.String("error", cause.Error()))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 5*time.Second)
	defer cancel()
	if err := r.persistStatus(ctx, id, polycopy.StatusFailed); err != nil {
		r.logger.Error("could not persist failed status", slog.String("task-id", id), slog.String("error", err.Error()))
	}
}
