// Package api exposes the task registry over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/oapi-codegen/nullable"
	"github.com/oapi-codegen/runtime"
	strictnethttp "github.com/oapi-codegen/runtime/strictmiddleware/nethttp"
	"github.com/rs/cors"

	"github.com/recomma/polycopy/dedup"
	"github.com/recomma/polycopy/feed"
	"github.com/recomma/polycopy/polycopy"
	"github.com/recomma/polycopy/registry"
	"github.com/recomma/polycopy/storage"
)

const (
	defaultLimit     = 50
	maxLimit         = 1000
	defaultFeedLimit = 100
	maxBodyBytes     = 1 << 20
)

// Registry is the task control the API drives.
type Registry interface {
	Start(ctx context.Context, req registry.StartRequest) (polycopy.Task, error)
	Stop(ctx context.Context, id string) (polycopy.Task, error)
	Status(ctx context.Context, id string) (polycopy.Task, error)
	List(owner string) []polycopy.Task
}

// Store is the read side of storage.Storage surfaced through the API.
type Store interface {
	CountActivities(ctx context.Context, taskID string) (int64, error)
	CountOutcomes(ctx context.Context, f storage.OutcomeFilter) (int64, error)
	ListRecentActivities(ctx context.Context, taskID string, limit int) ([]polycopy.ActivityRecord, error)
	ListRecentOutcomes(ctx context.Context, taskID string, limit int) ([]polycopy.ReplicaOutcome, error)
	ListTaskLogs(ctx context.Context, taskID string, limit int) ([]storage.TaskLog, error)
}

var errFeedUnavailable = errors.New("activity feed is not configured")

type Handler struct {
	registry    Registry
	store       Store
	fetcher     feed.Fetcher
	logger      *slog.Logger
	middlewares []strictnethttp.StrictHTTPMiddlewareFunc
}

type HandlerOption func(*Handler)

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithFetcher enables GET /api/activity.
func WithFetcher(f feed.Fetcher) HandlerOption {
	return func(h *Handler) {
		h.fetcher = f
	}
}

// WithMiddlewares appends middlewares applied to every operation. The last
// one runs outermost.
func WithMiddlewares(m ...strictnethttp.StrictHTTPMiddlewareFunc) HandlerOption {
	return func(h *Handler) {
		h.middlewares = append(h.middlewares, m...)
	}
}

func NewHandler(reg Registry, store Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry: reg,
		store:    store,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.WithGroup("api")
	h.middlewares = append([]strictnethttp.StrictHTTPMiddlewareFunc{
		AccessLogMiddleware(h.logger),
		OwnerMiddleware(),
	}, h.middlewares...)
	return h
}

// Register mounts every operation on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/monitor/start", h.operation("StartMonitor", h.startMonitor))
	mux.Handle("POST /api/copy-trade/start", h.operation("StartCopyTrade", h.startCopyTrade))
	mux.Handle("GET /api/tasks", h.operation("ListTasks", h.listTasks))
	mux.Handle("GET /api/tasks/{id}", h.operation("GetTask", h.getTask))
	mux.Handle("POST /api/tasks/{id}/stop", h.operation("StopTask", h.stopTask))
	mux.Handle("GET /api/tasks/{id}/records", h.operation("ListTaskRecords", h.listRecords))
	mux.Handle("GET /api/tasks/{id}/stats", h.operation("GetTaskStats", h.taskStats))
	mux.Handle("GET /api/tasks/{id}/logs", h.operation("ListTaskLogs", h.listLogs))
	mux.Handle("GET /api/activity", h.operation("GetActivity", h.activity))
}

// NewServer returns the API mux wrapped in CORS for allowedOrigins.
func NewServer(h *Handler, allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

type operationFunc func(ctx context.Context, r *http.Request) (response, error)

func (h *Handler) operation(operationID string, op operationFunc) http.Handler {
	f := strictnethttp.StrictHTTPHandlerFunc(func(ctx context.Context, w http.ResponseWriter, r *http.Request, request interface{}) (interface{}, error) {
		return op(ctx, r)
	})
	for _, m := range h.middlewares {
		f = m(f, operationID)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, err := f(r.Context(), w, r, nil)
		if err != nil {
			h.writeError(w, operationID, err)
			return
		}
		if v, ok := resp.(response); ok {
			if err := v.visit(w); err != nil {
				h.logger.Warn("could not write response", slog.String("operation", operationID), slog.String("error", err.Error()))
			}
		}
	})
}

type response interface {
	visit(w http.ResponseWriter) error
}

type jsonResponse struct {
	status int
	body   any
}

func (j jsonResponse) visit(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(j.status)
	return json.NewEncoder(w).Encode(j.body)
}

// requestError marks malformed input.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return &requestError{err: fmt.Errorf(format, args...)}
}

func (h *Handler) writeError(w http.ResponseWriter, operationID string, err error) {
	status := http.StatusInternalServerError
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr),
		errors.Is(err, registry.ErrInvalidRequest),
		errors.Is(err, feed.ErrMissingAccount):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateActiveTask):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrClosed), errors.Is(err, errFeedUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, feed.ErrRetriesExhausted), errors.Is(err, feed.ErrMalformedResponse):
		status = http.StatusBadGateway
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("operation failed", slog.String("operation", operationID), slog.String("error", msg))
		msg = "internal error"
	}
	_ = jsonResponse{status: status, body: ErrorResponse{Error: msg}}.visit(w)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return badRequest("decode request body: %w", err)
	}
	return nil
}

func pathID(r *http.Request) (string, error) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", r.PathValue("id"), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return "", badRequest("invalid format for parameter id: %w", err)
	}
	return id, nil
}

func queryLimit(r *http.Request, def int) (int, error) {
	var limit *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		return 0, badRequest("invalid format for parameter limit: %w", err)
	}
	if limit == nil {
		return def, nil
	}
	if *limit < 1 || *limit > maxLimit {
		return 0, badRequest("limit must be between 1 and %d", maxLimit)
	}
	return *limit, nil
}

// pollInterval converts poll_seconds. Absent and null select the default.
func pollInterval(v nullable.Nullable[float64]) (time.Duration, error) {
	if !v.IsSpecified() || v.IsNull() {
		return 0, nil
	}
	seconds := v.MustGet()
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, badRequest("poll_seconds must be positive")
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func (h *Handler) startMonitor(ctx context.Context, r *http.Request) (response, error) {
	var body StartMonitorRequest
	if err := decodeBody(r, &body); err != nil {
		return nil, err
	}
	poll, err := pollInterval(body.PollSeconds)
	if err != nil {
		return nil, err
	}

	task, err := h.registry.Start(ctx, registry.StartRequest{
		Kind:          polycopy.KindMonitor,
		Owner:         ownerFromContext(ctx),
		TargetAccount: body.User,
		PollInterval:  poll,
	})
	if err != nil {
		return nil, err
	}
	return jsonResponse{status: http.StatusCreated, body: taskResponse(task)}, nil
}

func (h *Handler) startCopyTrade(ctx context.Context, r *http.Request) (response, error) {
	var body StartCopyTradeRequest
	if err := decodeBody(r, &body); err != nil {
		return nil, err
	}
	poll, err := pollInterval(body.PollSeconds)
	if err != nil {
		return nil, err
	}
	creds := &polycopy.Credentials{PrivateKey: body.PrivateKey}
	if body.WalletAddress.IsSpecified() && !body.WalletAddress.IsNull() {
		creds.Wallet = strings.TrimSpace(body.WalletAddress.MustGet())
	}

	task, err := h.registry.Start(ctx, registry.StartRequest{
		Kind:          polycopy.KindCopyTrade,
		Owner:         ownerFromContext(ctx),
		TargetAccount: body.TargetUser,
		PollInterval:  poll,
		Credentials:   creds,
	})
	if err != nil {
		return nil, err
	}
	return jsonResponse{status: http.StatusCreated, body: taskResponse(task)}, nil
}

func (h *Handler) listTasks(ctx context.Context, r *http.Request) (response, error) {
	tasks := h.registry.List(ownerFromContext(ctx))
	items := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, taskResponse(t))
	}
	return jsonResponse{status: http.StatusOK, body: TaskListResponse{Items: items}}, nil
}

func (h *Handler) getTask(ctx context.Context, r *http.Request) (response, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	task, err := h.registry.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	return jsonResponse{status: http.StatusOK, body: taskResponse(task)}, nil
}

func (h *Handler) stopTask(ctx context.Context, r *http.Request) (response, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	task, err := h.registry.Stop(ctx, id)
	if err != nil {
		return nil, err
	}
	return jsonResponse{status: http.StatusOK, body: taskResponse(task)}, nil
}

func (h *Handler) listRecords(ctx context.Context, r *http.Request) (response, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	limit, err := queryLimit(r, defaultLimit)
	if err != nil {
		return nil, err
	}
	task, err := h.registry.Status(ctx, id)
	if err != nil {
		return nil, err
	}

	resp := RecordsResponse{TaskID: task.ID, Kind: string(task.Kind)}
	switch task.Kind {
	case polycopy.KindCopyTrade:
		outcomes, err := h.store.ListRecentOutcomes(ctx, task.ID, limit)
		if err != nil {
			return nil, err
		}
		resp.Outcomes = make([]OutcomeItem, 0, len(outcomes))
		for _, out := range outcomes {
			resp.Outcomes = append(resp.Outcomes, outcomeItem(out))
		}
	default:
		records, err := h.store.ListRecentActivities(ctx, task.ID, limit)
		if err != nil {
			return nil, err
		}
		resp.Activities = make([]ActivityItem, 0, len(records))
		for _, rec := range records {
			resp.Activities = append(resp.Activities, activityItem(rec))
		}
	}
	return jsonResponse{status: http.StatusOK, body: resp}, nil
}

func (h *Handler) taskStats(ctx context.Context, r *http.Request) (response, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	task, err := h.registry.Status(ctx, id)
	if err != nil {
		return nil, err
	}

	stats := StatsResponse{TaskID: task.ID, Kind: string(task.Kind), Status: string(task.Status)}
	if task.Kind == polycopy.KindMonitor {
		if stats.Total, err = h.store.CountActivities(ctx, task.ID); err != nil {
			return nil, err
		}
		return jsonResponse{status: http.StatusOK, body: stats}, nil
	}

	counts := []struct {
		status polycopy.OutcomeStatus
		dst    *int64
	}{
		{"", &stats.Total},
		{polycopy.OutcomeSuccess, &stats.Success},
		{polycopy.OutcomePending, &stats.Pending},
		{polycopy.OutcomeFailed, &stats.Failed},
	}
	for _, c := range counts {
		n, err := h.store.CountOutcomes(ctx, storage.OutcomeFilter{TaskID: task.ID, Status: c.status})
		if err != nil {
			return nil, err
		}
		*c.dst = n
	}
	return jsonResponse{status: http.StatusOK, body: stats}, nil
}

func (h *Handler) listLogs(ctx context.Context, r *http.Request) (response, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	limit, err := queryLimit(r, defaultLimit)
	if err != nil {
		return nil, err
	}
	if _, err := h.registry.Status(ctx, id); err != nil {
		return nil, err
	}

	logs, err := h.store.ListTaskLogs(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	items := make([]TaskLogItem, 0, len(logs))
	for _, l := range logs {
		items = append(items, taskLogItem(l))
	}
	return jsonResponse{status: http.StatusOK, body: TaskLogsResponse{TaskID: id, Items: items}}, nil
}

// activity queries the feed directly and returns the deduplicated page.
func (h *Handler) activity(ctx context.Context, r *http.Request) (response, error) {
	if h.fetcher == nil {
		return nil, errFeedUnavailable
	}

	params := r.URL.Query()
	var (
		user   string
		offset *int
		side   *string
		market *string
	)
	if err := runtime.BindQueryParameter("form", true, true, "user", params, &user); err != nil {
		return nil, badRequest("invalid format for parameter user: %w", err)
	}
	if err := runtime.BindQueryParameter("form", true, false, "offset", params, &offset); err != nil {
		return nil, badRequest("invalid format for parameter offset: %w", err)
	}
	if err := runtime.BindQueryParameter("form", true, false, "side", params, &side); err != nil {
		return nil, badRequest("invalid format for parameter side: %w", err)
	}
	if err := runtime.BindQueryParameter("form", true, false, "market", params, &market); err != nil {
		return nil, badRequest("invalid format for parameter market: %w", err)
	}
	limit, err := queryLimit(r, defaultFeedLimit)
	if err != nil {
		return nil, err
	}

	q := feed.Query{Account: strings.TrimSpace(user), Limit: limit}
	if offset != nil {
		if *offset < 0 {
			return nil, badRequest("offset must not be negative")
		}
		q.Offset = *offset
	}
	if side != nil && *side != "" {
		q.Side = polycopy.ParseSide(*side)
		if q.Side != polycopy.SideBuy && q.Side != polycopy.SideSell {
			return nil, badRequest("side must be BUY or SELL")
		}
	}
	if market != nil {
		q.Market = strings.TrimSpace(*market)
	}

	events, err := h.fetcher.Fetch(ctx, q)
	if err != nil {
		return nil, err
	}
	events = dedup.Deduplicate(events)

	items := make([]ActivityItem, 0, len(events))
	for _, evt := range events {
		items = append(items, ActivityItem{
			TransactionHash: evt.TransactionHash,
			Timestamp:       evt.Timestamp,
			Asset:           evt.Asset,
			Side:            string(evt.Side),
			Size:            evt.Size,
			Price:           evt.Price,
			Title:           evt.Title,
			Slug:            evt.Slug,
		})
	}
	return jsonResponse{status: http.StatusOK, body: FeedActivityResponse{User: q.Account, Items: items}}, nil
}
