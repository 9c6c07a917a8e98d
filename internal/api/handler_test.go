package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recomma/polycopy/feed"
	"github.com/recomma/polycopy/internal/testutil"
	"github.com/recomma/polycopy/pkg/tasklog"
	"github.com/recomma/polycopy/polycopy"
	"github.com/recomma/polycopy/registry"
	"github.com/recomma/polycopy/replicator"
	"github.com/recomma/polycopy/storage"
)

const target = "0x7e5f4552091a69125d5dfcb7b8c2659029395bdf"

type stubFetcher struct {
	mu      sync.Mutex
	events  []polycopy.TradeEvent
	err     error
	queries []feed.Query
}

func (f *stubFetcher) Fetch(_ context.Context, q feed.Query) ([]polycopy.TradeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.events, f.err
}

func (f *stubFetcher) lastQuery() feed.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

type testEnv struct {
	server   *httptest.Server
	store    *storage.Storage
	registry *registry.Registry
	fetcher  *stubFetcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "polycopy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	fetcher := &stubFetcher{}
	reg := registry.New(registry.Config{
		Store:       store,
		Fetcher:     fetcher,
		Activities:  store,
		Replicator:  replicator.New(store),
		Executors:   replicator.PaperFactory(nil),
		DefaultPoll: time.Second,
		MinPoll:     time.Second,
		MaxPoll:     time.Minute,
	})
	t.Cleanup(func() { require.NoError(t, reg.Shutdown(context.Background())) })

	handler := NewHandler(reg, store, WithFetcher(fetcher))
	srv := httptest.NewServer(NewServer(handler, []string{"http://localhost:8080"}))
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, store: store, registry: reg, fetcher: fetcher}
}

func (e *testEnv) do(t *testing.T, method, path, owner string, body any, out any) int {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}

	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestStartMonitorAndLifecycle(t *testing.T) {
	env := newTestEnv(t)

	var task TaskResponse
	status := env.do(t, http.MethodPost, "/api/monitor/start", "alice", map[string]any{"user": target, "poll_seconds": 2}, &task)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "monitor", task.Kind)
	require.Equal(t, "alice", task.Owner)
	require.Equal(t, "running", task.Status)
	require.Equal(t, 2.0, task.PollSeconds)

	var errResp ErrorResponse
	status = env.do(t, http.MethodPost, "/api/monitor/start", "alice", map[string]any{"user": target}, &errResp)
	require.Equal(t, http.StatusConflict, status)
	require.NotEmpty(t, errResp.Error)

	var list TaskListResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/tasks", "alice", nil, &list))
	require.Len(t, list.Items, 1)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/tasks", "bob", nil, &list))
	require.Empty(t, list.Items)

	var got TaskResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/tasks/"+task.ID, "", nil, &got))
	require.Equal(t, task.ID, got.ID)

	var stopped TaskResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/stop", "alice", nil, &stopped))
	require.Equal(t, "stopped", stopped.Status)

	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/tasks/missing", "", nil, &errResp))
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/tasks/missing/stop", "", nil, &errResp))
}

func TestStartValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	var errResp ErrorResponse

	cases := []struct {
		name string
		path string
		body any
	}{
		{"bad address", "/api/monitor/start", map[string]any{"user": "not-an-address"}},
		{"poll too fast", "/api/monitor/start", map[string]any{"user": target, "poll_seconds": 0.1}},
		{"negative poll", "/api/monitor/start", map[string]any{"user": target, "poll_seconds": -3}},
		{"missing key", "/api/copy-trade/start", map[string]any{"target_user": target}},
		{"bad wallet", "/api/copy-trade/start", map[string]any{"target_user": target, "private_key": "0x01", "wallet_address": "nope"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, tc.path, "", tc.body, &errResp))
			require.NotEmpty(t, errResp.Error)
		})
	}

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/monitor/start", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCopyTradeNullableFields(t *testing.T) {
	env := newTestEnv(t)

	var task TaskResponse
	status := env.do(t, http.MethodPost, "/api/copy-trade/start", "", map[string]any{
		"target_user":    target,
		"private_key":    "0x01",
		"wallet_address": nil,
		"poll_seconds":   nil,
	}, &task)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "copy_trade", task.Kind)
	require.Equal(t, registry.DefaultOwner, task.Owner)
	require.Equal(t, 1.0, task.PollSeconds)
}

func TestRecordsStatsAndLogs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	monitor, err := env.store.CreateTask(ctx, polycopy.Task{ID: "m-1", Kind: polycopy.KindMonitor, Owner: "alice", TargetAccount: target, PollInterval: time.Second, Status: polycopy.StatusStopped})
	require.NoError(t, err)
	copyTask, err := env.store.CreateTask(ctx, polycopy.Task{ID: "c-1", Kind: polycopy.KindCopyTrade, Owner: "alice", TargetAccount: target, PollInterval: time.Second, Status: polycopy.StatusStopped})
	require.NoError(t, err)

	base := time.Unix(1_700_000_000, 0)
	for i, tx := range []string{"0x1", "0x2"} {
		evt := testutil.NewTradeEvent(t, base.Add(time.Duration(i)*time.Second), testutil.WithTx(tx))
		_, err := env.store.InsertActivity(ctx, polycopy.NewActivityRecord(monitor, tx, evt))
		require.NoError(t, err)
	}
	for i, st := range []polycopy.OutcomeStatus{polycopy.OutcomeSuccess, polycopy.OutcomeSuccess, polycopy.OutcomePending, polycopy.OutcomeFailed} {
		_, err := env.store.InsertReplicaOutcome(ctx, polycopy.ReplicaOutcome{
			TaskID:          copyTask.ID,
			TargetAccount:   target,
			SourceIdentity:  "src-" + string(rune('a'+i)),
			ReplicaIdentity: "r",
			Status:          st,
			Asset:           "token-1",
			Side:            polycopy.SideBuy,
		})
		require.NoError(t, err)
	}
	require.NoError(t, env.store.InsertTaskLog(ctx, tasklog.Entry{TaskID: monitor.ID, TimestampMillis: base.UnixMilli(), Level: "INFO", Scope: "worker", Message: "processed new trades", AttrsJSON: []byte(`{"new":2}`)}))

	var records RecordsResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/tasks/m-1/records?limit=1", "", nil, &records))
	require.Equal(t, "monitor", records.Kind)
	require.Len(t, records.Activities, 1)
	require.Equal(t, "0x2", records.Activities[0].TransactionHash)
	require.Empty(t, records.Outcomes)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/tasks/c-1/records", "", nil, &records))
	require.Len(t, records.Outcomes, 4)

	var stats StatsResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/tasks/c-1/stats", "", nil, &stats))
	require.Equal(t, StatsResponse{TaskID: "c-1", Kind: "copy_trade", Status: "stopped", Total: 4, Success: 2, Pending: 1, Failed: 1}, stats)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/tasks/m-1/stats", "", nil, &stats))
	require.Equal(t, int64(2), stats.Total)

	var logs TaskLogsResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/tasks/m-1/logs", "", nil, &logs))
	require.Len(t, logs.Items, 1)
	require.Equal(t, "processed new trades", logs.Items[0].Message)
	require.JSONEq(t, `{"new":2}`, string(logs.Items[0].Attrs))

	var errResp ErrorResponse
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/tasks/m-1/records?limit=abc", "", nil, &errResp))
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/tasks/m-1/records?limit=0", "", nil, &errResp))
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/tasks/missing/logs", "", nil, &errResp))
}

func TestActivityQueryDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	base := time.Unix(1_700_000_000, 0)
	dup := testutil.NewTradeEvent(t, base, testutil.WithTx("0xaa"))
	env.fetcher.events = []polycopy.TradeEvent{dup, dup, testutil.NewTradeEvent(t, base.Add(time.Second))}

	var resp FeedActivityResponse
	status := env.do(t, http.MethodGet, "/api/activity?user="+target+"&limit=20&offset=40&side=sell&market=0xcond", "", nil, &resp)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, resp.Items, 2)
	require.Equal(t, "0xaa", resp.Items[0].TransactionHash)
	require.Nil(t, resp.Items[0].RecordedAt)

	q := env.fetcher.lastQuery()
	require.Equal(t, feed.Query{Account: target, Limit: 20, Offset: 40, Side: polycopy.SideSell, Market: "0xcond"}, q)

	var errResp ErrorResponse
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/activity", "", nil, &errResp))
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/activity?user="+target+"&side=hold", "", nil, &errResp))

	env.fetcher.err = feed.ErrRetriesExhausted
	require.Equal(t, http.StatusBadGateway, env.do(t, http.MethodGet, "/api/activity?user="+target, "", nil, &errResp))
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/api/monitor/start", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:8080")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := env.server.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "http://localhost:8080", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAllowedOrigins(t *testing.T) {
	require.Equal(t, []string{"https://copy.example.com", "http://localhost:3000"},
		AllowedOrigins(":8080", "https://Copy.Example.com, http://localhost:3000 not-a-url"))
	require.Equal(t, []string{DefaultOrigin, "http://127.0.0.1:8080"}, AllowedOrigins(":8080", ""))
	require.Equal(t, []string{DefaultOrigin, "http://localhost:9000", "http://127.0.0.1:9000", "http://10.0.0.5:9000"}, AllowedOrigins("10.0.0.5:9000", ""))
	require.Equal(t, []string{DefaultOrigin}, AllowedOrigins("", ""))
}
