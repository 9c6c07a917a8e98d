package replicator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/recomma/polycopy/internal/testutil"
	"github.com/recomma/polycopy/metadata"
	"github.com/recomma/polycopy/polycopy"
)

type memStore struct {
	mu       sync.Mutex
	outcomes []polycopy.ReplicaOutcome
	seen     map[string]struct{}
	err      error
}

func (m *memStore) InsertReplicaOutcome(_ context.Context, out polycopy.ReplicaOutcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.seen == nil {
		m.seen = map[string]struct{}{}
	}
	k := out.TaskID + "/" + out.SourceIdentity
	if _, ok := m.seen[k]; ok {
		return false, nil
	}
	m.seen[k] = struct{}{}
	m.outcomes = append(m.outcomes, out)
	return true, nil
}

type scriptedExecutor struct {
	mu      sync.Mutex
	results []func(polycopy.Order) (polycopy.Submission, error)
	orders  []polycopy.Order
}

func (s *scriptedExecutor) Submit(_ context.Context, order polycopy.Order) (polycopy.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, order)
	fn := s.results[0]
	s.results = s.results[1:]
	return fn(order)
}

func returns(id, status string) func(polycopy.Order) (polycopy.Submission, error) {
	return func(polycopy.Order) (polycopy.Submission, error) {
		return polycopy.Submission{ID: id, Status: status}, nil
	}
}

func fails(msg string) func(polycopy.Order) (polycopy.Submission, error) {
	return func(polycopy.Order) (polycopy.Submission, error) {
		return polycopy.Submission{}, errors.New(msg)
	}
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

var copyTask = polycopy.Task{ID: "task-1", Kind: polycopy.KindCopyTrade, TargetAccount: "0xabc"}

func TestMapStatus(t *testing.T) {
	cases := map[string]polycopy.OutcomeStatus{
		"live":      polycopy.OutcomeSuccess,
		"matched":   polycopy.OutcomeSuccess,
		" LIVE ":    polycopy.OutcomeSuccess,
		"delayed":   polycopy.OutcomePending,
		"unmatched": polycopy.OutcomePending,
		"":          polycopy.OutcomeFailed,
		"cancelled": polycopy.OutcomeFailed,
		"rejected":  polycopy.OutcomeFailed,
	}
	for in, want := range cases {
		require.Equal(t, want, MapStatus(in), "status %q", in)
	}
}

func TestReplicateCopiesOrderOneToOne(t *testing.T) {
	store := &memStore{}
	exec := &scriptedExecutor{results: []func(polycopy.Order) (polycopy.Submission, error){returns("venue-1", "live")}}
	r := New(store)

	evt := testutil.NewTradeEvent(t, time.Unix(1_700_000_000, 0), testutil.WithTx("0xsrc"), testutil.WithSide(polycopy.SideSell))
	out, err := r.Replicate(context.Background(), copyTask, "0xsrc", evt, exec)
	require.NoError(t, err)

	require.Len(t, exec.orders, 1)
	order := exec.orders[0]
	require.Equal(t, evt.Asset, order.Asset)
	require.Equal(t, polycopy.SideSell, order.Side)
	require.Equal(t, evt.Size, order.Size)
	require.Equal(t, evt.Price, order.Price)

	tags, err := metadata.FromHexString(order.ClientOrderID)
	require.NoError(t, err)
	require.True(t, tags.Matches("task-1", "0xsrc"))

	require.Equal(t, polycopy.OutcomeSuccess, out.Status)
	require.Equal(t, "venue-1", out.ReplicaIdentity)
	require.Equal(t, "live", out.VenueStatus)
	require.InDelta(t, evt.Price*evt.Size, out.Amount, 1e-9)
	require.Equal(t, "0xabc", out.TargetAccount)
	require.Equal(t, []polycopy.ReplicaOutcome{out}, store.outcomes)
}

func TestReplicateSynthesizesIdentifiers(t *testing.T) {
	store := &memStore{}
	exec := &scriptedExecutor{results: []func(polycopy.Order) (polycopy.Submission, error){
		returns("", "matched"),
		fails("venue down"),
		returns("venue-3", "weird"),
	}}
	r := New(store, WithIDGenerator(sequentialIDs()))
	base := time.Unix(1_700_000_000, 0)

	first, err := r.Replicate(context.Background(), copyTask, "k1", testutil.NewTradeEvent(t, base), exec)
	require.NoError(t, err)
	require.Equal(t, "tx_id-1", first.ReplicaIdentity)
	require.Equal(t, polycopy.OutcomeSuccess, first.Status)

	second, err := r.Replicate(context.Background(), copyTask, "k2", testutil.NewTradeEvent(t, base), exec)
	require.NoError(t, err)
	require.Equal(t, "failed_id-2", second.ReplicaIdentity)
	require.Equal(t, polycopy.OutcomeFailed, second.Status)
	require.Equal(t, "venue down", second.Error)
	require.Zero(t, second.Amount)
	require.Empty(t, second.VenueStatus)

	third, err := r.Replicate(context.Background(), copyTask, "k3", testutil.NewTradeEvent(t, base), exec)
	require.NoError(t, err)
	require.Equal(t, "venue-3", third.ReplicaIdentity)
	require.Equal(t, polycopy.OutcomeFailed, third.Status)
	require.Zero(t, third.Amount)

	require.Len(t, store.outcomes, 3)
}

func TestReplicateIsolatesFailures(t *testing.T) {
	store := &memStore{}
	exec := &scriptedExecutor{results: []func(polycopy.Order) (polycopy.Submission, error){
		returns("a", "matched"),
		fails("rejected by venue"),
		returns("c", "delayed"),
	}}
	r := New(store)
	base := time.Unix(1_700_000_000, 0)

	for i, key := range []string{"s1", "s2", "s3"} {
		evt := testutil.NewTradeEvent(t, base.Add(time.Duration(i)*time.Second), testutil.WithTx(key))
		_, err := r.Replicate(context.Background(), copyTask, key, evt, exec)
		require.NoError(t, err)
	}

	require.Len(t, store.outcomes, 3)
	failed := 0
	for _, o := range store.outcomes {
		if o.Status == polycopy.OutcomeFailed {
			failed++
			require.Equal(t, "s2", o.SourceIdentity)
			require.True(t, strings.HasPrefix(o.ReplicaIdentity, "failed_"))
		}
	}
	require.Equal(t, 1, failed)
	require.Equal(t, polycopy.OutcomeSuccess, store.outcomes[0].Status)
	require.Equal(t, polycopy.OutcomePending, store.outcomes[2].Status)
}

func TestReplicateRecoversExecutorPanic(t *testing.T) {
	store := &memStore{}
	exec := &scriptedExecutor{results: []func(polycopy.Order) (polycopy.Submission, error){
		func(polycopy.Order) (polycopy.Submission, error) { panic("boom") },
	}}

	out, err := New(store).Replicate(context.Background(), copyTask, "k", testutil.NewTradeEvent(t, time.Unix(1, 0)), exec)
	require.NoError(t, err)
	require.Equal(t, polycopy.OutcomeFailed, out.Status)
	require.Contains(t, out.Error, "boom")
}

func TestReplicateReturnsStoreErrors(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	exec := NewPaperExecutor(nil)

	_, err := New(store).Replicate(context.Background(), copyTask, "k", testutil.NewTradeEvent(t, time.Unix(1, 0)), exec)
	require.ErrorContains(t, err, "disk full")
}

func TestPaperExecutor(t *testing.T) {
	exec := NewPaperExecutor(nil)
	sub, err := exec.Submit(context.Background(), polycopy.Order{Asset: "a", Side: polycopy.SideBuy, Size: 1, Price: 0.2})
	require.NoError(t, err)
	require.Equal(t, "matched", sub.Status)
	require.NotEmpty(t, sub.ID)
	require.Len(t, exec.Orders(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = exec.Submit(ctx, polycopy.Order{})
	require.ErrorIs(t, err, context.Canceled)

	factory := PaperFactory(nil)
	built, err := factory(context.Background(), polycopy.Credentials{})
	require.NoError(t, err)
	require.IsType(t, &PaperExecutor{}, built)
}
