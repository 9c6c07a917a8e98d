// Package replicator copies observed trades onto an execution venue and keeps
// an audit record of every attempt.
package replicator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	rlog "github.com/recomma/polycopy/log"
	"github.com/recomma/polycopy/metadata"
	"github.com/recomma/polycopy/polycopy"
)

// OutcomeStore persists replica outcomes. Duplicate (task, source identity)
// pairs are absorbed by the store.
type OutcomeStore interface {
	InsertReplicaOutcome(ctx context.Context, out polycopy.ReplicaOutcome) (bool, error)
}

// ExecutorFactory builds the venue client of a copy-trade task from its
// credentials. A returned error means the credentials are unusable.
type ExecutorFactory func(ctx context.Context, creds polycopy.Credentials) (polycopy.Executor, error)

// MapStatus translates a venue order status into the outcome vocabulary.
func MapStatus(venueStatus string) polycopy.OutcomeStatus {
	switch strings.ToLower(strings.TrimSpace(venueStatus)) {
	case "live", "matched":
		return polycopy.OutcomeSuccess
	case "delayed", "unmatched":
		return polycopy.OutcomePending
	default:
		return polycopy.OutcomeFailed
	}
}

type Replicator struct {
	store  OutcomeStore
	logger *slog.Logger
	newID  func() string
}

type Option func(*Replicator)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Replicator) {
		if logger != nil {
			r.logger = logger.WithGroup("replicator")
		}
	}
}

// WithIDGenerator replaces uuid.NewString for synthesized replica ids.
func WithIDGenerator(fn func() string) Option {
	return func(r *Replicator) {
		if fn != nil {
			r.newID = fn
		}
	}
}

func New(store OutcomeStore, opts ...Option) *Replicator {
	r := &Replicator{
		store:  store,
		logger: slog.Default().WithGroup("replicator"),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Replicate submits a 1:1 copy of evt to exec and records the outcome under
// sourceKey. Submission failures become Failed outcomes and are not returned;
// the returned error is a store failure only.
func (r *Replicator) Replicate(ctx context.Context, task polycopy.Task, sourceKey string, evt polycopy.TradeEvent, exec polycopy.Executor) (polycopy.ReplicaOutcome, error) {
	logger := rlog.LoggerFromContextOr(ctx, r.logger)

	md := metadata.Metadata{
		SourceTime:     evt.Time(),
		TaskID:         task.ID,
		SourceIdentity: sourceKey,
	}
	order := polycopy.Order{
		Asset:         evt.Asset,
		Side:          evt.Side,
		Price:         evt.Price,
		Size:          evt.Size,
		ClientOrderID: md.Hex(),
	}

	out := polycopy.ReplicaOutcome{
		TaskID:         task.ID,
		TargetAccount:  task.TargetAccount,
		SourceIdentity: sourceKey,
		Price:          evt.Price,
		Size:           evt.Size,
		Side:           evt.Side,
		Asset:          evt.Asset,
		Title:          evt.Title,
		Slug:           evt.Slug,
	}

	sub, err := submit(ctx, exec, order)
	if err != nil {
		out.ReplicaIdentity = "failed_" + r.newID()
		out.Status = polycopy.OutcomeFailed
		out.Error = err.Error()
		logger.Warn("replica submission failed",
			slog.String("source", sourceKey),
			slog.String("asset", evt.Asset),
			slog.String("error", err.Error()),
		)
	} else {
		out.ReplicaIdentity = sub.ID
		if out.ReplicaIdentity == "" {
			out.ReplicaIdentity = "tx_" + r.newID()
		}
		out.VenueStatus = sub.Status
		out.Status = MapStatus(sub.Status)
		if out.Status != polycopy.OutcomeFailed {
			out.Amount = evt.Price * evt.Size
		}
		logger.Info("replica submitted",
			slog.String("source", sourceKey),
			slog.String("replica", out.ReplicaIdentity),
			slog.String("side", string(evt.Side)),
			slog.Float64("size", evt.Size),
			slog.Float64("price", evt.Price),
			slog.String("venue-status", sub.Status),
			slog.String("status", string(out.Status)),
		)
	}

	if r.store == nil {
		return out, nil
	}
	inserted, err := r.store.InsertReplicaOutcome(ctx, out)
	if err != nil {
		return out, fmt.Errorf("record replica outcome: %w", err)
	}
	if !inserted {
		logger.Debug("replica outcome already recorded", slog.String("source", sourceKey))
	}
	return out, nil
}

func submit(ctx context.Context, exec polycopy.Executor, order polycopy.Order) (sub polycopy.Submission, err error) {
	if exec == nil {
		return polycopy.Submission{}, fmt.Errorf("no execution venue configured")
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("submit panicked: %v", p)
		}
	}()
	return exec.Submit(ctx, order)
}
