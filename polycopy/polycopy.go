package polycopy

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Kind identifies what a task does with the activity it observes.
type Kind string

const (
	KindMonitor   Kind = "monitor"
	KindCopyTrade Kind = "copy_trade"
)

func (k Kind) Valid() bool {
	return k == KindMonitor || k == KindCopyTrade
}

// Status is the lifecycle state of a task. Only the registry (external stop)
// and the worker itself (fatal error) mutate it.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// Task is one long-running monitor or copy-trade job.
type Task struct {
	ID            string
	Kind          Kind
	Owner         string
	TargetAccount string
	PollInterval  time.Duration
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Side is the direction of a trade as reported by the feed.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalises feed spellings ("buy", "Sell", ...) into a Side. Unknown
// values are returned upper-cased so they still participate in identity keys.
func ParseSide(s string) Side {
	return Side(strings.ToUpper(strings.TrimSpace(s)))
}

func (s Side) IsBuy() bool {
	return s == SideBuy
}

// TradeEvent is one trade observed on the activity feed. It is never mutated
// after decoding.
type TradeEvent struct {
	// TransactionHash is the provider assigned identifier. It may be empty.
	TransactionHash string
	// Timestamp is in unix seconds.
	Timestamp int64
	Asset     string
	Side      Side
	// Size falls back to the feed's usdcSize when size is absent.
	Size  float64
	Price float64

	Title       string
	Slug        string
	ConditionID string
	Outcome     string

	// Raw is the undecoded feed object.
	Raw json.RawMessage
}

// Time returns the event timestamp in UTC.
func (e TradeEvent) Time() time.Time {
	return time.Unix(e.Timestamp, 0).UTC()
}

// ActivityRecord is the durable record of one unique trade seen by a monitor task.
type ActivityRecord struct {
	ID              int64
	TaskID          string
	TargetAccount   string
	TransactionHash string
	Timestamp       int64
	Asset           string
	Side            Side
	Size            float64
	Price           float64
	Title           string
	Slug            string
	UniqueKey       string
	CreatedAt       time.Time
}

// NewActivityRecord builds the record persisted for event under key.
func NewActivityRecord(task Task, key string, e TradeEvent) ActivityRecord {
	return ActivityRecord{
		TaskID:          task.ID,
		TargetAccount:   task.TargetAccount,
		TransactionHash: e.TransactionHash,
		Timestamp:       e.Timestamp,
		Asset:           e.Asset,
		Side:            e.Side,
		Size:            e.Size,
		Price:           e.Price,
		Title:           e.Title,
		Slug:            e.Slug,
		UniqueKey:       key,
	}
}

// OutcomeStatus is the audit vocabulary for replica attempts.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomePending OutcomeStatus = "pending"
	OutcomeFailed  OutcomeStatus = "failed"
)

// ReplicaOutcome is the append-only audit record of one attempt to copy a
// source trade.
type ReplicaOutcome struct {
	ID              int64
	TaskID          string
	TargetAccount   string
	SourceIdentity  string
	ReplicaIdentity string
	Amount          float64
	Price           float64
	Size            float64
	Side            Side
	Asset           string
	Title           string
	Slug            string
	Status          OutcomeStatus
	// VenueStatus is the raw status string returned by the venue, empty when
	// the submission errored.
	VenueStatus string
	Error       string
	CreatedAt   time.Time
}

// Order is a replica order handed to an execution venue.
type Order struct {
	Asset         string
	Side          Side
	Price         float64
	Size          float64
	ClientOrderID string
}

// Submission is what the venue reported back for an Order.
type Submission struct {
	ID     string
	Status string
}

// Executor submits orders to an execution venue.
type Executor interface {
	Submit(ctx context.Context, order Order) (Submission, error)
}

// Credentials are handed to the executor factory when a copy-trade task starts.
// They are never persisted.
type Credentials struct {
	PrivateKey string
	Wallet     string
}
