package api

import (
	"encoding/json"
	"time"

	"github.com/oapi-codegen/nullable"

	"github.com/recomma/polycopy/polycopy"
	"github.com/recomma/polycopy/storage"
)

// StartMonitorRequest is the body of POST /api/monitor/start.
type StartMonitorRequest struct {
	User        string                     `json:"user"`
	PollSeconds nullable.Nullable[float64] `json:"poll_seconds,omitempty"`
}

// StartCopyTradeRequest is the body of POST /api/copy-trade/start. The
// private key is handed to the executor and never persisted.
type StartCopyTradeRequest struct {
	TargetUser    string                     `json:"target_user"`
	WalletAddress nullable.Nullable[string]  `json:"wallet_address,omitempty"`
	PrivateKey    string                     `json:"private_key"`
	PollSeconds   nullable.Nullable[float64] `json:"poll_seconds,omitempty"`
}

type TaskResponse struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Owner         string    `json:"owner"`
	TargetAccount string    `json:"target_account"`
	PollSeconds   float64   `json:"poll_seconds"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func taskResponse(t polycopy.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		Kind:          string(t.Kind),
		Owner:         t.Owner,
		TargetAccount: t.TargetAccount,
		PollSeconds:   t.PollInterval.Seconds(),
		Status:        string(t.Status),
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

type TaskListResponse struct {
	Items []TaskResponse `json:"items"`
}

type ActivityItem struct {
	TransactionHash string    `json:"transaction_hash,omitempty"`
	Timestamp       int64     `json:"timestamp"`
	Asset           string    `json:"asset"`
	Side            string    `json:"side"`
	Size            float64   `json:"size"`
	Price           float64   `json:"price"`
	Title           string    `json:"title,omitempty"`
	Slug            string    `json:"slug,omitempty"`
	UniqueKey       string    `json:"unique_key,omitempty"`
	RecordedAt      *time.Time `json:"recorded_at,omitempty"`
}

func activityItem(rec polycopy.ActivityRecord) ActivityItem {
	return ActivityItem{
		TransactionHash: rec.TransactionHash,
		Timestamp:       rec.Timestamp,
		Asset:           rec.Asset,
		Side:            string(rec.Side),
		Size:            rec.Size,
		Price:           rec.Price,
		Title:           rec.Title,
		Slug:            rec.Slug,
		UniqueKey:       rec.UniqueKey,
		RecordedAt:      &rec.CreatedAt,
	}
}

type OutcomeItem struct {
	SourceIdentity  string    `json:"source_identity"`
	ReplicaIdentity string    `json:"replica_identity"`
	Status          string    `json:"status"`
	VenueStatus     string    `json:"venue_status,omitempty"`
	Error           string    `json:"error,omitempty"`
	Asset           string    `json:"asset"`
	Side            string    `json:"side"`
	Size            float64   `json:"size"`
	Price           float64   `json:"price"`
	Amount          float64   `json:"amount"`
	Title           string    `json:"title,omitempty"`
	Slug            string    `json:"slug,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func outcomeItem(out polycopy.ReplicaOutcome) OutcomeItem {
	return OutcomeItem{
		SourceIdentity:  out.SourceIdentity,
		ReplicaIdentity: out.ReplicaIdentity,
		Status:          string(out.Status),
		VenueStatus:     out.VenueStatus,
		Error:           out.Error,
		Asset:           out.Asset,
		Side:            string(out.Side),
		Size:            out.Size,
		Price:           out.Price,
		Amount:          out.Amount,
		Title:           out.Title,
		Slug:            out.Slug,
		CreatedAt:       out.CreatedAt,
	}
}

// RecordsResponse carries activity records for monitor tasks and replica
// outcomes for copy-trade tasks.
type RecordsResponse struct {
	TaskID     string         `json:"task_id"`
	Kind       string         `json:"kind"`
	Activities []ActivityItem `json:"activities,omitempty"`
	Outcomes   []OutcomeItem  `json:"outcomes,omitempty"`
}

type StatsResponse struct {
	TaskID  string `json:"task_id"`
	Kind    string `json:"kind"`
	Status  string `json:"status"`
	Total   int64  `json:"total"`
	Success int64  `json:"success"`
	Pending int64  `json:"pending"`
	Failed  int64  `json:"failed"`
}

type FeedActivityResponse struct {
	User  string         `json:"user"`
	Items []ActivityItem `json:"items"`
}

type TaskLogItem struct {
	Time    time.Time       `json:"time"`
	Level   string          `json:"level"`
	Scope   string          `json:"scope,omitempty"`
	Message string          `json:"message"`
	Attrs   json.RawMessage `json:"attrs,omitempty"`
}

func taskLogItem(l storage.TaskLog) TaskLogItem {
	return TaskLogItem{
		Time:    l.Time,
		Level:   l.Level,
		Scope:   l.Scope,
		Message: l.Message,
		Attrs:   l.Attrs,
	}
}

type TaskLogsResponse struct {
	TaskID string        `json:"task_id"`
	Items  []TaskLogItem `json:"items"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
