package store

import (
	"encoding/json"
	"time"
)

// Block is a row of the canonical chain table. Non-canonical rows are kept
// for audit; at most one canonical row exists per height.
type Block struct {
	Height          int64
	Hash            string
	ParentHash      string
	BurnBlockHeight int64
	Timestamp       int64
	Canonical       bool
	CreatedAt       time.Time
}

// Transaction belongs to the block it was first seen in. It is orphaned,
// not deleted, when that block loses canonical status.
type Transaction struct {
	TxID         string
	BlockHeight  int64
	Type         string
	Sender       string
	Status       string
	ContractID   *string
	FunctionName *string
	RawTx        []byte
}

// Event is one emitted event within a transaction.
type Event struct {
	ID          int64
	TxID        string
	BlockHeight int64
	EventIndex  int32
	Type        string
	Payload     json.RawMessage
}

// IndexProgress is the per-network watermark row.
// Invariant: LastContiguous <= LastIndexed <= HighestSeen.
type IndexProgress struct {
	Network        string
	LastIndexed    int64
	LastContiguous int64
	HighestSeen    int64
	UpdatedAt      time.Time
}

// Stream statuses.
const (
	StreamActive = "active"
	StreamPaused = "paused"
)

// Stream is a webhook subscription.
type Stream struct {
	ID            string
	Name          string
	Status        string
	Filters       json.RawMessage
	Options       json.RawMessage
	WebhookURL    string
	WebhookSecret string
	OwnerID       *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StreamMetrics carries per-stream delivery counters.
type StreamMetrics struct {
	StreamID           string
	TotalDeliveries    int64
	FailedDeliveries   int64
	LastTriggeredAt    *time.Time
	LastTriggeredBlock *int64
	LastError          *string
}

// Job statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job is one unit of work: deliver a stream's payload for a block.
type Job struct {
	ID          int64
	StreamID    string
	BlockHeight int64
	Status      string
	Attempts    int32
	LockedAt    *time.Time
	LockedBy    *string
	LastError   *string
	Backfill    bool
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Delivery statuses.
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Delivery is an immutable audit record of a single webhook attempt.
type Delivery struct {
	ID             string
	StreamID       string
	JobID          *int64
	BlockHeight    int64
	Status         string
	HTTPStatus     *int32
	ResponseTimeMs *int32
	Attempts       int32
	Error          *string
	Payload        json.RawMessage
	CreatedAt      time.Time
}

// View statuses.
const (
	ViewActive = "active"
	ViewPaused = "paused"
)

// View is a materialized-view subscription: filters plus a handler writing
// into a dedicated per-view schema.
type View struct {
	ID                 string
	Name               string
	Version            int32
	Status             string
	Definition         json.RawMessage
	SchemaHash         string
	Handler            string
	LastProcessedBlock int64
	ProcessedCount     int64
	ErrorCount         int64
	LastError          *string
	OwnerID            *string
	SchemaName         string
	UpdatedAt          time.Time
}

// Gap is a missing-height interval [Start, End] in the canonical chain.
type Gap struct {
	Start int64
	End   int64
}

// Notification channels used for cross-service signaling.
const (
	ChannelNewJob      = "new_job"
	ChannelViewChanges = "view_changes"
	ChannelViewReorg   = "view_reorg"
)

// ViewReorgEvent is the payload published on ChannelViewReorg.
type ViewReorgEvent struct {
	BlockHeight int64  `json:"blockHeight"`
	OldHash     string `json:"oldHash"`
	NewHash     string `json:"newHash"`
}

// ViewChangeEvent is the payload published on ChannelViewChanges.
type ViewChangeEvent struct {
	Operation string `json:"operation"`
	Name      string `json:"name"`
}
