// Package store is the Postgres persistence layer: event lifecycle, the
// append-only attempt log, and the configuration snapshot reads the
// kill-switch evaluator consumes.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// EventStatus values. pending and retrying are claimable; delivered and
// failed are terminal and never reopen.
type EventStatus string

const (
	StatusPending    EventStatus = "pending"
	StatusProcessing EventStatus = "processing"
	StatusDelivered  EventStatus = "delivered"
	StatusRetrying   EventStatus = "retrying"
	StatusFailed     EventStatus = "failed"
)

// Event is one relayed business event.
type Event struct {
	ID             string
	IdempotencyKey string
	TenantID       string // empty until resolved for direct-write rows
	TenantCode     string
	Kind           string
	Payload        map[string]any
	SourceSystem   string
	Status         EventStatus
	RetryCount     int
	NextRetryAt    *time.Time
	ProcessedAt    *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewEvent is the insert shape used by intake.
type NewEvent struct {
	IdempotencyKey string
	TenantCode     string
	Kind           string
	Payload        map[string]any
	SourceSystem   string
}

// Attempt is one append-only attempt-log row. seq is assigned per event at
// insert time; rows are never updated or deleted.
type Attempt struct {
	ID              string
	EventID         string
	Seq             int
	DestinationKind string // "sgtm" or "direct"
	Destination     string
	Success         bool
	Retryable       bool
	HTTPStatus      int
	ResponseBody    string
	ErrorMessage    string
	DurationMS      int64
	AttemptedAt     time.Time
}
