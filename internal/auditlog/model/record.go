package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the anchoring lifecycle state of a record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
)

// Statuses lists every status, in lifecycle order.
var Statuses = []Status{StatusPending, StatusClaimed, StatusCommitted, StatusFailed}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusCommitted, StatusFailed:
		return true
	}
	return false
}

// LogRecord is an audit event together with its digest and anchoring state.
// Source, EventType, Payload and Digest never change after ingestion.
type LogRecord struct {
	ID            uuid.UUID       `json:"id"             db:"id"`
	CreatedAt     time.Time       `json:"created_at"     db:"created_at"`
	Source        string          `json:"source"         db:"source"`
	EventType     string          `json:"event_type"     db:"event_type"`
	Payload       json.RawMessage `json:"payload"        db:"payload"`
	Digest        string          `json:"digest"         db:"digest"`
	DigestAlg     string          `json:"digest_alg"     db:"digest_alg"`
	Status        Status          `json:"status"         db:"status"`
	TxRef         *string         `json:"tx_ref"         db:"tx_ref"`
	CommittedAt   *time.Time      `json:"committed_at"   db:"committed_at"`
	AttemptCount  int             `json:"attempt_count"  db:"attempt_count"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	Retryable     bool            `json:"retryable"      db:"retryable"`
	FailureReason string          `json:"failure_reason,omitempty" db:"failure_reason"`

	// Claim bookkeeping, owned by the store.
	ClaimToken *uuid.UUID `json:"-" db:"claim_token"`
	ClaimedAt  *time.Time `json:"-" db:"claimed_at"`
}

// IsCommitted reports whether the record has been anchored.
func (r *LogRecord) IsCommitted() bool {
	return r.Status == StatusCommitted && r.TxRef != nil
}

// CreateLogRequest is the ingestion payload for POST /api/v1/logs.
type CreateLogRequest struct {
	ID        string          `json:"id,omitempty"`
	Source    string          `json:"source"     binding:"required"`
	EventType string          `json:"event_type" binding:"required"`
	Payload   json.RawMessage `json:"payload"    binding:"required"`
}

// ListFilter narrows a listing. Zero values match everything. AsOf pins the
// listing to records created at or before that instant so later pages do not
// shift when new records arrive.
type ListFilter struct {
	Source    string
	EventType string
	AsOf      time.Time
}

// LogPage is one page of a listing.
type LogPage struct {
	Logs       []*LogRecord `json:"logs"`
	Total      int          `json:"total"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
	TotalPages int          `json:"total_pages"`
	AsOf       time.Time    `json:"as_of"`
}

// FailureUpdate describes a failed anchoring attempt.
type FailureUpdate struct {
	ClaimToken    uuid.UUID
	AttemptCount  int
	Retryable     bool
	NextAttemptAt *time.Time
	Reason        string
}
