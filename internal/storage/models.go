package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Outcome values recorded in the query log.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// QueryLog is one audited query, successful or not.
type QueryLog struct {
	ID          string        `json:"id"`
	CreatedAt   time.Time     `json:"created_at"`
	UserID      string        `json:"user_id"`
	Query       string        `json:"query"`
	Stage       string        `json:"stage"`   // last stage reached
	Outcome     string        `json:"outcome"` // "ok" or "error"
	Error       string        `json:"error,omitempty"`
	ResultCount int           `json:"result_count"`
	Documents   []string      `json:"documents"` // distinct documents in the results, rank order
	ContextUsed bool          `json:"context_used"`
	Duration    time.Duration `json:"duration_ns"`
}

// QueryLogFilter narrows ListQueryLogs. Zero values match everything.
type QueryLogFilter struct {
	UserID string
	Since  time.Time
	Limit  int
}
