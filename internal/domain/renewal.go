package domain

import (
	"encoding/json"
	"time"
)

// Activity log vocabulary.
const (
	ActivityTypeRenewal   = "renewal"
	ActivityStatusSuccess = "success"
	ActivityStatusError   = "error"
)

// Retry queue vocabulary.
const (
	RetryStatusPending   = "pending"
	RetryStatusExhausted = "exhausted"
	RetryStatusResolved  = "resolved"
)

// RenewalSettings are the global renewal API settings, loaded once per
// invocation.
type RenewalSettings struct {
	APIURL string
	APIKey string
}

// Configured reports whether both URL and key are present.
func (s RenewalSettings) Configured() bool {
	return s.APIURL != "" && s.APIKey != ""
}

// ActivityLog is an append-only audit record.
type ActivityLog struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	ClientID  string          `json:"client_id"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Details   json.RawMessage `json:"details"`
	CreatedAt time.Time       `json:"created_at"`
}

// RenewalRetryEntry is a durable work item for the external retry sweep.
// Payload is the exact request body that failed and must be resubmitted
// verbatim.
type RenewalRetryEntry struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	ClientID    string          `json:"client_id"`
	Attempt     int             `json:"attempt"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	Payload     json.RawMessage `json:"payload"`
	LastError   string          `json:"last_error"`
	Status      string          `json:"status"`
}

// RenewalResult is what a single renewal attempt produced.
type RenewalResult struct {
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
	NewDueDate  *time.Time      `json:"new_due_date,omitempty"`
	RetryQueued bool            `json:"retry_queued"`
}
