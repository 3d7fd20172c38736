// Package types holds the operator-facing views of the change pipeline.
package types

import (
	"time"

	recordmodels "changehub/internal/record/models"
)

// ChangeEntry is a change log entry as shown to operators. DisplayName is
// filled by the admin service from the record store.
type ChangeEntry struct {
	ID          int64                 `json:"id"`
	RecordID    int64                 `json:"record_id"`
	DisplayName string                `json:"display_name,omitempty"`
	Status      string                `json:"status"`
	Categories  []string              `json:"categories"`
	Changes     []recordmodels.Change `json:"changes"`
	ClaimedBy   string                `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time            `json:"claimed_at,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	ProcessedAt *time.Time            `json:"processed_at,omitempty"`
}

// Attempt is one row of an entry's delivery history.
type Attempt struct {
	ID              int64     `json:"id"`
	ChangeID        int64     `json:"change_id"`
	ServiceName     string    `json:"service_name"`
	Endpoint        string    `json:"service_endpoint"`
	Attempt         int       `json:"attempt"`
	Success         bool      `json:"success"`
	ResponseCode    int       `json:"response_code"`
	ResponseMessage string    `json:"response_message"`
	CreatedAt       time.Time `json:"created_at"`
}

// FailedEntry is a change entry whose latest attempt for at least one
// service failed. Failures holds those latest failing attempts.
type FailedEntry struct {
	*ChangeEntry
	Failures []*Attempt `json:"failures"`
}

// Stats are the queue counts.
type Stats struct {
	Processed   int64 `json:"processed"`
	Delivering  int64 `json:"delivering"`
	Pending     int64 `json:"pending"`
	Unprocessed int64 `json:"unprocessed"`
}
