package models

import (
	"encoding/json"
	"time"

	recordmodels "changehub/internal/record/models"
)

// Status is the lifecycle state of a change entry. Entries only move forward:
// pending, then delivering, then processed. A delivering entry whose claim
// lease expired may be claimed again, but is never returned to pending once
// processed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDelivering Status = "delivering"
	StatusProcessed  Status = "processed"
)

// Payload describes which monitored sections changed and their new values.
type Payload struct {
	RecordID int64                 `json:"record_id"`
	Changes  []recordmodels.Change `json:"changes"`
}

// Categories lists the changed section names in payload order.
func (p Payload) Categories() []string {
	out := make([]string, 0, len(p.Changes))
	for _, c := range p.Changes {
		out = append(out, string(c.Section))
	}
	return out
}

// Entry is one pending unit of dispatch work.
type Entry struct {
	ID          int64      `json:"id"`
	RecordID    int64      `json:"record_id"`
	Payload     Payload    `json:"payload"`
	Status      Status     `json:"status"`
	Processed   bool       `json:"processed"`
	ClaimedBy   string     `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// NewEntry builds a pending entry for the given changes.
func NewEntry(recordID int64, changes []recordmodels.Change, now time.Time) *Entry {
	return &Entry{
		RecordID:  recordID,
		Payload:   Payload{RecordID: recordID, Changes: changes},
		Status:    StatusPending,
		CreatedAt: now,
	}
}

// Attempt is one processing log row: the evidence of a single delivery try.
type Attempt struct {
	ID              int64     `json:"id"`
	ChangeID        int64     `json:"change_id"`
	ServiceName     string    `json:"service_name"`
	Endpoint        string    `json:"endpoint"`
	Attempt         int       `json:"attempt"`
	Success         bool      `json:"success"`
	ResponseCode    int       `json:"response_code"`
	ResponseMessage string    `json:"response_message"`
	CreatedAt       time.Time `json:"created_at"`
}

// ClaimRequest selects entries to move from pending to delivering.
//
// Only the oldest unprocessed entry of each record is eligible, so entries of
// one record are always delivered in creation order. Entries already being
// delivered become eligible again once their claim is older than Lease.
// A zero CreatedBefore places no age bound on the selection.
type ClaimRequest struct {
	Claimer       string
	Limit         int
	Now           time.Time
	CreatedBefore time.Time
	Lease         time.Duration
}

// Stats are the operator-facing queue counts.
type Stats struct {
	Pending     int64 `json:"pending"`
	Delivering  int64 `json:"delivering"`
	Processed   int64 `json:"processed"`
	Unprocessed int64 `json:"unprocessed"`
}

// MarshalPayload encodes a payload for storage.
func MarshalPayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPayload decodes a stored payload.
func UnmarshalPayload(data []byte) (Payload, error) {
	var p Payload
	err := json.Unmarshal(data, &p)
	return p, err
}
