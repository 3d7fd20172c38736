package audit

import "time"

// Action names an operator action worth keeping a trail of.
type Action string

const (
	ActionRouteUpserted   Action = "route_upserted"
	ActionRouteDeleted    Action = "route_deleted"
	ActionChangesExported Action = "changes_exported"
)

// Event is one operator action. RequestID and ClientIP are filled from the
// request context when the emitter leaves them empty.
type Event struct {
	ID        int64     `json:"id"`
	Action    Action    `json:"action"`
	Subject   string    `json:"subject"`
	Detail    string    `json:"detail,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
