package admin

import (
	"changehub/internal/admin/types"
	"changehub/internal/audit"
	routingmodels "changehub/internal/routing/models"
)

// UnprocessedResponse is the triage report.
type UnprocessedResponse struct {
	Entries []*types.ChangeEntry `json:"entries"`
	Total   int                  `json:"total"`
}

// FailedResponse lists entries with a failed delivery.
type FailedResponse struct {
	Entries []*types.FailedEntry `json:"entries"`
	Total   int                  `json:"total"`
}

// AttemptsResponse is the delivery history of one entry.
type AttemptsResponse struct {
	ChangeID int64            `json:"change_id"`
	Attempts []*types.Attempt `json:"attempts"`
}

// RoutesResponse lists the routing table.
type RoutesResponse struct {
	Routes []*routingmodels.Route `json:"routes"`
}

// UpsertRouteRequest sets the target of the category named in the path.
type UpsertRouteRequest struct {
	Target string `json:"target"`
}

// AuditResponse lists recent operator actions, newest first.
type AuditResponse struct {
	Events []audit.Event `json:"events"`
}
