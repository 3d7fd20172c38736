package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"changehub/internal/admin"
	"changehub/internal/admin/types"
	"changehub/internal/audit"
	routingmodels "changehub/internal/routing/models"
	dErrors "changehub/pkg/domain-errors"
	"changehub/pkg/platform/httputil"
	adminmw "changehub/pkg/platform/middleware/admin"
	"changehub/pkg/platform/middleware/metadata"
	request "changehub/pkg/platform/middleware/request"
	"changehub/pkg/platform/middleware/requesttime"
)

// Service is the admin read model over the change log.
type Service interface {
	Stats(ctx context.Context) (*types.Stats, error)
	Unprocessed(ctx context.Context, limit int) ([]*types.ChangeEntry, error)
	Failed(ctx context.Context, limit int) ([]*types.FailedEntry, error)
	Entry(ctx context.Context, id int64) (*types.ChangeEntry, error)
	Attempts(ctx context.Context, changeID int64) ([]*types.Attempt, error)
	ExportUnprocessed(ctx context.Context, w io.Writer, limit int) error
}

// RouteService manages the category routing table.
type RouteService interface {
	List(ctx context.Context) ([]*routingmodels.Route, error)
	Upsert(ctx context.Context, route routingmodels.Route) (*routingmodels.Route, error)
	Delete(ctx context.Context, category string) error
}

// Auditor records operator actions.
type Auditor interface {
	Emit(ctx context.Context, event audit.Event)
	Recent(ctx context.Context, limit int) ([]audit.Event, error)
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	logger *slog.Logger
	admin  Service
	routes RouteService
	audit  Auditor
	token  string
}

func New(admin Service, routes RouteService, auditor Auditor, token string, logger *slog.Logger) *Handler {
	return &Handler{admin: admin, routes: routes, audit: auditor, token: token, logger: logger}
}

// Register mounts the operator routes under /admin.
func (h *Handler) Register(r chi.Router) {
	ops := chi.NewRouter()
	ops.Use(request.Recovery(h.logger))
	ops.Use(request.RequestID)
	ops.Use(request.Logger(h.logger))
	ops.Use(metadata.ClientMetadata)
	ops.Use(requesttime.Middleware)
	ops.Use(adminmw.RequireAdminToken(h.token, h.logger))

	ops.Get("/changes/stats", h.handleStats)
	ops.Get("/changes/unprocessed", h.handleUnprocessed)
	ops.Get("/changes/unprocessed.xlsx", h.handleExport)
	ops.Get("/changes/failed", h.handleFailed)
	ops.Get("/changes/{id}", h.handleEntry)
	ops.Get("/changes/{id}/attempts", h.handleAttempts)

	ops.Get("/routes", h.handleListRoutes)
	ops.Put("/routes/{category}", h.handleUpsertRoute)
	ops.Delete("/routes/{category}", h.handleDeleteRoute)

	ops.Get("/audit", h.handleAudit)

	r.Mount("/admin", ops)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.admin.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err, "failed to load change stats")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleUnprocessed(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, r, err, "invalid unprocessed request")
		return
	}
	entries, err := h.admin.Unprocessed(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err, "failed to list unprocessed changes")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, admin.UnprocessedResponse{Entries: entries, Total: len(entries)})
}

func (h *Handler) handleFailed(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, r, err, "invalid failed request")
		return
	}
	entries, err := h.admin.Failed(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err, "failed to list failed changes")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, admin.FailedResponse{Entries: entries, Total: len(entries)})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, r, err, "invalid export request")
		return
	}
	var buf bytes.Buffer
	if err := h.admin.ExportUnprocessed(r.Context(), &buf, limit); err != nil {
		h.writeError(w, r, err, "failed to export unprocessed changes")
		return
	}
	h.audit.Emit(r.Context(), audit.Event{
		Action: audit.ActionChangesExported,
		Detail: "unprocessed-changes.xlsx",
	})
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="unprocessed-changes.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) handleEntry(w http.ResponseWriter, r *http.Request) {
	id, err := changeID(r)
	if err != nil {
		h.writeError(w, r, err, "invalid change id")
		return
	}
	entry, err := h.admin.Entry(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, "failed to load change")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleAttempts(w http.ResponseWriter, r *http.Request) {
	id, err := changeID(r)
	if err != nil {
		h.writeError(w, r, err, "invalid change id")
		return
	}
	attempts, err := h.admin.Attempts(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, "failed to list attempts")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, admin.AttemptsResponse{ChangeID: id, Attempts: attempts})
}

func (h *Handler) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := h.routes.List(r.Context())
	if err != nil {
		h.writeError(w, r, err, "failed to list routes")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, admin.RoutesResponse{Routes: routes})
}

func (h *Handler) handleUpsertRoute(w http.ResponseWriter, r *http.Request) {
	var req admin.UpsertRouteRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, "invalid route request")
		return
	}
	route, err := h.routes.Upsert(r.Context(), routingmodels.Route{
		Category: chi.URLParam(r, "category"),
		Target:   req.Target,
	})
	if err != nil {
		h.writeError(w, r, err, "failed to save route")
		return
	}
	h.logger.InfoContext(r.Context(), "route updated",
		"request_id", request.GetRequestID(r.Context()),
		"category", route.Category,
		"target", route.Target,
	)
	h.audit.Emit(r.Context(), audit.Event{
		Action:  audit.ActionRouteUpserted,
		Subject: route.Category,
		Detail:  route.Target,
	})
	httputil.WriteJSON(w, http.StatusOK, route)
}

func (h *Handler) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if err := h.routes.Delete(r.Context(), category); err != nil {
		h.writeError(w, r, err, "failed to delete route")
		return
	}
	h.logger.InfoContext(r.Context(), "route deleted",
		"request_id", request.GetRequestID(r.Context()),
		"category", category,
	)
	h.audit.Emit(r.Context(), audit.Event{Action: audit.ActionRouteDeleted, Subject: category})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, r, err, "invalid audit request")
		return
	}
	events, err := h.audit.Recent(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list audit events"), "failed to list audit events")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, admin.AuditResponse{Events: events})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	ctx := r.Context()
	attrs := []any{"request_id", request.GetRequestID(ctx), "error", err.Error()}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = dErrors.Wrap(err, dErrors.CodeTimeout, "request timed out")
	}
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, msg, attrs...)
	} else {
		h.logger.WarnContext(ctx, msg, attrs...)
	}
	httputil.WriteError(w, err)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, dErrors.New(dErrors.CodeBadRequest, "limit must be a non-negative integer")
	}
	return n, nil
}

func changeID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, dErrors.New(dErrors.CodeBadRequest, "change id must be a positive integer")
	}
	return id, nil
}
