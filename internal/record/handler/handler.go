package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"changehub/internal/platform/metrics"
	"changehub/internal/platform/middleware"
	"changehub/internal/record/models"
	"changehub/internal/record/service"
	dErrors "changehub/pkg/domain-errors"
	"changehub/pkg/platform/httputil"
	"changehub/pkg/platform/middleware/metadata"
	request "changehub/pkg/platform/middleware/request"
	"changehub/pkg/platform/middleware/requesttime"
)

// Service defines the record operations exposed over HTTP.
type Service interface {
	Write(ctx context.Context, req service.WriteRequest) (*service.WriteResult, error)
	WriteSection(ctx context.Context, id int64, section models.Section, value []byte) (*service.WriteResult, error)
	Get(ctx context.Context, id int64) (*models.Record, error)
	GetSection(ctx context.Context, id int64, section models.Section) ([]byte, error)
	History(ctx context.Context, id int64) ([]*models.Version, error)
	VerifyChain(ctx context.Context, id int64) (*models.ChainReport, error)
	Delete(ctx context.Context, id int64) error
	Search(ctx context.Context, query string, limit int) ([]*models.Record, error)
}

// maxBodyBytes bounds record write payloads.
const maxBodyBytes = 1 << 20

type Handler struct {
	logger  *slog.Logger
	records Service
	metrics *metrics.Metrics
	timeout time.Duration
}

func New(records Service, logger *slog.Logger, m *metrics.Metrics, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{logger: logger, records: records, metrics: m, timeout: timeout}
}

// Register mounts the record routes under /v1/records.
func (h *Handler) Register(r chi.Router) {
	records := chi.NewRouter()
	records.Use(request.Recovery(h.logger))
	records.Use(request.RequestID)
	records.Use(request.Logger(h.logger))
	records.Use(metadata.ClientMetadata)
	records.Use(requesttime.Middleware)
	records.Use(request.Timeout(h.timeout))
	records.Use(request.ContentTypeJSON)
	if h.metrics != nil {
		records.Use(middleware.LatencyMiddleware(h.metrics))
	}

	records.Post("/", h.handleCreate)
	records.Get("/", h.handleSearch)
	records.Get("/{id}", h.handleGet)
	records.Put("/{id}", h.handleUpdate)
	records.Delete("/{id}", h.handleDelete)
	records.Get("/{id}/sections/{section}", h.handleGetSection)
	records.Put("/{id}/sections/{section}", h.handlePutSection)
	records.Get("/{id}/versions", h.handleHistory)
	records.Get("/{id}/versions/verify", h.handleVerify)

	r.Mount("/v1/records", records)
}

type writeRecordRequest struct {
	Sections map[models.Section]json.RawMessage `json:"sections"`
}

type versionsResponse struct {
	RecordID int64             `json:"record_id"`
	Versions []*models.Version `json:"versions"`
}

type searchResponse struct {
	Records []*recordSummary `json:"records"`
}

type recordSummary struct {
	ID          int64     `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req writeRecordRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err, "invalid create record request")
		return
	}
	res, err := h.records.Write(r.Context(), service.WriteRequest{Sections: req.Sections})
	if err != nil {
		h.writeError(w, r, err, "failed to create record")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		h.writeError(w, r, err, "invalid record id")
		return
	}
	var req writeRecordRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err, "invalid update record request")
		return
	}
	res, err := h.records.Write(r.Context(), service.WriteRequest{RecordID: id, Sections: req.Sections})
	if err != nil {
		h.writeError(w, r, err, "failed to update record")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		h.writeError(w, r, err, "invalid record id")
		return
	}
	rec, err := h.records.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, "failed to get record")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		h.writeError(w, r, err, "invalid record id")
		return
	}
	if err := h.records.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, err, "failed to delete record")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, r, dErrors.New(dErrors.CodeBadRequest, "limit must be a non-negative integer"), "invalid search request")
			return
		}
		limit = n
	}
	recs, err := h.records.Search(r.Context(), query, limit)
	if err != nil {
		h.writeError(w, r, err, "failed to search records")
		return
	}
	resp := searchResponse{Records: make([]*recordSummary, 0, len(recs))}
	for _, rec := range recs {
		resp.Records = append(resp.Records, &recordSummary{
			ID:          rec.ID,
			DisplayName: rec.DisplayName(),
			Email:       rec.Email(),
			UpdatedAt:   rec.UpdatedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetSection(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		h.writeError(w, r, err, "invalid record id")
		return
	}
	raw, err := h.records.GetSection(r.Context(), id, models.Section(chi.URLParam(r, "section")))
	if err != nil {
		h.writeError(w, r, err, "failed to get section")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (h *Handler) handlePutSection(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		h.writeError(w, r, err, "invalid record id")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, dErrors.Wrap(err, dErrors.CodeBadRequest, "failed to read body"), "invalid section request")
		return
	}
	if !json.Valid(body) {
		h.writeError(w, r, dErrors.New(dErrors.CodeBadRequest, "body must be a JSON document"), "invalid section request")
		return
	}
	res, err := h.records.WriteSection(r.Context(), id, models.Section(chi.URLParam(r, "section")), body)
	if err != nil {
		h.writeError(w, r, err, "failed to write section")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		h.writeError(w, r, err, "invalid record id")
		return
	}
	versions, err := h.records.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, "failed to list versions")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, versionsResponse{RecordID: id, Versions: versions})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	id, err := recordID(r)
	if err != nil {
		h.writeError(w, r, err, "invalid record id")
		return
	}
	report, err := h.records.VerifyChain(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, "failed to verify version chain")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return httputil.DecodeJSON(r, v)
}

// writeError logs client errors at warn and everything else at error.
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

func recordID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, dErrors.New(dErrors.CodeBadRequest, "record id must be a positive integer")
	}
	return id, nil
}
