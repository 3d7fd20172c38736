package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"

	adminadapters "changehub/internal/admin/adapters"
	adminhandler "changehub/internal/admin/handler"
	adminservice "changehub/internal/admin/service"
	"changehub/internal/audit"
	"changehub/internal/notify"
	"changehub/internal/platform/config"
	"changehub/internal/platform/metrics"
	recordhandler "changehub/internal/record/handler"
	recordmetrics "changehub/internal/record/metrics"
	recordservice "changehub/internal/record/service"
	routingservice "changehub/internal/routing/service"
	adminmw "changehub/pkg/platform/middleware/admin"
	request "changehub/pkg/platform/middleware/request"
)

// API is the HTTP surface of cmd/server together with the services behind it.
type API struct {
	Records *recordservice.Service
	Routes  *routingservice.Service
	Admin   *adminservice.Service
	Handler http.Handler
}

// NewAPI wires the record and operator routers over storage. Metrics are
// registered on reg and exposed at /metrics.
func NewAPI(cfg config.Server, storage *Storage, publisher notify.Publisher, reg *prometheus.Registry, logger *slog.Logger) *API {
	api := &API{
		Routes: routingservice.New(storage.Routes, routingservice.WithLogger(logger)),
		Records: recordservice.New(storage.Records, storage.Changes, storage.Tx,
			recordservice.WithPublisher(publisher),
			recordservice.WithLogger(logger),
			recordservice.WithMetrics(recordmetrics.New(reg)),
		),
		Admin: adminservice.New(
			adminadapters.NewChangeStoreAdapter(storage.Changes),
			storage.Records,
			adminservice.WithLogger(logger),
		),
	}

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/healthz", HealthHandler(storage.Checks...))
	r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))
	recordhandler.New(api.Records, logger, metrics.New(reg), cfg.RequestTimeout).Register(r)
	adminhandler.New(api.Admin, api.Routes, audit.NewPublisher(storage.Audit, logger), cfg.AdminToken, logger).Register(r)

	api.Handler = r
	if len(cfg.CORSOrigins) > 0 {
		api.Handler = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type", adminmw.HeaderAdminToken, request.HeaderRequestID},
		}).Handler(r)
	}
	return api
}
