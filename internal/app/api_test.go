package app_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changehub/internal/admin/types"
	"changehub/internal/app"
	"changehub/internal/audit"
	"changehub/internal/dispatcher"
	"changehub/internal/dispatcher/delivery"
	"changehub/internal/notify"
	"changehub/internal/platform/config"
	"changehub/internal/record/models"
	"changehub/internal/record/service"
	"changehub/pkg/testutil"
)

const adminToken = "ops-token"

type target struct {
	mu       sync.Mutex
	requests []delivery.Request
	server   *httptest.Server
}

func newTarget(t *testing.T) *target {
	tg := &target{}
	tg.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req delivery.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		tg.mu.Lock()
		tg.requests = append(tg.requests, req)
		tg.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(tg.server.Close)
	return tg
}

func (tg *target) received() []delivery.Request {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return append([]delivery.Request(nil), tg.requests...)
}

func admin(req *http.Request) *http.Request {
	return testutil.WithAdminToken(req, adminToken)
}

func TestAPI_RecordWriteReachesRoutedService(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	storage, err := app.OpenStorage(ctx, config.DatabaseConfig{}, logger)
	require.NoError(t, err)
	notifier := notify.NewMemory()
	api := app.NewAPI(config.Server{AdminToken: adminToken, RequestTimeout: 5 * time.Second},
		storage, notifier, prometheus.NewRegistry(), logger)

	disp := dispatcher.New(storage.Changes, api.Routes, delivery.NewHTTP(nil, time.Second), notifier,
		dispatcher.WithLogger(logger),
		dispatcher.WithSweep(time.Hour, 0),
	)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- disp.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	status := newTarget(t)

	testutil.Given(t, "a status route registered through the admin API", func(t *testing.T) {
		rr := testutil.DoRequest(api.Handler, admin(testutil.NewJSONRequest(t, http.MethodPut,
			"/admin/routes/status", map[string]string{"target": status.server.URL})))
		testutil.AssertStatus(t, rr, http.StatusOK)

		testutil.When(t, "a record is created with identity and status sections", func(t *testing.T) {
			rr := testutil.DoRequest(api.Handler, testutil.NewJSONRequest(t, http.MethodPost, "/v1/records",
				map[string]any{"sections": map[string]any{
					"identity": map[string]string{"first_name": "Ada", "last_name": "Lovelace"},
					"status":   map[string]string{"level": "active"},
				}}))
			testutil.AssertStatus(t, rr, http.StatusCreated)
			res := testutil.UnmarshalResponse[service.WriteResult](t, rr)
			assert.Equal(t, []models.Section{models.SectionIdentity, models.SectionStatus}, res.Changed)

			testutil.Then(t, "only the routed status category is delivered", func(t *testing.T) {
				require.Eventually(t, func() bool {
					rr := testutil.DoRequest(api.Handler, admin(testutil.NewRequest(t, http.MethodGet, "/admin/changes/stats")))
					var stats types.Stats
					return json.Unmarshal(rr.Body.Bytes(), &stats) == nil && stats.Processed == 1
				}, 2*time.Second, 10*time.Millisecond)

				got := status.received()
				require.Len(t, got, 1)
				assert.Equal(t, res.RecordID, got[0].RecordID)
				assert.Equal(t, "status", got[0].Category)
				assert.JSONEq(t, `{"level":"active"}`, string(got[0].ChangedValue))
			})

			testutil.And(t, "the attempt history shows one successful delivery", func(t *testing.T) {
				rr := testutil.DoRequest(api.Handler, admin(testutil.NewRequest(t, http.MethodGet, "/admin/changes/1/attempts")))
				testutil.AssertStatus(t, rr, http.StatusOK)
				body := testutil.UnmarshalResponse[struct {
					Attempts []types.Attempt `json:"attempts"`
				}](t, rr)
				require.Len(t, body.Attempts, 1)
				assert.True(t, body.Attempts[0].Success)
				assert.Equal(t, "status", body.Attempts[0].ServiceName)
			})

			testutil.And(t, "the version chain verifies", func(t *testing.T) {
				rr := testutil.DoRequest(api.Handler, testutil.NewRequest(t, http.MethodGet, "/v1/records/1/versions/verify"))
				testutil.AssertStatus(t, rr, http.StatusOK)
				report := testutil.UnmarshalResponse[models.ChainReport](t, rr)
				assert.True(t, report.Valid)
				assert.Equal(t, 1, report.Versions)
			})
		})

		testutil.When(t, "the operator reads the audit trail", func(t *testing.T) {
			rr := testutil.DoRequest(api.Handler, admin(testutil.NewRequest(t, http.MethodGet, "/admin/audit")))
			testutil.AssertStatus(t, rr, http.StatusOK)
			body := testutil.UnmarshalResponse[struct {
				Events []audit.Event `json:"events"`
			}](t, rr)

			testutil.Then(t, "the route change is listed", func(t *testing.T) {
				require.Len(t, body.Events, 1)
				assert.Equal(t, audit.ActionRouteUpserted, body.Events[0].Action)
				assert.Equal(t, "status", body.Events[0].Subject)
				assert.NotEmpty(t, body.Events[0].RequestID)
			})
		})
	})

	testutil.Given(t, "a request without the admin token", func(t *testing.T) {
		rr := testutil.DoRequest(api.Handler, testutil.NewRequest(t, http.MethodGet, "/admin/routes"))

		testutil.Then(t, "it is rejected", func(t *testing.T) {
			testutil.AssertStatusAndError(t, rr, http.StatusUnauthorized, "unauthorized")
		})
	})

	testutil.Given(t, "the shared endpoints", func(t *testing.T) {
		testutil.Then(t, "healthz answers ok and metrics are exposed", func(t *testing.T) {
			testutil.AssertStatus(t, testutil.DoRequest(api.Handler, testutil.NewRequest(t, http.MethodGet, "/healthz")), http.StatusOK)

			rr := testutil.DoRequest(api.Handler, testutil.NewRequest(t, http.MethodGet, "/metrics"))
			testutil.AssertStatus(t, rr, http.StatusOK)
			assert.Contains(t, rr.Body.String(), "changehub_record_writes_total")
		})
	})
}
