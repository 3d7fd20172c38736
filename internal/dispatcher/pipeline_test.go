package dispatcher_test

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clstore "changehub/internal/changelog/store"
	"changehub/internal/dispatcher"
	"changehub/internal/dispatcher/delivery"
	"changehub/internal/notify"
	recordmodels "changehub/internal/record/models"
	recordservice "changehub/internal/record/service"
	recordstore "changehub/internal/record/store"
	routingmodels "changehub/internal/routing/models"
	routingservice "changehub/internal/routing/service"
	routingstore "changehub/internal/routing/store"
	"changehub/pkg/platform/tx"
	"changehub/pkg/testutil"
)

type received struct {
	RecordID     int64           `json:"record_id"`
	Category     string          `json:"category"`
	ChangedValue json.RawMessage `json:"changed_value"`
}

type pipeline struct {
	records  *recordservice.Service
	changes  *clstore.InMemory
	routes   *routingservice.Service
	notifier *notify.Memory
	disp     *dispatcher.Dispatcher

	mu       sync.Mutex
	received []received
	server   *httptest.Server
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := &pipeline{
		changes:  clstore.NewInMemory(),
		notifier: notify.NewMemory(),
	}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body received
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		p.received = append(p.received, body)
		p.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(p.server.Close)

	p.records = recordservice.New(recordstore.NewInMemory(), p.changes, tx.NewMemoryRunner(),
		recordservice.WithPublisher(p.notifier),
		recordservice.WithLogger(logger),
	)
	p.routes = routingservice.New(routingstore.NewInMemory(), routingservice.WithLogger(logger))
	p.disp = dispatcher.New(p.changes, p.routes, delivery.NewHTTP(nil, time.Second), p.notifier,
		dispatcher.WithLogger(logger),
		dispatcher.WithSweep(time.Hour, 0),
	)
	return p
}

func (p *pipeline) route(t *testing.T, category string) {
	t.Helper()
	_, err := p.routes.Upsert(context.Background(), routingmodels.Route{Category: category, Target: p.server.URL + "/" + category})
	require.NoError(t, err)
}

func (p *pipeline) deliveries() []received {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]received(nil), p.received...)
}

func sections(kv map[recordmodels.Section]string) recordmodels.Sections {
	out := recordmodels.Sections{}
	for k, v := range kv {
		out[k] = json.RawMessage(v)
	}
	return out
}

func TestChangeDispatchPipeline(t *testing.T) {
	ctx := context.Background()

	testutil.Given(t, "a routed status category and a running dispatcher", func(t *testing.T) {
		p := newPipeline(t)
		p.route(t, "status")
		p.route(t, "identity")

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- p.disp.Run(runCtx) }()
		t.Cleanup(func() {
			cancel()
			<-done
		})

		var recordID int64

		testutil.When(t, "a record is created with a status section", func(t *testing.T) {
			res, err := p.records.Write(ctx, recordservice.WriteRequest{
				Sections: sections(map[recordmodels.Section]string{
					recordmodels.SectionStatus: `{"level":"active"}`,
					recordmodels.SectionNotes:  `{"text":"not monitored"}`,
				}),
			})
			require.NoError(t, err)
			recordID = res.RecordID

			testutil.Then(t, "exactly one status delivery is made and the entry is processed", func(t *testing.T) {
				require.Eventually(t, func() bool {
					e, err := p.changes.FindByID(ctx, res.ChangeID)
					return err == nil && e.Processed
				}, 2*time.Second, 10*time.Millisecond)

				got := p.deliveries()
				require.Len(t, got, 1)
				assert.Equal(t, "status", got[0].Category)
				assert.Equal(t, recordID, got[0].RecordID)
				assert.JSONEq(t, `{"level":"active"}`, string(got[0].ChangedValue))
			})

			testutil.And(t, "the attempt is logged as a success", func(t *testing.T) {
				attempts, err := p.changes.ListAttempts(ctx, res.ChangeID)
				require.NoError(t, err)
				require.Len(t, attempts, 1)
				assert.True(t, attempts[0].Success)
				assert.Equal(t, 200, attempts[0].ResponseCode)
			})
		})

		testutil.When(t, "only the identity section is updated", func(t *testing.T) {
			res, err := p.records.Write(ctx, recordservice.WriteRequest{
				RecordID: recordID,
				Sections: sections(map[recordmodels.Section]string{
					recordmodels.SectionIdentity: `{"first_name":"Ada"}`,
				}),
			})
			require.NoError(t, err)

			testutil.Then(t, "the delivery names only identity", func(t *testing.T) {
				require.Eventually(t, func() bool { return len(p.deliveries()) == 2 }, 2*time.Second, 10*time.Millisecond)
				got := p.deliveries()[1]
				assert.Equal(t, "identity", got.Category)
				assert.Equal(t, []recordmodels.Section{recordmodels.SectionIdentity}, res.Changed)
			})
		})

		testutil.When(t, "the access section changes but has no route", func(t *testing.T) {
			res, err := p.records.Write(ctx, recordservice.WriteRequest{
				RecordID: recordID,
				Sections: sections(map[recordmodels.Section]string{
					recordmodels.SectionAccess: `{"doors":["main"]}`,
				}),
			})
			require.NoError(t, err)

			testutil.Then(t, "the entry still reaches processed without a delivery", func(t *testing.T) {
				require.Eventually(t, func() bool {
					e, err := p.changes.FindByID(ctx, res.ChangeID)
					return err == nil && e.Processed
				}, 2*time.Second, 10*time.Millisecond)
				assert.Len(t, p.deliveries(), 2)
			})
		})
	})
}
