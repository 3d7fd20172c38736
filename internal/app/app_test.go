package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clstore "changehub/internal/changelog/store"
	"changehub/internal/dispatcher/delivery"
	"changehub/internal/notify"
	"changehub/internal/platform/config"
	"changehub/pkg/platform/tx"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenStorage_MemoryWithoutDatabaseURL(t *testing.T) {
	storage, err := OpenStorage(context.Background(), config.DatabaseConfig{}, discard())
	require.NoError(t, err)
	defer storage.Close()

	assert.Nil(t, storage.DB)
	assert.IsType(t, &clstore.InMemory{}, storage.Changes)
	assert.IsType(t, &tx.MemoryRunner{}, storage.Tx)
}

func TestOpenNotifier(t *testing.T) {
	ctx := context.Background()
	storage, err := OpenStorage(ctx, config.DatabaseConfig{}, discard())
	require.NoError(t, err)

	t.Run("memory", func(t *testing.T) {
		n, closeFn, err := OpenNotifier(ctx, config.Config{Notify: config.NotifyConfig{Backend: config.NotifyMemory}}, storage, discard())
		require.NoError(t, err)
		assert.IsType(t, &notify.Memory{}, n)
		assert.NoError(t, closeFn())
	})

	t.Run("postgres needs a database", func(t *testing.T) {
		_, closeFn, err := OpenNotifier(ctx, config.Config{Notify: config.NotifyConfig{Backend: config.NotifyPostgres}}, storage, discard())
		require.Error(t, err)
		assert.NotNil(t, closeFn)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, _, err := OpenNotifier(ctx, config.Config{Notify: config.NotifyConfig{Backend: "carrier-pigeon"}}, storage, discard())
		require.ErrorContains(t, err, "carrier-pigeon")
	})
}

func TestNewDeliverer(t *testing.T) {
	t.Run("plain mux without breakers", func(t *testing.T) {
		d, closeFn, err := NewDeliverer(config.Config{Dispatcher: config.DispatcherConfig{DeliveryTimeout: time.Second}}, discard())
		require.NoError(t, err)
		defer closeFn()
		assert.IsType(t, &delivery.Mux{}, d)
	})

	t.Run("breakers when a threshold is set", func(t *testing.T) {
		d, closeFn, err := NewDeliverer(config.Config{Dispatcher: config.DispatcherConfig{
			DeliveryTimeout:  time.Second,
			BreakerThreshold: 3,
			BreakerCooldown:  time.Minute,
		}}, discard())
		require.NoError(t, err)
		defer closeFn()
		assert.IsType(t, &delivery.Breakers{}, d)
	})

	t.Run("webhook targets are delivered", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		d, closeFn, err := NewDeliverer(config.Config{Dispatcher: config.DispatcherConfig{DeliveryTimeout: time.Second}}, discard())
		require.NoError(t, err)
		defer closeFn()

		res, err := d.Deliver(context.Background(), srv.URL, delivery.Request{RecordID: 1, Category: "status"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, res.StatusCode)
	})
}

func TestDispatcherOptions_InstanceIDOnlyWhenSet(t *testing.T) {
	base := config.DispatcherConfig{BatchSize: 10, SweepInterval: time.Minute, MaxAttempts: 1}
	assert.Len(t, DispatcherOptions(base), 6)

	base.InstanceID = "dispatcher-a"
	assert.Len(t, DispatcherOptions(base), 7)
}

func TestHealthHandler(t *testing.T) {
	pass := HealthCheck{Name: "database", Check: func(context.Context) error { return nil }}
	fail := HealthCheck{Name: "redis", Check: func(context.Context) error { return errors.New("dial tcp: refused") }}

	t.Run("no checks", func(t *testing.T) {
		rec := httptest.NewRecorder()
		HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", rec.Body.String())
	})

	t.Run("failing dependency is named", func(t *testing.T) {
		rec := httptest.NewRecorder()
		HealthHandler(pass, fail).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "redis unavailable")
		assert.NotContains(t, rec.Body.String(), "refused")
	})
}
