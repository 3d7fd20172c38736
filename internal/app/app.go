// Package app assembles the storage, notification and delivery backends
// selected by configuration. cmd/server and cmd/dispatcher share it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/juju/clock"

	adminadapters "changehub/internal/admin/adapters"
	"changehub/internal/audit"
	auditstore "changehub/internal/audit/store"
	clstore "changehub/internal/changelog/store"
	"changehub/internal/dispatcher"
	"changehub/internal/dispatcher/delivery"
	"changehub/internal/notify"
	"changehub/internal/platform/config"
	"changehub/internal/platform/postgres"
	platformredis "changehub/internal/platform/redis"
	recordservice "changehub/internal/record/service"
	recordstore "changehub/internal/record/store"
	routingservice "changehub/internal/routing/service"
	routingstore "changehub/internal/routing/store"
	"changehub/pkg/platform/tx"
)

// ChangeLog is everything the processes need from a change log store.
type ChangeLog interface {
	recordservice.ChangeLog
	dispatcher.Store
	adminadapters.ChangeLogStore
}

// RecordStore is the record store plus the display-name lookup used by admin.
type RecordStore interface {
	recordservice.Store
	DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error)
}

// Storage holds the stores of one backend. DB is nil in memory mode.
type Storage struct {
	DB      *sql.DB
	Records RecordStore
	Changes ChangeLog
	Routes  routingservice.Store
	Audit   audit.Store
	Tx      recordservice.TxRunner

	// Checks are run by HealthHandler. OpenNotifier appends the redis ping.
	Checks []HealthCheck
}

// HealthCheck is one dependency checked by /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// OpenStorage connects to Postgres when a database URL is configured and
// falls back to in-memory stores otherwise.
func OpenStorage(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*Storage, error) {
	if cfg.URL == "" {
		logger.WarnContext(ctx, "no database configured, using in-memory stores")
		return &Storage{
			Records: recordstore.NewInMemory(),
			Changes: clstore.NewInMemory(),
			Routes:  routingstore.NewInMemory(),
			Audit:   auditstore.NewInMemoryStore(),
			Tx:      tx.NewMemoryRunner(),
		}, nil
	}

	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := postgres.Migrate(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.InfoContext(ctx, "database migrations applied")
	}
	return &Storage{
		DB:      db,
		Records: recordstore.NewPostgres(db),
		Changes: clstore.NewPostgres(db),
		Routes:  routingstore.NewPostgres(db),
		Audit:   auditstore.NewPostgres(db),
		Tx:      postgres.NewTxRunner(db, cfg.TxTimeout),
		Checks:  []HealthCheck{{Name: "database", Check: db.PingContext}},
	}, nil
}

// Close releases the database handle, if any.
func (s *Storage) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Notifier is a wake-up signal backend with both ends.
type Notifier interface {
	notify.Publisher
	notify.Subscriber
}

type pgNotifier struct {
	*notify.PostgresPublisher
	*notify.PostgresSubscriber
}

// OpenNotifier builds the configured signal backend. The returned close func
// is never nil.
func OpenNotifier(ctx context.Context, cfg config.Config, storage *Storage, logger *slog.Logger) (Notifier, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Notify.Backend {
	case config.NotifyMemory:
		return notify.NewMemory(), noop, nil
	case config.NotifyPostgres:
		if storage.DB == nil {
			return nil, noop, fmt.Errorf("notify backend %s requires a database", cfg.Notify.Backend)
		}
		return pgNotifier{
			PostgresPublisher:  notify.NewPostgresPublisher(storage.DB, cfg.Notify.Channel),
			PostgresSubscriber: notify.NewPostgresSubscriber(cfg.Database.URL, cfg.Notify.Channel, logger),
		}, noop, nil
	case config.NotifyRedis:
		client, err := platformredis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, noop, err
		}
		storage.Checks = append(storage.Checks, HealthCheck{Name: "redis", Check: client.Health})
		return notify.NewRedis(client.Client, cfg.Notify.Channel, logger), client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown notify backend %q", cfg.Notify.Backend)
	}
}

// NewDeliverer routes http(s) targets to the webhook client and kafka
// targets to a producer when brokers are configured. A positive breaker
// threshold wraps everything in per-target circuit breakers.
func NewDeliverer(cfg config.Config, logger *slog.Logger) (dispatcher.Deliverer, func(), error) {
	mux := delivery.NewMux().Handle(
		delivery.NewHTTP(&http.Client{}, cfg.Dispatcher.DeliveryTimeout),
		"http", "https",
	)
	closeFn := func() {}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := delivery.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			return nil, closeFn, err
		}
		mux.Handle(producer, "kafka")
		closeFn = producer.Close
		logger.Info("kafka delivery enabled", "brokers", cfg.Kafka.Brokers)
	}

	var d dispatcher.Deliverer = mux
	if cfg.Dispatcher.BreakerThreshold > 0 {
		d = delivery.NewBreakers(mux, cfg.Dispatcher.BreakerThreshold, cfg.Dispatcher.BreakerCooldown, clock.WallClock, logger)
	}
	return d, closeFn, nil
}

// DispatcherOptions translates the dispatcher config section.
func DispatcherOptions(cfg config.DispatcherConfig) []dispatcher.Option {
	opts := []dispatcher.Option{
		dispatcher.WithBatchSize(cfg.BatchSize),
		dispatcher.WithSweep(cfg.SweepInterval, cfg.SweepGrace),
		dispatcher.WithClaimLease(cfg.ClaimLease),
		dispatcher.WithConcurrency(cfg.Concurrency),
		dispatcher.WithDeliveryTimeout(cfg.DeliveryTimeout),
		dispatcher.WithRetry(cfg.MaxAttempts, cfg.RetryInitialInterval),
	}
	if cfg.InstanceID != "" {
		opts = append(opts, dispatcher.WithInstanceID(cfg.InstanceID))
	}
	return opts
}

// HealthHandler answers 200 "ok" when every check passes and 503 naming the
// first failing dependency otherwise.
func HealthHandler(checks ...HealthCheck) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				http.Error(w, c.Name+" unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
}
