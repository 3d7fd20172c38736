package notify

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// PostgresPublisher publishes with pg_notify on the given channel.
type PostgresPublisher struct {
	db      *sql.DB
	channel string
}

func NewPostgresPublisher(db *sql.DB, channel string) *PostgresPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PostgresPublisher{db: db, channel: channel}
}

func (p *PostgresPublisher) Publish(ctx context.Context, entryID string) error {
	if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, p.channel, entryID); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

const (
	listenerMinReconnect = time.Second
	listenerMaxReconnect = 30 * time.Second
	listenerPingInterval = 90 * time.Second
)

// PostgresSubscriber listens with a dedicated LISTEN connection. The
// connection is re-established with backoff after failures, and every
// reconnect is reported as an empty wake-up since notifications sent while
// disconnected are lost.
type PostgresSubscriber struct {
	dsn     string
	channel string
	logger  *slog.Logger
}

func NewPostgresSubscriber(dsn, channel string, logger *slog.Logger) *PostgresSubscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSubscriber{dsn: dsn, channel: channel, logger: logger}
}

func (s *PostgresSubscriber) Subscribe(ctx context.Context) (<-chan string, error) {
	listener := pq.NewListener(s.dsn, listenerMinReconnect, listenerMaxReconnect, s.onEvent)
	if err := listener.Listen(s.channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", s.channel, err)
	}
	s.logger.InfoContext(ctx, "listening for change notifications", "channel", s.channel)

	out := make(chan string, subscriberBuffer)
	go s.forward(ctx, listener, out)
	return out, nil
}

func (s *PostgresSubscriber) forward(ctx context.Context, listener *pq.Listener, out chan<- string) {
	defer close(out)
	defer func() {
		if err := listener.Close(); err != nil {
			s.logger.Warn("failed to close listener", "error", err)
		}
	}()

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			// nil follows a reconnect
			if n == nil {
				offer(out, "")
				continue
			}
			offer(out, n.Extra)
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				s.logger.WarnContext(ctx, "listener ping failed", "error", err)
			}
		}
	}
}

func (s *PostgresSubscriber) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		s.logger.Warn("notification listener disconnected", "channel", s.channel, "error", err)
	case pq.ListenerEventReconnected:
		s.logger.Info("notification listener reconnected", "channel", s.channel)
	case pq.ListenerEventConnectionAttemptFailed:
		s.logger.Warn("notification listener reconnect failed", "channel", s.channel, "error", err)
	}
}
