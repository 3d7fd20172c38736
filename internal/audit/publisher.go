package audit

import (
	"context"
	"log/slog"

	"changehub/pkg/requestcontext"
)

// Store persists audit events. ListRecent returns newest first.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}

const defaultListLimit = 100

// Publisher captures operator audit events. It is append-only and uses the
// storage layer for persistence so tests can swap sinks easily.
type Publisher struct {
	store  Store
	logger *slog.Logger
}

func NewPublisher(store Store, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{store: store, logger: logger}
}

// Emit stores the event. A failed write is logged and does not fail the
// action that produced it.
func (p *Publisher) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if event.ClientIP == "" {
		event.ClientIP = requestcontext.ClientIP(ctx)
	}
	if err := p.store.Append(ctx, event); err != nil {
		p.logger.ErrorContext(ctx, "failed to record audit event",
			"action", event.Action,
			"subject", event.Subject,
			"request_id", event.RequestID,
			"error", err,
		)
	}
}

// Recent lists the newest events. A non-positive limit uses the default.
func (p *Publisher) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return p.store.ListRecent(ctx, limit)
}
