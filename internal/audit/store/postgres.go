package store

import (
	"context"
	"database/sql"
	"fmt"

	"changehub/internal/audit"
	"changehub/internal/platform/postgres"
)

// PostgresStore persists audit events in operator_audit.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, event audit.Event) error {
	const query = `
		INSERT INTO operator_audit (action, subject, detail, request_id, client_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := postgres.Execer(ctx, s.db).ExecContext(ctx, query,
		string(event.Action), event.Subject, event.Detail, event.RequestID, event.ClientIP, event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]audit.Event, error) {
	rows, err := postgres.Execer(ctx, s.db).QueryContext(ctx, `
		SELECT id, action, subject, detail, request_id, client_ip, created_at
		FROM operator_audit
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var e audit.Event
		var action string
		if err := rows.Scan(&e.ID, &action, &e.Subject, &e.Detail, &e.RequestID, &e.ClientIP, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Action = audit.Action(action)
		out = append(out, e)
	}
	return out, rows.Err()
}
