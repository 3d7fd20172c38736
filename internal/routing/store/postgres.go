package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"changehub/internal/platform/postgres"
	"changehub/internal/routing/models"
	"changehub/pkg/platform/sentinel"
)

// PostgresStore persists routes in service_routes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Find(ctx context.Context, category string) (*models.Route, error) {
	var r models.Route
	err := postgres.Execer(ctx, s.db).QueryRowContext(ctx,
		`SELECT category, target, updated_at FROM service_routes WHERE category = $1`, category,
	).Scan(&r.Category, &r.Target, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find route: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.Route, error) {
	rows, err := postgres.Execer(ctx, s.db).QueryContext(ctx,
		`SELECT category, target, updated_at FROM service_routes ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	var out []*models.Route
	for rows.Next() {
		var r models.Route
		if err := rows.Scan(&r.Category, &r.Target, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Upsert(ctx context.Context, route *models.Route) error {
	const query = `
		INSERT INTO service_routes (category, target, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (category) DO UPDATE
		SET target = EXCLUDED.target, updated_at = EXCLUDED.updated_at
	`
	if _, err := postgres.Execer(ctx, s.db).ExecContext(ctx, query,
		route.Category, route.Target, route.UpdatedAt); err != nil {
		return fmt.Errorf("upsert route: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, category string) error {
	res, err := postgres.Execer(ctx, s.db).ExecContext(ctx,
		`DELETE FROM service_routes WHERE category = $1`, category)
	if err != nil {
		return fmt.Errorf("delete route: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
