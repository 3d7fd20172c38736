// Package service owns the routing table: the mapping from a change category
// to the endpoint that should be told about it.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"changehub/internal/routing/models"
	dErrors "changehub/pkg/domain-errors"
	"changehub/pkg/platform/sentinel"
	"changehub/pkg/requestcontext"
)

type Store interface {
	Find(ctx context.Context, category string) (*models.Route, error)
	List(ctx context.Context) ([]*models.Route, error)
	Upsert(ctx context.Context, route *models.Route) error
	Delete(ctx context.Context, category string) error
}

type Service struct {
	store  Store
	logger *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{store: store}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Lookup resolves the route for category. A miss wraps sentinel.ErrNotFound.
func (s *Service) Lookup(ctx context.Context, category string) (*models.Route, error) {
	route, err := s.store.Find(ctx, category)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "no route for category "+category)
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up route")
	}
	return route, nil
}

func (s *Service) List(ctx context.Context) ([]*models.Route, error) {
	routes, err := s.store.List(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list routes")
	}
	return routes, nil
}

// Upsert validates and stores route, replacing any existing target.
func (s *Service) Upsert(ctx context.Context, route models.Route) (*models.Route, error) {
	route.Category = strings.TrimSpace(route.Category)
	route.Target = strings.TrimSpace(route.Target)
	if err := route.Validate(); err != nil {
		return nil, dErrors.New(dErrors.CodeValidation, err.Error())
	}
	route.UpdatedAt = requestcontext.Now(ctx)
	if err := s.store.Upsert(ctx, &route); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save route")
	}
	s.logger.InfoContext(ctx, "route saved", "category", route.Category, "target", route.Target)
	return &route, nil
}

func (s *Service) Delete(ctx context.Context, category string) error {
	err := s.store.Delete(ctx, category)
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeNotFound, "no route for category "+category)
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete route")
	}
	s.logger.InfoContext(ctx, "route deleted", "category", category)
	return nil
}

// Seed upserts the configured category to target pairs.
func (s *Service) Seed(ctx context.Context, routes map[string]string) error {
	categories := make([]string, 0, len(routes))
	for category := range routes {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	for _, category := range categories {
		if _, err := s.Upsert(ctx, models.Route{Category: category, Target: routes[category]}); err != nil {
			return err
		}
	}
	return nil
}
