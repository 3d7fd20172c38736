package store

import (
	"context"
	"sort"
	"sync"

	"changehub/internal/routing/models"
	"changehub/pkg/platform/sentinel"
)

type InMemory struct {
	mu     sync.RWMutex
	routes map[string]models.Route
}

func NewInMemory() *InMemory {
	return &InMemory{routes: make(map[string]models.Route)}
}

func (s *InMemory) Find(_ context.Context, category string) (*models.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[category]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &r, nil
}

func (s *InMemory) List(_ context.Context) ([]*models.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Route, 0, len(s.routes))
	for _, r := range s.routes {
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

func (s *InMemory) Upsert(_ context.Context, route *models.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[route.Category] = *route
	return nil
}

func (s *InMemory) Delete(_ context.Context, category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[category]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.routes, category)
	return nil
}
