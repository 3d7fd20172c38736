package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"changehub/internal/record/models"
	"changehub/pkg/platform/sentinel"
	"changehub/pkg/platform/tx"
)

// InMemory keeps records and their version chains in maps. Mutations made
// inside tx.MemoryRunner register undo steps so a failed unit of work leaves
// no trace.
type InMemory struct {
	mu       sync.RWMutex
	nextID   int64
	records  map[int64]*models.Record
	versions map[int64][]*models.Version
}

func NewInMemory() *InMemory {
	return &InMemory{
		records:  make(map[int64]*models.Record),
		versions: make(map[int64][]*models.Version),
	}
}

func copyRecord(r *models.Record) *models.Record {
	c := *r
	c.Sections = r.Sections.Clone()
	return &c
}

func copyVersion(v *models.Version) *models.Version {
	c := *v
	c.Snapshot = v.Snapshot.Clone()
	return &c
}

func (s *InMemory) Create(ctx context.Context, rec *models.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	stored := copyRecord(rec)
	stored.ID = id
	s.records[id] = stored

	tx.Record(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.records, id)
	})
	return id, nil
}

func (s *InMemory) FindByID(_ context.Context, id int64) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyRecord(rec), nil
}

// FindForUpdate is FindByID; writers are already serialized by the memory runner.
func (s *InMemory) FindForUpdate(ctx context.Context, id int64) (*models.Record, error) {
	return s.FindByID(ctx, id)
}

func (s *InMemory) Update(ctx context.Context, rec *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.records[rec.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	s.records[rec.ID] = copyRecord(rec)

	tx.Record(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.records[prev.ID] = prev
	})
	return nil
}

// Delete removes the record and its version chain.
func (s *InMemory) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	versions := s.versions[id]
	delete(s.records, id)
	delete(s.versions, id)

	tx.Record(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.records[id] = rec
		if versions != nil {
			s.versions[id] = versions
		}
	})
	return nil
}

// Search matches query case-insensitively against display name and email.
func (s *InMemory) Search(_ context.Context, query string, limit int) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(query))
	var out []*models.Record
	for _, rec := range s.records {
		if strings.Contains(strings.ToLower(rec.DisplayName()), q) ||
			strings.Contains(strings.ToLower(rec.Email()), q) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DisplayNames resolves display names for the given ids; missing ids are omitted.
func (s *InMemory) DisplayNames(_ context.Context, ids []int64) (map[int64]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]string, len(ids))
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			out[id] = rec.DisplayName()
		}
	}
	return out, nil
}

func (s *InMemory) LatestVersion(_ context.Context, recordID int64) (*models.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.versions[recordID]
	if len(chain) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return copyVersion(chain[len(chain)-1]), nil
}

// AppendVersion rejects a version number that is already taken.
func (s *InMemory) AppendVersion(ctx context.Context, v *models.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.versions[v.RecordID]
	for _, existing := range chain {
		if existing.Number == v.Number {
			return sentinel.ErrConflict
		}
	}
	s.versions[v.RecordID] = append(chain, copyVersion(v))

	recordID := v.RecordID
	tx.Record(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		current := s.versions[recordID]
		if len(current) > 0 {
			s.versions[recordID] = current[:len(current)-1]
		}
		if len(s.versions[recordID]) == 0 {
			delete(s.versions, recordID)
		}
	})
	return nil
}

func (s *InMemory) ListVersions(_ context.Context, recordID int64) ([]*models.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.versions[recordID]
	out := make([]*models.Version, 0, len(chain))
	for _, v := range chain {
		out = append(out, copyVersion(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}
