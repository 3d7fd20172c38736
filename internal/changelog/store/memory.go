package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"changehub/internal/changelog/models"
	"changehub/pkg/platform/sentinel"
	"changehub/pkg/platform/tx"
)

// InMemory is the change log and processing log held in maps. Claim runs
// under the store lock, so it is atomic across concurrent dispatchers sharing
// one instance.
type InMemory struct {
	mu            sync.Mutex
	nextID        int64
	nextAttemptID int64
	entries       map[int64]*models.Entry
	attempts      map[int64][]*models.Attempt
}

func NewInMemory() *InMemory {
	return &InMemory{
		entries:  make(map[int64]*models.Entry),
		attempts: make(map[int64][]*models.Attempt),
	}
}

func copyEntry(e *models.Entry) *models.Entry {
	c := *e
	c.Payload.Changes = append(c.Payload.Changes[:0:0], e.Payload.Changes...)
	if e.ClaimedAt != nil {
		t := *e.ClaimedAt
		c.ClaimedAt = &t
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

func (s *InMemory) Append(ctx context.Context, entry *models.Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	stored := copyEntry(entry)
	stored.ID = id
	stored.Status = models.StatusPending
	stored.Processed = false
	s.entries[id] = stored

	tx.Record(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.entries, id)
	})
	return id, nil
}

// DeleteForRecord removes every entry of a record and their attempts.
func (s *InMemory) DeleteForRecord(ctx context.Context, recordID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[int64]*models.Entry)
	removedAttempts := make(map[int64][]*models.Attempt)
	for id, e := range s.entries {
		if e.RecordID != recordID {
			continue
		}
		removed[id] = e
		if a, ok := s.attempts[id]; ok {
			removedAttempts[id] = a
		}
		delete(s.entries, id)
		delete(s.attempts, id)
	}

	tx.Record(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, e := range removed {
			s.entries[id] = e
		}
		for id, a := range removedAttempts {
			s.attempts[id] = a
		}
	})
	return nil
}

func (s *InMemory) FindByID(_ context.Context, id int64) (*models.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyEntry(e), nil
}

// sortedIDs returns entry ids in ascending (creation) order. Caller holds mu.
func (s *InMemory) sortedIDs() []int64 {
	ids := make([]int64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func claimable(e *models.Entry, req models.ClaimRequest) bool {
	if e.Processed {
		return false
	}
	if !req.CreatedBefore.IsZero() && !e.CreatedAt.Before(req.CreatedBefore) {
		return false
	}
	switch e.Status {
	case models.StatusPending:
		return true
	case models.StatusDelivering:
		return e.ClaimedAt != nil && e.ClaimedAt.Before(req.Now.Add(-req.Lease))
	default:
		return false
	}
}

func (s *InMemory) Claim(_ context.Context, req models.ClaimRequest) ([]*models.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// heads tracks records whose oldest unprocessed entry has been seen.
	heads := make(map[int64]bool)
	var claimed []*models.Entry
	for _, id := range s.sortedIDs() {
		if req.Limit > 0 && len(claimed) >= req.Limit {
			break
		}
		e := s.entries[id]
		if e.Processed {
			continue
		}
		if heads[e.RecordID] {
			continue
		}
		heads[e.RecordID] = true
		if !claimable(e, req) {
			continue
		}
		now := req.Now
		e.Status = models.StatusDelivering
		e.ClaimedBy = req.Claimer
		e.ClaimedAt = &now
		claimed = append(claimed, copyEntry(e))
	}
	return claimed, nil
}

func (s *InMemory) MarkProcessed(_ context.Context, id int64, claimer string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if e.Processed || e.ClaimedBy != claimer {
		return sentinel.ErrClaimLost
	}
	e.Status = models.StatusProcessed
	e.Processed = true
	e.ProcessedAt = &at
	return nil
}

// Release returns still-claimed entries to pending.
func (s *InMemory) Release(_ context.Context, ids []int64, claimer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		e, ok := s.entries[id]
		if !ok || e.Processed || e.ClaimedBy != claimer {
			continue
		}
		e.Status = models.StatusPending
		e.ClaimedBy = ""
		e.ClaimedAt = nil
	}
	return nil
}

func (s *InMemory) AppendAttempt(_ context.Context, a *models.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[a.ChangeID]; !ok {
		return sentinel.ErrNotFound
	}
	s.nextAttemptID++
	stored := *a
	stored.ID = s.nextAttemptID
	a.ID = stored.ID
	s.attempts[a.ChangeID] = append(s.attempts[a.ChangeID], &stored)
	return nil
}

func (s *InMemory) ListAttempts(_ context.Context, changeID int64) ([]*models.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Attempt, 0, len(s.attempts[changeID]))
	for _, a := range s.attempts[changeID] {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

func (s *InMemory) Stats(_ context.Context) (*models.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &models.Stats{}
	for _, e := range s.entries {
		switch e.Status {
		case models.StatusPending:
			stats.Pending++
		case models.StatusDelivering:
			stats.Delivering++
		case models.StatusProcessed:
			stats.Processed++
		}
	}
	stats.Unprocessed = stats.Pending + stats.Delivering
	return stats, nil
}

func (s *InMemory) ListUnprocessed(_ context.Context, limit int) ([]*models.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Entry
	for _, id := range s.sortedIDs() {
		e := s.entries[id]
		if e.Processed {
			continue
		}
		out = append(out, copyEntry(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListFailed returns entries whose latest attempt for some service failed,
// oldest first. Processed entries are included.
func (s *InMemory) ListFailed(_ context.Context, limit int) ([]*models.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Entry
	for _, id := range s.sortedIDs() {
		if !latestFailed(s.attempts[id]) {
			continue
		}
		out = append(out, copyEntry(s.entries[id]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func latestFailed(attempts []*models.Attempt) bool {
	last := make(map[string]bool, len(attempts))
	for _, a := range attempts {
		last[a.ServiceName] = a.Success
	}
	for _, ok := range last {
		if !ok {
			return true
		}
	}
	return false
}
