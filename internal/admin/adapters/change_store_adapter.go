package adapters

import (
	"context"

	"changehub/internal/admin/types"
	clmodels "changehub/internal/changelog/models"
)

// ChangeLogStore is the read side of the change log stores.
type ChangeLogStore interface {
	FindByID(ctx context.Context, id int64) (*clmodels.Entry, error)
	ListAttempts(ctx context.Context, changeID int64) ([]*clmodels.Attempt, error)
	Stats(ctx context.Context) (*clmodels.Stats, error)
	ListUnprocessed(ctx context.Context, limit int) ([]*clmodels.Entry, error)
	ListFailed(ctx context.Context, limit int) ([]*clmodels.Entry, error)
}

// ChangeStoreAdapter adapts a change log store to admin's ChangeStore interface.
type ChangeStoreAdapter struct {
	store ChangeLogStore
}

// NewChangeStoreAdapter creates a new adapter wrapping a change log store.
func NewChangeStoreAdapter(store ChangeLogStore) *ChangeStoreAdapter {
	return &ChangeStoreAdapter{store: store}
}

func (a *ChangeStoreAdapter) FindByID(ctx context.Context, id int64) (*types.ChangeEntry, error) {
	e, err := a.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return mapEntry(e), nil
}

func (a *ChangeStoreAdapter) ListUnprocessed(ctx context.Context, limit int) ([]*types.ChangeEntry, error) {
	entries, err := a.store.ListUnprocessed(ctx, limit)
	if err != nil {
		return nil, err
	}
	return mapEntries(entries), nil
}

func (a *ChangeStoreAdapter) ListFailed(ctx context.Context, limit int) ([]*types.ChangeEntry, error) {
	entries, err := a.store.ListFailed(ctx, limit)
	if err != nil {
		return nil, err
	}
	return mapEntries(entries), nil
}

func (a *ChangeStoreAdapter) ListAttempts(ctx context.Context, changeID int64) ([]*types.Attempt, error) {
	attempts, err := a.store.ListAttempts(ctx, changeID)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Attempt, 0, len(attempts))
	for _, at := range attempts {
		out = append(out, &types.Attempt{
			ID:              at.ID,
			ChangeID:        at.ChangeID,
			ServiceName:     at.ServiceName,
			Endpoint:        at.Endpoint,
			Attempt:         at.Attempt,
			Success:         at.Success,
			ResponseCode:    at.ResponseCode,
			ResponseMessage: at.ResponseMessage,
			CreatedAt:       at.CreatedAt,
		})
	}
	return out, nil
}

func (a *ChangeStoreAdapter) Stats(ctx context.Context) (*types.Stats, error) {
	s, err := a.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &types.Stats{
		Processed:   s.Processed,
		Delivering:  s.Delivering,
		Pending:     s.Pending,
		Unprocessed: s.Unprocessed,
	}, nil
}

func mapEntries(entries []*clmodels.Entry) []*types.ChangeEntry {
	out := make([]*types.ChangeEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, mapEntry(e))
	}
	return out
}

func mapEntry(e *clmodels.Entry) *types.ChangeEntry {
	return &types.ChangeEntry{
		ID:          e.ID,
		RecordID:    e.RecordID,
		Status:      string(e.Status),
		Categories:  e.Payload.Categories(),
		Changes:     e.Payload.Changes,
		ClaimedBy:   e.ClaimedBy,
		ClaimedAt:   e.ClaimedAt,
		CreatedAt:   e.CreatedAt,
		ProcessedAt: e.ProcessedAt,
	}
}
