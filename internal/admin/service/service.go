// Package service implements the operator views over the change log: queue
// counts, the triage report of unprocessed entries and delivery history.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"changehub/internal/admin/types"
	dErrors "changehub/pkg/domain-errors"
	"changehub/pkg/platform/sentinel"
)

// ChangeStore is the admin read model of the change log.
type ChangeStore interface {
	FindByID(ctx context.Context, id int64) (*types.ChangeEntry, error)
	ListUnprocessed(ctx context.Context, limit int) ([]*types.ChangeEntry, error)
	ListFailed(ctx context.Context, limit int) ([]*types.ChangeEntry, error)
	ListAttempts(ctx context.Context, changeID int64) ([]*types.Attempt, error)
	Stats(ctx context.Context) (*types.Stats, error)
}

// RecordDirectory resolves record ids to display names.
type RecordDirectory interface {
	DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error)
}

const (
	defaultUnprocessedLimit = 100
	maxUnprocessedLimit     = 1000
	unprocessedSheet        = "Unprocessed"
	failedSheet             = "Failed"
)

type Service struct {
	changes ChangeStore
	records RecordDirectory
	logger  *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func New(changes ChangeStore, records RecordDirectory, opts ...Option) *Service {
	s := &Service{changes: changes, records: records, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stats returns the queue counts.
func (s *Service) Stats(ctx context.Context) (*types.Stats, error) {
	stats, err := s.changes.Stats(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load change stats")
	}
	return stats, nil
}

// Unprocessed lists entries not yet processed, oldest first, with the display
// name of each record. A non-positive limit uses the default.
func (s *Service) Unprocessed(ctx context.Context, limit int) ([]*types.ChangeEntry, error) {
	entries, err := s.changes.ListUnprocessed(ctx, clampLimit(limit))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list unprocessed changes")
	}
	if err := s.attachNames(ctx, entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Failed lists entries whose latest attempt for some service failed, oldest
// first, each with those failing attempts. Processed entries are included.
func (s *Service) Failed(ctx context.Context, limit int) ([]*types.FailedEntry, error) {
	entries, err := s.changes.ListFailed(ctx, clampLimit(limit))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list failed changes")
	}
	if err := s.attachNames(ctx, entries); err != nil {
		return nil, err
	}
	out := make([]*types.FailedEntry, 0, len(entries))
	for _, e := range entries {
		attempts, err := s.changes.ListAttempts(ctx, e.ID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list attempts")
		}
		out = append(out, &types.FailedEntry{ChangeEntry: e, Failures: latestFailures(attempts)})
	}
	return out, nil
}

// Entry returns one change entry.
func (s *Service) Entry(ctx context.Context, id int64) (*types.ChangeEntry, error) {
	entry, err := s.changes.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "change not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load change")
	}
	if err := s.attachNames(ctx, []*types.ChangeEntry{entry}); err != nil {
		return nil, err
	}
	return entry, nil
}

// Attempts returns the delivery history of one entry in insertion order.
func (s *Service) Attempts(ctx context.Context, changeID int64) ([]*types.Attempt, error) {
	if _, err := s.changes.FindByID(ctx, changeID); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "change not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load change")
	}
	attempts, err := s.changes.ListAttempts(ctx, changeID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list attempts")
	}
	return attempts, nil
}

// ExportUnprocessed writes the triage report as an xlsx workbook: one sheet of
// unprocessed entries and one of entries with a failed delivery.
func (s *Service) ExportUnprocessed(ctx context.Context, w io.Writer, limit int) error {
	entries, err := s.Unprocessed(ctx, limit)
	if err != nil {
		return err
	}
	failed, err := s.Failed(ctx, limit)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", unprocessedSheet); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to prepare workbook")
	}
	if _, err := f.NewSheet(failedSheet); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to prepare workbook")
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to prepare workbook")
	}

	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{
			e.ID,
			e.RecordID,
			e.DisplayName,
			strings.Join(e.Categories, ", "),
			e.Status,
			e.ClaimedBy,
			e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	header := []any{"Change ID", "Record ID", "Name", "Categories", "Status", "Claimed By", "Created At"}
	if err := writeSheet(f, unprocessedSheet, bold, header, rows); err != nil {
		return err
	}
	_ = f.SetColWidth(unprocessedSheet, "C", "D", 28)

	rows = rows[:0]
	for _, e := range failed {
		for _, a := range e.Failures {
			rows = append(rows, []any{
				e.ID,
				e.RecordID,
				e.DisplayName,
				a.ServiceName,
				a.Endpoint,
				a.Attempt,
				a.ResponseCode,
				a.ResponseMessage,
				a.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
	}
	header = []any{"Change ID", "Record ID", "Name", "Service", "Endpoint", "Attempt", "Response Code", "Response Message", "Attempted At"}
	if err := writeSheet(f, failedSheet, bold, header, rows); err != nil {
		return err
	}
	_ = f.SetColWidth(failedSheet, "C", "E", 28)
	_ = f.SetColWidth(failedSheet, "H", "H", 48)

	if err := f.Write(w); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to write workbook")
	}
	s.logger.InfoContext(ctx, "exported change report", "unprocessed", len(entries), "failed", len(failed))
	return nil
}

func writeSheet(f *excelize.File, sheet string, headerStyle int, header []any, rows [][]any) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to write header")
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to address header")
	}
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to prepare workbook")
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to address row")
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, fmt.Sprintf("failed to write %s row %d", sheet, i+2))
		}
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultUnprocessedLimit
	}
	return min(limit, maxUnprocessedLimit)
}

// latestFailures keeps the last attempt of each service when it failed, in
// log order.
func latestFailures(attempts []*types.Attempt) []*types.Attempt {
	last := make(map[string]*types.Attempt, len(attempts))
	for _, a := range attempts {
		last[a.ServiceName] = a
	}
	var out []*types.Attempt
	for _, a := range attempts {
		if latest := last[a.ServiceName]; latest == a && !a.Success {
			out = append(out, a)
		}
	}
	return out
}

func (s *Service) attachNames(ctx context.Context, entries []*types.ChangeEntry) error {
	if len(entries) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(entries))
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.RecordID]; ok {
			continue
		}
		seen[e.RecordID] = struct{}{}
		ids = append(ids, e.RecordID)
	}
	names, err := s.records.DisplayNames(ctx, ids)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve record names")
	}
	for _, e := range entries {
		e.DisplayName = names[e.RecordID]
	}
	return nil
}
