package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/xuri/excelize/v2"

	"changehub/internal/admin/adapters"
	"changehub/internal/admin/service"
	clmodels "changehub/internal/changelog/models"
	clstore "changehub/internal/changelog/store"
	recordmodels "changehub/internal/record/models"
	recordstore "changehub/internal/record/store"
	dErrors "changehub/pkg/domain-errors"
	"changehub/pkg/platform/sentinel"
)

type AdminServiceSuite struct {
	suite.Suite
	ctx     context.Context
	changes *clstore.InMemory
	records *recordstore.InMemory
	service *service.Service
	now     time.Time
}

func TestAdminServiceSuite(t *testing.T) {
	suite.Run(t, new(AdminServiceSuite))
}

func (s *AdminServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.changes = clstore.NewInMemory()
	s.records = recordstore.NewInMemory()
	s.service = service.New(
		adapters.NewChangeStoreAdapter(s.changes),
		s.records,
		service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func (s *AdminServiceSuite) createRecord(identity string) int64 {
	id, err := s.records.Create(s.ctx, &recordmodels.Record{
		Sections:  recordmodels.Sections{recordmodels.SectionIdentity: json.RawMessage(identity)},
		CreatedAt: s.now,
		UpdatedAt: s.now,
	})
	s.Require().NoError(err)
	return id
}

func (s *AdminServiceSuite) appendChange(recordID int64, sections ...recordmodels.Section) int64 {
	changes := make([]recordmodels.Change, 0, len(sections))
	for _, sec := range sections {
		changes = append(changes, recordmodels.Change{Section: sec, Value: json.RawMessage(`{"v":1}`)})
	}
	id, err := s.changes.Append(s.ctx, clmodels.NewEntry(recordID, changes, s.now))
	s.Require().NoError(err)
	return id
}

// =============================================================================
// Unprocessed report
// =============================================================================

func (s *AdminServiceSuite) TestUnprocessedCarriesDisplayNames() {
	ada := s.createRecord(`{"first_name":"Ada","last_name":"Lovelace"}`)
	grace := s.createRecord(`{"email":"grace@example.com"}`)
	s.appendChange(ada, recordmodels.SectionIdentity, recordmodels.SectionStatus)
	s.appendChange(grace, recordmodels.SectionAccess)
	s.appendChange(ada, recordmodels.SectionStatus)

	entries, err := s.service.Unprocessed(s.ctx, 0)
	s.Require().NoError(err)
	s.Require().Len(entries, 3)
	s.Equal("Ada Lovelace", entries[0].DisplayName)
	s.Equal([]string{"identity", "status"}, entries[0].Categories)
	s.Equal("grace@example.com", entries[1].DisplayName)
	s.Equal("pending", entries[1].Status)
}

func (s *AdminServiceSuite) TestUnprocessedExcludesProcessed() {
	rec := s.createRecord(`{"first_name":"Ada"}`)
	first := s.appendChange(rec, recordmodels.SectionStatus)
	s.appendChange(rec, recordmodels.SectionAccess)

	claimed, err := s.changes.Claim(s.ctx, clmodels.ClaimRequest{Claimer: "d1", Limit: 10, Now: s.now})
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)
	s.Require().NoError(s.changes.MarkProcessed(s.ctx, first, "d1", s.now))

	entries, err := s.service.Unprocessed(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal([]string{"access"}, entries[0].Categories)

	stats, err := s.service.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), stats.Processed)
	s.Equal(int64(1), stats.Unprocessed)
}

func (s *AdminServiceSuite) TestUnprocessedNameLookupFailure() {
	svc := service.New(adapters.NewChangeStoreAdapter(s.changes), failingDirectory{})
	s.appendChange(s.createRecord(`{}`), recordmodels.SectionStatus)

	_, err := svc.Unprocessed(s.ctx, 10)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

// =============================================================================
// Failed deliveries
// =============================================================================

func (s *AdminServiceSuite) attempt(changeID int64, serviceName string, n int, success bool, code int, msg string) {
	s.Require().NoError(s.changes.AppendAttempt(s.ctx, &clmodels.Attempt{
		ChangeID: changeID, ServiceName: serviceName, Endpoint: "https://" + serviceName + ".local",
		Attempt: n, Success: success, ResponseCode: code, ResponseMessage: msg, CreatedAt: s.now,
	}))
}

func (s *AdminServiceSuite) processAll() {
	claimed, err := s.changes.Claim(s.ctx, clmodels.ClaimRequest{Claimer: "d1", Limit: 100, Now: s.now})
	s.Require().NoError(err)
	for _, e := range claimed {
		s.Require().NoError(s.changes.MarkProcessed(s.ctx, e.ID, "d1", s.now))
	}
}

func (s *AdminServiceSuite) TestFailedKeepsLatestFailingAttemptPerService() {
	ada := s.createRecord(`{"first_name":"Ada"}`)
	grace := s.createRecord(`{"email":"grace@example.com"}`)
	recovered := s.appendChange(ada, recordmodels.SectionStatus)
	partial := s.appendChange(grace, recordmodels.SectionStatus, recordmodels.SectionIdentity)

	s.attempt(recovered, "status", 1, false, 503, "unavailable")
	s.attempt(recovered, "status", 2, true, 200, "ok")
	s.attempt(partial, "status", 1, false, 503, "unavailable")
	s.attempt(partial, "identity", 1, true, 200, "ok")
	s.attempt(partial, "status", 2, false, 500, "boom")
	s.processAll()

	failed, err := s.service.Failed(s.ctx, 0)
	s.Require().NoError(err)
	s.Require().Len(failed, 1)
	s.Equal(partial, failed[0].ID)
	s.Equal("grace@example.com", failed[0].DisplayName)
	s.Equal("processed", failed[0].Status)
	s.Require().Len(failed[0].Failures, 1)
	s.Equal(2, failed[0].Failures[0].Attempt)
	s.Equal("boom", failed[0].Failures[0].ResponseMessage)
}

func (s *AdminServiceSuite) TestFailedHonoursLimit() {
	rec := s.createRecord(`{"first_name":"Ada"}`)
	for range 3 {
		id := s.appendChange(rec, recordmodels.SectionStatus)
		s.attempt(id, "status", 1, false, 502, "bad gateway")
	}

	failed, err := s.service.Failed(s.ctx, 2)
	s.Require().NoError(err)
	s.Len(failed, 2)
	s.Equal(int64(1), failed[0].ID)
}

// =============================================================================
// Entry and attempts
// =============================================================================

func (s *AdminServiceSuite) TestEntryNotFound() {
	_, err := s.service.Entry(s.ctx, 404)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.service.Attempts(s.ctx, 404)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *AdminServiceSuite) TestAttemptsInInsertionOrder() {
	rec := s.createRecord(`{"first_name":"Ada"}`)
	id := s.appendChange(rec, recordmodels.SectionStatus)
	s.Require().NoError(s.changes.AppendAttempt(s.ctx, &clmodels.Attempt{
		ChangeID: id, ServiceName: "status", Endpoint: "https://status.local", Attempt: 1,
		ResponseCode: 503, ResponseMessage: "unavailable", CreatedAt: s.now,
	}))
	s.Require().NoError(s.changes.AppendAttempt(s.ctx, &clmodels.Attempt{
		ChangeID: id, ServiceName: "status", Endpoint: "https://status.local", Attempt: 2,
		Success: true, ResponseCode: 200, ResponseMessage: "ok", CreatedAt: s.now.Add(time.Second),
	}))

	attempts, err := s.service.Attempts(s.ctx, id)
	s.Require().NoError(err)
	s.Require().Len(attempts, 2)
	s.Equal(503, attempts[0].ResponseCode)
	s.True(attempts[1].Success)

	entry, err := s.service.Entry(s.ctx, id)
	s.Require().NoError(err)
	s.Equal("Ada", entry.DisplayName)
}

// =============================================================================
// Export
// =============================================================================

func (s *AdminServiceSuite) TestExportUnprocessed() {
	ada := s.createRecord(`{"first_name":"Ada","last_name":"Lovelace"}`)
	id := s.appendChange(ada, recordmodels.SectionIdentity, recordmodels.SectionAuthorizations)

	var buf bytes.Buffer
	s.Require().NoError(s.service.ExportUnprocessed(s.ctx, &buf, 0))

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	s.Require().NoError(err)
	defer func() { _ = f.Close() }()

	s.Equal([]string{"Unprocessed", "Failed"}, f.GetSheetList())
	rows, err := f.GetRows("Unprocessed")
	s.Require().NoError(err)
	s.Require().Len(rows, 2)
	s.Equal("Change ID", rows[0][0])
	s.Equal("Created At", rows[0][6])
	s.Equal([]string{
		"1", "1", "Ada Lovelace", "identity, authorizations", "pending", "", "2026-03-01T09:00:00Z",
	}, padRow(rows[1], 7))
	s.Equal(int64(1), id)
}

func (s *AdminServiceSuite) TestExportEmptyQueueWritesHeaderOnly() {
	var buf bytes.Buffer
	s.Require().NoError(s.service.ExportUnprocessed(s.ctx, &buf, 0))

	f, err := excelize.OpenReader(&buf)
	s.Require().NoError(err)
	defer func() { _ = f.Close() }()
	rows, err := f.GetRows("Unprocessed")
	s.Require().NoError(err)
	s.Len(rows, 1)
	rows, err = f.GetRows("Failed")
	s.Require().NoError(err)
	s.Len(rows, 1)
}

func (s *AdminServiceSuite) TestExportListsFailedDeliveries() {
	ada := s.createRecord(`{"first_name":"Ada","last_name":"Lovelace"}`)
	id := s.appendChange(ada, recordmodels.SectionStatus)
	s.attempt(id, "status", 1, false, 502, "bad gateway")
	s.processAll()

	var buf bytes.Buffer
	s.Require().NoError(s.service.ExportUnprocessed(s.ctx, &buf, 0))

	f, err := excelize.OpenReader(&buf)
	s.Require().NoError(err)
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows("Unprocessed")
	s.Require().NoError(err)
	s.Len(rows, 1, "the entry is processed")

	rows, err = f.GetRows("Failed")
	s.Require().NoError(err)
	s.Require().Len(rows, 2)
	s.Equal("Response Message", rows[0][7])
	s.Equal([]string{
		"1", "1", "Ada Lovelace", "status", "https://status.local", "1", "502", "bad gateway", "2026-03-01T09:00:00Z",
	}, padRow(rows[1], 9))
}

// GetRows drops trailing empty cells.
func padRow(row []string, n int) []string {
	for len(row) < n {
		row = append(row, "")
	}
	return row
}

type failingDirectory struct{}

func (failingDirectory) DisplayNames(context.Context, []int64) (map[int64]string, error) {
	return nil, errors.New("connection reset")
}
