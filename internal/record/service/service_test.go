package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	clmodels "changehub/internal/changelog/models"
	clstore "changehub/internal/changelog/store"
	"changehub/internal/record/metrics"
	"changehub/internal/record/models"
	recordstore "changehub/internal/record/store"
	dErrors "changehub/pkg/domain-errors"
	"changehub/pkg/platform/tx"
	"changehub/pkg/requestcontext"
)

type recordingPublisher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (p *recordingPublisher) Publish(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
	return p.err
}

// failingChangeLog lets the record and version writes succeed and then fails
// the change log append, to prove the unit of work rolls back as a whole.
type failingChangeLog struct {
	*clstore.InMemory
}

func (f failingChangeLog) Append(context.Context, *clmodels.Entry) (int64, error) {
	return 0, errors.New("change log unavailable")
}

type ServiceSuite struct {
	suite.Suite
	records   *recordstore.InMemory
	changes   *clstore.InMemory
	publisher *recordingPublisher
	service   *Service
	ctx       context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.records = recordstore.NewInMemory()
	s.changes = clstore.NewInMemory()
	s.publisher = &recordingPublisher{}
	s.service = New(s.records, s.changes, tx.NewMemoryRunner(),
		WithPublisher(s.publisher),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
	)
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
}

func sections(kv ...string) models.Sections {
	out := models.Sections{}
	for i := 0; i+1 < len(kv); i += 2 {
		out[models.Section(kv[i])] = json.RawMessage(kv[i+1])
	}
	return out
}

func (s *ServiceSuite) create(kv ...string) *WriteResult {
	res, err := s.service.Write(s.ctx, WriteRequest{Sections: sections(kv...)})
	s.Require().NoError(err)
	return res
}

// =============================================================================
// Write path
// =============================================================================

func (s *ServiceSuite) TestCreateEmitsStatusChange() {
	res := s.create("status", `{"level":"new"}`)

	s.Equal(int64(1), res.RecordID)
	s.Equal(1, res.Version)
	s.Len(res.Hash, 64)
	s.Require().NotZero(res.ChangeID)
	s.Equal([]models.Section{models.SectionStatus}, res.Changed)

	entry, err := s.changes.FindByID(s.ctx, res.ChangeID)
	s.Require().NoError(err)
	s.Equal(clmodels.StatusPending, entry.Status)
	s.False(entry.Processed)
	s.Equal([]string{"status"}, entry.Payload.Categories())
	s.Equal(int64(1), entry.Payload.RecordID)

	s.Equal([]string{"1"}, s.publisher.ids)
}

func (s *ServiceSuite) TestUpdateNamesOnlyChangedSection() {
	created := s.create(
		"identity", `{"first_name":"Ada","nickname":"a"}`,
		"status", `{"level":"new"}`,
	)

	res, err := s.service.Write(s.ctx, WriteRequest{
		RecordID: created.RecordID,
		Sections: sections("identity", `{"first_name":"Ada","nickname":"countess"}`),
	})
	s.Require().NoError(err)
	s.Equal(2, res.Version)
	s.Equal([]models.Section{models.SectionIdentity}, res.Changed)

	entry, err := s.changes.FindByID(s.ctx, res.ChangeID)
	s.Require().NoError(err)
	s.Equal([]string{"identity"}, entry.Payload.Categories())

	rec, err := s.service.Get(s.ctx, created.RecordID)
	s.Require().NoError(err)
	s.Contains(rec.Sections, models.SectionStatus, "omitted sections are left unchanged")
}

func (s *ServiceSuite) TestNoOpWriteEmitsNothing() {
	created := s.create("status", `{"level":"new"}`)

	s.Run("structurally equal monitored section", func() {
		res, err := s.service.Write(s.ctx, WriteRequest{
			RecordID: created.RecordID,
			Sections: sections("status", `{ "level" : "new" }`),
		})
		s.Require().NoError(err)
		s.Zero(res.ChangeID)
		s.Equal(2, res.Version, "every write still produces a version")
	})

	s.Run("unmonitored section only", func() {
		res, err := s.service.Write(s.ctx, WriteRequest{
			RecordID: created.RecordID,
			Sections: sections("notes", `{"text":"called back"}`),
		})
		s.Require().NoError(err)
		s.Zero(res.ChangeID)
	})

	stats, err := s.changes.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), stats.Pending)
	s.Len(s.publisher.ids, 1)
}

func (s *ServiceSuite) TestVersionChainIsGaplessAndReproducible() {
	created := s.create("status", `{"level":"new"}`)
	for _, level := range []string{"active", "paused", "active", "alumni"} {
		_, err := s.service.Write(s.ctx, WriteRequest{
			RecordID: created.RecordID,
			Sections: sections("status", `{"level":"`+level+`"}`),
		})
		s.Require().NoError(err)
	}

	versions, err := s.service.History(s.ctx, created.RecordID)
	s.Require().NoError(err)
	s.Require().Len(versions, 5)
	for i, v := range versions {
		s.Equal(i+1, v.Number)
	}

	report, err := s.service.VerifyChain(s.ctx, created.RecordID)
	s.Require().NoError(err)
	s.True(report.Valid)
	s.Equal(5, report.Versions)
}

func (s *ServiceSuite) TestWriteStoresCanonicalNumbers() {
	created := s.create("status", `{"credits": 1e2, "ratio": 1.50}`)

	got, err := s.service.GetSection(s.ctx, created.RecordID, models.SectionStatus)
	s.Require().NoError(err)
	s.Equal(`{"credits":100,"ratio":1.5}`, string(got))

	// Same values spelled differently are not a change.
	res, err := s.service.Write(s.ctx, WriteRequest{
		RecordID: created.RecordID,
		Sections: sections("status", `{"ratio": 15e-1, "credits": 100.0}`),
	})
	s.Require().NoError(err)
	s.Zero(res.ChangeID)

	report, err := s.service.VerifyChain(s.ctx, created.RecordID)
	s.Require().NoError(err)
	s.True(report.Valid)
}

func (s *ServiceSuite) TestNullClearsSection() {
	created := s.create("status", `{"level":"new"}`, "access", `{"door":true}`)

	res, err := s.service.Write(s.ctx, WriteRequest{
		RecordID: created.RecordID,
		Sections: sections("access", `null`),
	})
	s.Require().NoError(err)
	s.Equal([]models.Section{models.SectionAccess}, res.Changed)

	_, err = s.service.GetSection(s.ctx, created.RecordID, models.SectionAccess)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestWriteSection() {
	created := s.create("identity", `{"first_name":"Ada"}`)

	res, err := s.service.WriteSection(s.ctx, created.RecordID, models.SectionAuthorizations, []byte(`{"laser":true}`))
	s.Require().NoError(err)
	s.Equal([]models.Section{models.SectionAuthorizations}, res.Changed)

	raw, err := s.service.GetSection(s.ctx, created.RecordID, models.SectionAuthorizations)
	s.Require().NoError(err)
	s.JSONEq(`{"laser":true}`, string(raw))

	_, err = s.service.WriteSection(s.ctx, 0, models.SectionStatus, []byte(`{}`))
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

// =============================================================================
// Errors
// =============================================================================

func (s *ServiceSuite) TestValidation() {
	tests := []struct {
		name string
		req  WriteRequest
	}{
		{name: "empty sections", req: WriteRequest{Sections: models.Sections{}}},
		{name: "unknown section", req: WriteRequest{Sections: sections("payroll", `{}`)}},
		{name: "non-object section", req: WriteRequest{Sections: sections("status", `["new"]`)}},
		{name: "invalid json", req: WriteRequest{Sections: sections("status", `{"level":`)}},
		{name: "negative id", req: WriteRequest{RecordID: -1, Sections: sections("status", `{}`)}},
		{name: "NUL in a string", req: WriteRequest{Sections: sections("status", `{"level":"a\u0000b"}`)}},
		{name: "number out of range", req: WriteRequest{Sections: sections("status", `{"credits":1e999999}`)}},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.service.Write(s.ctx, tt.req)
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation), err.Error())
		})
	}

	stats, err := s.changes.Stats(s.ctx)
	s.Require().NoError(err)
	s.Zero(stats.Pending, "rejected writes touch no state")
}

func (s *ServiceSuite) TestUpdateMissingRecordIsNotFound() {
	_, err := s.service.Write(s.ctx, WriteRequest{RecordID: 99, Sections: sections("status", `{}`)})
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestChangeLogFailureRollsBackWrite() {
	created := s.create("status", `{"level":"new"}`)

	svc := New(s.records, failingChangeLog{s.changes}, tx.NewMemoryRunner(), WithPublisher(s.publisher))
	_, err := svc.Write(s.ctx, WriteRequest{
		RecordID: created.RecordID,
		Sections: sections("status", `{"level":"active"}`),
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))

	rec, err := s.service.Get(s.ctx, created.RecordID)
	s.Require().NoError(err)
	s.JSONEq(`{"level":"new"}`, string(rec.Sections[models.SectionStatus]))

	versions, err := s.service.History(s.ctx, created.RecordID)
	s.Require().NoError(err)
	s.Len(versions, 1, "the version append must be undone with the record")
	s.Len(s.publisher.ids, 1, "no signal for a rolled back write")
}

func (s *ServiceSuite) TestChangeLogFailureRollsBackCreate() {
	svc := New(s.records, failingChangeLog{s.changes}, tx.NewMemoryRunner())
	_, err := svc.Write(s.ctx, WriteRequest{Sections: sections("status", `{"level":"new"}`)})
	s.Require().Error(err)

	recs, err := s.records.Search(s.ctx, "record", 10)
	s.Require().NoError(err)
	s.Empty(recs)
}

func (s *ServiceSuite) TestPublishFailureDoesNotFailWrite() {
	s.publisher.err = errors.New("listener down")
	res := s.create("status", `{"level":"new"}`)
	s.NotZero(res.ChangeID)
}

// =============================================================================
// Delete and search
// =============================================================================

func (s *ServiceSuite) TestDeleteCascades() {
	created := s.create("status", `{"level":"new"}`)
	_, err := s.service.Write(s.ctx, WriteRequest{RecordID: created.RecordID, Sections: sections("status", `{"level":"active"}`)})
	s.Require().NoError(err)
	s.Require().NoError(s.changes.AppendAttempt(s.ctx, &clmodels.Attempt{ChangeID: created.ChangeID, ServiceName: "status"}))

	s.Require().NoError(s.service.Delete(s.ctx, created.RecordID))

	_, err = s.service.Get(s.ctx, created.RecordID)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	versions, err := s.records.ListVersions(s.ctx, created.RecordID)
	s.Require().NoError(err)
	s.Empty(versions)
	stats, err := s.changes.Stats(s.ctx)
	s.Require().NoError(err)
	s.Zero(stats.Pending + stats.Delivering + stats.Processed)
	attempts, err := s.changes.ListAttempts(s.ctx, created.ChangeID)
	s.Require().NoError(err)
	s.Empty(attempts)

	s.True(dErrors.HasCode(s.service.Delete(s.ctx, created.RecordID), dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestSearch() {
	s.create("identity", `{"first_name":"Ada","last_name":"Lovelace","email":"ada@example.org"}`)
	s.create("identity", `{"first_name":"Grace","last_name":"Hopper","email":"grace@example.org"}`)

	recs, err := s.service.Search(s.ctx, "love", 0)
	s.Require().NoError(err)
	s.Require().Len(recs, 1)
	s.Equal("Ada Lovelace", recs[0].DisplayName())

	recs, err = s.service.Search(s.ctx, "example.org", 0)
	s.Require().NoError(err)
	s.Len(recs, 2)

	_, err = s.service.Search(s.ctx, "a", 0)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}
