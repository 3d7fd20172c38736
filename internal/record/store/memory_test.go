package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"changehub/internal/record/models"
	"changehub/pkg/platform/sentinel"
	"changehub/pkg/platform/tx"
)

type RecordStoreSuite struct {
	suite.Suite
	store *InMemory
	ctx   context.Context
}

func (s *RecordStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
}

func TestRecordStoreSuite(t *testing.T) {
	suite.Run(t, new(RecordStoreSuite))
}

func (s *RecordStoreSuite) newRecord(identity string) *models.Record {
	now := time.Now()
	return &models.Record{
		Sections:  models.Sections{models.SectionIdentity: json.RawMessage(identity)},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *RecordStoreSuite) TestCreateAssignsSequentialIDs() {
	first, err := s.store.Create(s.ctx, s.newRecord(`{"first_name":"Ada"}`))
	s.Require().NoError(err)
	second, err := s.store.Create(s.ctx, s.newRecord(`{"first_name":"Grace"}`))
	s.Require().NoError(err)

	s.Equal(int64(1), first)
	s.Equal(int64(2), second)

	found, err := s.store.FindByID(s.ctx, second)
	s.Require().NoError(err)
	s.Equal("Grace", found.DisplayName())
}

func (s *RecordStoreSuite) TestReturnedRecordsAreCopies() {
	id, err := s.store.Create(s.ctx, s.newRecord(`{"first_name":"Ada"}`))
	s.Require().NoError(err)

	found, err := s.store.FindByID(s.ctx, id)
	s.Require().NoError(err)
	found.Sections[models.SectionStatus] = json.RawMessage(`{"level":"tampered"}`)

	again, err := s.store.FindByID(s.ctx, id)
	s.Require().NoError(err)
	s.NotContains(again.Sections, models.SectionStatus)
}

func (s *RecordStoreSuite) TestVersions() {
	id, err := s.store.Create(s.ctx, s.newRecord(`{}`))
	s.Require().NoError(err)

	s.Run("latest on empty chain is not found", func() {
		_, err := s.store.LatestVersion(s.ctx, id)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("append and list in order", func() {
		s.Require().NoError(s.store.AppendVersion(s.ctx, &models.Version{RecordID: id, Number: 1, Hash: "a"}))
		s.Require().NoError(s.store.AppendVersion(s.ctx, &models.Version{RecordID: id, Number: 2, Hash: "b"}))

		latest, err := s.store.LatestVersion(s.ctx, id)
		s.Require().NoError(err)
		s.Equal(2, latest.Number)

		versions, err := s.store.ListVersions(s.ctx, id)
		s.Require().NoError(err)
		s.Require().Len(versions, 2)
		s.Equal("a", versions[0].Hash)
	})

	s.Run("duplicate number conflicts", func() {
		err := s.store.AppendVersion(s.ctx, &models.Version{RecordID: id, Number: 2, Hash: "c"})
		s.ErrorIs(err, sentinel.ErrConflict)
	})
}

func (s *RecordStoreSuite) TestRollbackUndoesMutations() {
	id, err := s.store.Create(s.ctx, s.newRecord(`{"first_name":"Ada"}`))
	s.Require().NoError(err)
	s.Require().NoError(s.store.AppendVersion(s.ctx, &models.Version{RecordID: id, Number: 1}))

	runner := tx.NewMemoryRunner()
	err = runner.RunInTx(s.ctx, func(ctx context.Context) error {
		rec, err := s.store.FindForUpdate(ctx, id)
		s.Require().NoError(err)
		rec.Sections[models.SectionIdentity] = json.RawMessage(`{"first_name":"Changed"}`)
		s.Require().NoError(s.store.Update(ctx, rec))
		s.Require().NoError(s.store.AppendVersion(ctx, &models.Version{RecordID: id, Number: 2}))
		_, err = s.store.Create(ctx, s.newRecord(`{"first_name":"Ghost"}`))
		s.Require().NoError(err)
		return errors.New("abort")
	})
	s.Require().Error(err)

	rec, err := s.store.FindByID(s.ctx, id)
	s.Require().NoError(err)
	s.Equal("Ada", rec.DisplayName())
	versions, err := s.store.ListVersions(s.ctx, id)
	s.Require().NoError(err)
	s.Len(versions, 1)
	found, err := s.store.Search(s.ctx, "ghost", 10)
	s.Require().NoError(err)
	s.Empty(found)
}

func (s *RecordStoreSuite) TestDeleteRemovesVersions() {
	id, err := s.store.Create(s.ctx, s.newRecord(`{}`))
	s.Require().NoError(err)
	s.Require().NoError(s.store.AppendVersion(s.ctx, &models.Version{RecordID: id, Number: 1}))

	s.Require().NoError(s.store.Delete(s.ctx, id))

	_, err = s.store.FindByID(s.ctx, id)
	s.ErrorIs(err, sentinel.ErrNotFound)
	versions, err := s.store.ListVersions(s.ctx, id)
	s.Require().NoError(err)
	s.Empty(versions)
	s.ErrorIs(s.store.Delete(s.ctx, id), sentinel.ErrNotFound)
}

func (s *RecordStoreSuite) TestDisplayNames() {
	ada, err := s.store.Create(s.ctx, s.newRecord(`{"first_name":"Ada","last_name":"Lovelace"}`))
	s.Require().NoError(err)
	anon, err := s.store.Create(s.ctx, s.newRecord(`{}`))
	s.Require().NoError(err)

	names, err := s.store.DisplayNames(s.ctx, []int64{ada, anon, 404})
	s.Require().NoError(err)
	s.Equal("Ada Lovelace", names[ada])
	s.Equal("record #2", names[anon])
	s.NotContains(names, int64(404))
}
