package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	clmodels "changehub/internal/changelog/models"
	"changehub/internal/record/metrics"
	"changehub/internal/record/models"
	dErrors "changehub/pkg/domain-errors"
	"changehub/pkg/platform/sentinel"
	"changehub/pkg/requestcontext"
)

// Store persists records and their version chains.
type Store interface {
	Create(ctx context.Context, rec *models.Record) (int64, error)
	FindByID(ctx context.Context, id int64) (*models.Record, error)
	FindForUpdate(ctx context.Context, id int64) (*models.Record, error)
	Update(ctx context.Context, rec *models.Record) error
	Delete(ctx context.Context, id int64) error
	Search(ctx context.Context, query string, limit int) ([]*models.Record, error)
	LatestVersion(ctx context.Context, recordID int64) (*models.Version, error)
	AppendVersion(ctx context.Context, v *models.Version) error
	ListVersions(ctx context.Context, recordID int64) ([]*models.Version, error)
}

// ChangeLog is the write side of the change log.
type ChangeLog interface {
	Append(ctx context.Context, entry *clmodels.Entry) (int64, error)
	DeleteForRecord(ctx context.Context, recordID int64) error
}

// TxRunner executes fn as one atomic unit of work. Stores called with the
// context passed to fn take part in it.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Publisher sends the best-effort wake-up signal for a committed change entry.
type Publisher interface {
	Publish(ctx context.Context, entryID string) error
}

// Service is the versioned record store: every write updates the record,
// appends a chained-hash version and, when a monitored section changed,
// appends a change log entry, all in one transaction.
type Service struct {
	records   Store
	changes   ChangeLog
	tx        TxRunner
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// New constructs a Service.
func New(records Store, changes ChangeLog, tx TxRunner, opts ...Option) *Service {
	s := &Service{records: records, changes: changes, tx: tx}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// WriteRequest replaces the supplied sections of a record. A zero RecordID
// creates a new record.
type WriteRequest struct {
	RecordID int64
	Sections models.Sections
}

// WriteResult describes the version produced by a write. ChangeID is zero
// when no monitored section changed.
type WriteResult struct {
	RecordID int64            `json:"record_id"`
	Version  int              `json:"version"`
	Hash     string           `json:"hash"`
	ChangeID int64            `json:"change_id,omitempty"`
	Changed  []models.Section `json:"changed,omitempty"`
}

// Write validates and stores a full new state of a record.
func (s *Service) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	start := time.Now()
	kind := "update"
	if req.RecordID == 0 {
		kind = "create"
	}

	sections, err := validateWrite(req)
	if err != nil {
		s.observeWrite(kind, "invalid", start)
		return nil, err
	}
	req.Sections = sections

	now := requestcontext.Now(ctx)
	var result *WriteResult
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.writeInTx(ctx, req, now)
		return err
	})
	if err != nil {
		s.observeWrite(kind, "error", start)
		return nil, err
	}
	s.observeWrite(kind, "ok", start)

	if s.metrics != nil {
		for _, section := range result.Changed {
			s.metrics.IncrementChange(string(section))
		}
	}
	if result.ChangeID != 0 {
		s.publish(ctx, result.ChangeID)
	}
	return result, nil
}

func (s *Service) writeInTx(ctx context.Context, req WriteRequest, now time.Time) (*WriteResult, error) {
	var (
		previous models.Sections
		rec      *models.Record
	)
	if req.RecordID != 0 {
		current, err := s.records.FindForUpdate(ctx, req.RecordID)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("record %d not found", req.RecordID))
		}
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load record")
		}
		previous = current.Sections
		rec = current
		rec.Sections = current.Sections.Merge(req.Sections)
		rec.UpdatedAt = now
	} else {
		rec = &models.Record{
			Sections:  models.Sections{}.Merge(req.Sections),
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	changes, err := models.Diff(previous, rec.Sections)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to diff record sections")
	}

	if req.RecordID == 0 {
		id, err := s.records.Create(ctx, rec)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create record")
		}
		rec.ID = id
	} else if err := s.records.Update(ctx, rec); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update record")
	}

	version, err := s.appendVersion(ctx, rec, now)
	if err != nil {
		return nil, err
	}

	result := &WriteResult{RecordID: rec.ID, Version: version.Number, Hash: version.Hash}
	if len(changes) == 0 {
		return result, nil
	}

	changeID, err := s.changes.Append(ctx, clmodels.NewEntry(rec.ID, changes, now))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to append change entry")
	}
	result.ChangeID = changeID
	for _, c := range changes {
		result.Changed = append(result.Changed, c.Section)
	}
	return result, nil
}

// appendVersion numbers the new version max+1 for this record and chains its
// hash to the predecessor.
func (s *Service) appendVersion(ctx context.Context, rec *models.Record, now time.Time) (*models.Version, error) {
	prev, err := s.records.LatestVersion(ctx, rec.ID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load latest version")
	}
	number := 1
	if prev != nil {
		number = prev.Number + 1
	}

	v := &models.Version{
		RecordID:  rec.ID,
		Number:    number,
		Snapshot:  rec.Sections.Clone(),
		CreatedAt: now,
	}
	hash, err := models.ChainHash(prev, v)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash version")
	}
	v.Hash = hash

	if err := s.records.AppendVersion(ctx, v); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "concurrent write produced the same version")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to append version")
	}
	return v, nil
}

func (s *Service) publish(ctx context.Context, changeID int64) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, strconv.FormatInt(changeID, 10)); err != nil {
		// The dispatcher sweep picks the entry up; the write already committed.
		s.logger.WarnContext(ctx, "failed to publish change notification",
			"change_id", changeID,
			"error", err,
		)
		if s.metrics != nil {
			s.metrics.IncrementPublishFailed()
		}
	}
}

func (s *Service) observeWrite(kind, outcome string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncrementWrite(kind, outcome)
	s.metrics.ObserveWrite(start)
}

// WriteSection replaces one section of an existing record.
func (s *Service) WriteSection(ctx context.Context, id int64, section models.Section, value []byte) (*WriteResult, error) {
	if id <= 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "record id must be positive")
	}
	return s.Write(ctx, WriteRequest{RecordID: id, Sections: models.Sections{section: value}})
}

func (s *Service) Get(ctx context.Context, id int64) (*models.Record, error) {
	rec, err := s.records.FindByID(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("record %d not found", id))
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load record")
	}
	return rec, nil
}

// GetSection returns one section document; a missing section is not found.
func (s *Service) GetSection(ctx context.Context, id int64, section models.Section) ([]byte, error) {
	if !section.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown section %q", section))
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	raw, ok := rec.Sections[section]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("record %d has no %s section", id, section))
	}
	return raw, nil
}

// History lists a record's versions in ascending order.
func (s *Service) History(ctx context.Context, id int64) ([]*models.Version, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	versions, err := s.records.ListVersions(ctx, id)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list versions")
	}
	return versions, nil
}

// VerifyChain recomputes the record's hash chain.
func (s *Service) VerifyChain(ctx context.Context, id int64) (*models.ChainReport, error) {
	versions, err := s.History(ctx, id)
	if err != nil {
		return nil, err
	}
	report, err := models.VerifyChain(id, versions)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to verify version chain")
	}
	if !report.Valid {
		s.logger.ErrorContext(ctx, "record version chain broken",
			"record_id", id,
			"broken_version", report.BrokenVersion,
		)
	}
	return report, nil
}

// Delete removes a record together with its versions, change entries and
// processing log.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.records.FindForUpdate(ctx, id); err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("record %d not found", id))
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load record")
		}
		if err := s.changes.DeleteForRecord(ctx, id); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete change entries")
		}
		if err := s.records.Delete(ctx, id); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete record")
		}
		return nil
	})
}

const maxSearchResults = 100

// Search matches records by display name or email.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]*models.Record, error) {
	if len(query) < 2 {
		return nil, dErrors.New(dErrors.CodeValidation, "query must be at least 2 characters")
	}
	if limit <= 0 || limit > maxSearchResults {
		limit = maxSearchResults
	}
	recs, err := s.records.Search(ctx, query, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to search records")
	}
	return recs, nil
}
