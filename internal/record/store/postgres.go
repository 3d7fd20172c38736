package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"changehub/internal/platform/postgres"
	"changehub/internal/record/models"
	"changehub/pkg/platform/sentinel"
)

// PostgresStore persists records and versions. Every method runs on the
// transaction carried by ctx when present.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func encodeSections(s models.Sections) ([]byte, error) {
	if s == nil {
		s = models.Sections{}
	}
	return json.Marshal(s)
}

func decodeSections(data []byte) (models.Sections, error) {
	s := models.Sections{}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Create(ctx context.Context, rec *models.Record) (int64, error) {
	sections, err := encodeSections(rec.Sections)
	if err != nil {
		return 0, fmt.Errorf("encode sections: %w", err)
	}
	const query = `
		INSERT INTO records (sections, display_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	var id int64
	err = postgres.Execer(ctx, s.db).QueryRowContext(ctx, query,
		sections, displayNameColumn(rec), rec.CreatedAt, rec.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	return id, nil
}

// displayNameColumn stores only identity-derived names; the id fallback is
// rendered at read time.
func displayNameColumn(rec *models.Record) string {
	unsaved := *rec
	unsaved.ID = 0
	name := unsaved.DisplayName()
	if name == "record #0" {
		return ""
	}
	return name
}

func (s *PostgresStore) FindByID(ctx context.Context, id int64) (*models.Record, error) {
	return s.find(ctx, id, false)
}

// FindForUpdate locks the record row until the surrounding transaction ends,
// serializing concurrent writers of the same record.
func (s *PostgresStore) FindForUpdate(ctx context.Context, id int64) (*models.Record, error) {
	return s.find(ctx, id, true)
}

func (s *PostgresStore) find(ctx context.Context, id int64, lock bool) (*models.Record, error) {
	query := `SELECT id, sections, created_at, updated_at FROM records WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var (
		rec      models.Record
		sections []byte
	)
	err := postgres.Execer(ctx, s.db).QueryRowContext(ctx, query, id).
		Scan(&rec.ID, &sections, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	if rec.Sections, err = decodeSections(sections); err != nil {
		return nil, fmt.Errorf("decode record sections: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Update(ctx context.Context, rec *models.Record) error {
	sections, err := encodeSections(rec.Sections)
	if err != nil {
		return fmt.Errorf("encode sections: %w", err)
	}
	const query = `
		UPDATE records SET sections = $2, display_name = $3, updated_at = $4
		WHERE id = $1
	`
	res, err := postgres.Execer(ctx, s.db).ExecContext(ctx, query,
		rec.ID, sections, displayNameColumn(rec), rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// Delete removes the record; versions, change entries and processing log
// rows go with it through ON DELETE CASCADE.
func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	res, err := postgres.Execer(ctx, s.db).ExecContext(ctx, `DELETE FROM records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Search(ctx context.Context, query string, limit int) ([]*models.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT id, sections, created_at, updated_at FROM records
		WHERE display_name ILIKE '%' || $1 || '%'
		   OR sections->'identity'->>'email' ILIKE '%' || $1 || '%'
		ORDER BY id
		LIMIT $2
	`
	rows, err := postgres.Execer(ctx, s.db).QueryContext(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		var (
			rec      models.Record
			sections []byte
		)
		if err := rows.Scan(&rec.ID, &sections, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if rec.Sections, err = decodeSections(sections); err != nil {
			return nil, fmt.Errorf("decode record sections: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DisplayNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	const query = `SELECT id, display_name FROM records WHERE id = ANY($1)`
	rows, err := postgres.Execer(ctx, s.db).QueryContext(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("list display names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan display name: %w", err)
		}
		if name == "" {
			name = fmt.Sprintf("record #%d", id)
		}
		out[id] = name
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestVersion(ctx context.Context, recordID int64) (*models.Version, error) {
	const query = `
		SELECT record_id, version, snapshot, hash, created_at
		FROM record_versions
		WHERE record_id = $1
		ORDER BY version DESC
		LIMIT 1
	`
	v, err := scanVersion(postgres.Execer(ctx, s.db).QueryRowContext(ctx, query, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest version: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) AppendVersion(ctx context.Context, v *models.Version) error {
	snapshot, err := encodeSections(v.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	const query = `
		INSERT INTO record_versions (record_id, version, snapshot, hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = postgres.Execer(ctx, s.db).ExecContext(ctx, query,
		v.RecordID, v.Number, snapshot, v.Hash, v.CreatedAt)
	if postgres.IsUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, recordID int64) ([]*models.Version, error) {
	const query = `
		SELECT record_id, version, snapshot, hash, created_at
		FROM record_versions
		WHERE record_id = $1
		ORDER BY version ASC
	`
	rows, err := postgres.Execer(ctx, s.db).QueryContext(ctx, query, recordID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []*models.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*models.Version, error) {
	var (
		v        models.Version
		snapshot []byte
	)
	if err := row.Scan(&v.RecordID, &v.Number, &snapshot, &v.Hash, &v.CreatedAt); err != nil {
		return nil, err
	}
	sections, err := decodeSections(snapshot)
	if err != nil {
		return nil, err
	}
	v.Snapshot = sections
	return &v, nil
}
