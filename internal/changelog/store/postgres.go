package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"changehub/internal/changelog/models"
	"changehub/internal/platform/postgres"
	"changehub/pkg/platform/sentinel"
)

// PostgresStore persists the change log and its processing log.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, record_id, payload, status, processed, claimed_by, claimed_at, created_at, processed_at`

// Append inserts a pending entry on the caller's transaction, so it commits
// or rolls back together with the record write that produced it.
func (s *PostgresStore) Append(ctx context.Context, entry *models.Entry) (int64, error) {
	payload, err := models.MarshalPayload(entry.Payload)
	if err != nil {
		return 0, fmt.Errorf("encode change payload: %w", err)
	}
	const query = `
		INSERT INTO record_changes (record_id, payload, status, processed, created_at)
		VALUES ($1, $2, 'pending', FALSE, $3)
		RETURNING id
	`
	var id int64
	if err := postgres.Execer(ctx, s.db).QueryRowContext(ctx, query,
		entry.RecordID, payload, entry.CreatedAt).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert change entry: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) DeleteForRecord(ctx context.Context, recordID int64) error {
	if _, err := postgres.Execer(ctx, s.db).ExecContext(ctx,
		`DELETE FROM record_changes WHERE record_id = $1`, recordID); err != nil {
		return fmt.Errorf("delete change entries: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id int64) (*models.Entry, error) {
	row := postgres.Execer(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM record_changes WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get change entry: %w", err)
	}
	return e, nil
}

// Claim moves the oldest unprocessed entry of each record to delivering.
// Rows locked by a concurrent claimer are skipped rather than waited on, and
// the status predicate is re-checked after the lock is taken, so no entry is
// handed to two claimers.
func (s *PostgresStore) Claim(ctx context.Context, req models.ClaimRequest) ([]*models.Entry, error) {
	const query = `
		UPDATE record_changes c
		SET status = 'delivering', claimed_by = $1, claimed_at = $2
		WHERE c.id IN (
			SELECT h.id FROM record_changes h
			WHERE h.processed = FALSE
			  AND (h.status = 'pending' OR (h.status = 'delivering' AND h.claimed_at < $3))
			  AND ($4::timestamptz IS NULL OR h.created_at < $4)
			  AND NOT EXISTS (
				SELECT 1 FROM record_changes o
				WHERE o.record_id = h.record_id
				  AND o.processed = FALSE
				  AND o.id < h.id
			  )
			ORDER BY h.id
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + entryColumns

	var createdBefore sql.NullTime
	if !req.CreatedBefore.IsZero() {
		createdBefore = sql.NullTime{Time: req.CreatedBefore, Valid: true}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := postgres.Execer(ctx, s.db).QueryContext(ctx, query,
		req.Claimer, req.Now, req.Now.Add(-req.Lease), createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("claim change entries: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("claim change entries: %w", err)
	}
	// RETURNING order is unspecified.
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id int64, claimer string, at time.Time) error {
	const query = `
		UPDATE record_changes
		SET status = 'processed', processed = TRUE, processed_at = $3
		WHERE id = $1 AND claimed_by = $2 AND processed = FALSE
	`
	res, err := postgres.Execer(ctx, s.db).ExecContext(ctx, query, id, claimer, at)
	if err != nil {
		return fmt.Errorf("mark change processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrClaimLost
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, ids []int64, claimer string) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `
		UPDATE record_changes
		SET status = 'pending', claimed_by = NULL, claimed_at = NULL
		WHERE id = ANY($1) AND claimed_by = $2 AND processed = FALSE
	`
	if _, err := postgres.Execer(ctx, s.db).ExecContext(ctx, query, ids, claimer); err != nil {
		return fmt.Errorf("release change claims: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendAttempt(ctx context.Context, a *models.Attempt) error {
	const query = `
		INSERT INTO record_changes_processing_log
			(change_id, service_name, service_endpoint, attempt, success, response_code, response_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := postgres.Execer(ctx, s.db).QueryRowContext(ctx, query,
		a.ChangeID, a.ServiceName, a.Endpoint, a.Attempt, a.Success,
		a.ResponseCode, a.ResponseMessage, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert processing log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, changeID int64) ([]*models.Attempt, error) {
	const query = `
		SELECT id, change_id, service_name, service_endpoint, attempt, success,
		       response_code, response_message, created_at
		FROM record_changes_processing_log
		WHERE change_id = $1
		ORDER BY id
	`
	rows, err := postgres.Execer(ctx, s.db).QueryContext(ctx, query, changeID)
	if err != nil {
		return nil, fmt.Errorf("list processing log: %w", err)
	}
	defer rows.Close()

	var out []*models.Attempt
	for rows.Next() {
		var a models.Attempt
		if err := rows.Scan(&a.ID, &a.ChangeID, &a.ServiceName, &a.Endpoint, &a.Attempt,
			&a.Success, &a.ResponseCode, &a.ResponseMessage, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan processing log: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (*models.Stats, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'delivering'),
			COUNT(*) FILTER (WHERE status = 'processed')
		FROM record_changes
	`
	var stats models.Stats
	if err := postgres.Execer(ctx, s.db).QueryRowContext(ctx, query).
		Scan(&stats.Pending, &stats.Delivering, &stats.Processed); err != nil {
		return nil, fmt.Errorf("change log stats: %w", err)
	}
	stats.Unprocessed = stats.Pending + stats.Delivering
	return &stats, nil
}

func (s *PostgresStore) ListUnprocessed(ctx context.Context, limit int) ([]*models.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := postgres.Execer(ctx, s.db).QueryContext(ctx,
		`SELECT `+entryColumns+` FROM record_changes WHERE processed = FALSE ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed changes: %w", err)
	}
	return scanEntries(rows)
}

// ListFailed returns entries whose latest attempt for some service failed,
// oldest first. Processed entries are included.
func (s *PostgresStore) ListFailed(ctx context.Context, limit int) ([]*models.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
		SELECT ` + entryColumns + `
		FROM record_changes
		WHERE id IN (
			SELECT latest.change_id
			FROM (
				SELECT DISTINCT ON (change_id, service_name) change_id, success
				FROM record_changes_processing_log
				ORDER BY change_id, service_name, id DESC
			) latest
			WHERE NOT latest.success
		)
		ORDER BY id
		LIMIT $1
	`
	rows, err := postgres.Execer(ctx, s.db).QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed changes: %w", err)
	}
	return scanEntries(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.Entry, error) {
	var (
		e           models.Entry
		payload     []byte
		status      string
		claimedBy   sql.NullString
		claimedAt   sql.NullTime
		processedAt sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.RecordID, &payload, &status, &e.Processed,
		&claimedBy, &claimedAt, &e.CreatedAt, &processedAt); err != nil {
		return nil, err
	}
	p, err := models.UnmarshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("decode change payload: %w", err)
	}
	e.Payload = p
	e.Status = models.Status(status)
	e.ClaimedBy = claimedBy.String
	if claimedAt.Valid {
		e.ClaimedAt = &claimedAt.Time
	}
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*models.Entry, error) {
	defer rows.Close()
	var out []*models.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
