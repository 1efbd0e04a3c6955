package records

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	id             TEXT PRIMARY KEY,
	item_id        TEXT NOT NULL UNIQUE,
	file_name      TEXT NOT NULL DEFAULT '',
	source_kind    TEXT NOT NULL,
	fingerprint    TEXT NOT NULL,
	blob_id        TEXT NOT NULL DEFAULT '',
	extracted_text TEXT NOT NULL DEFAULT '',
	word_count     INTEGER NOT NULL DEFAULT 0,
	structured     BLOB,
	validation     BLOB,
	enrichment     BLOB,
	anchor         BLOB,
	visit_type     TEXT NOT NULL DEFAULT '',
	title          TEXT NOT NULL DEFAULT '',
	external_ref   TEXT NOT NULL DEFAULT '',
	version_id     INTEGER NOT NULL DEFAULT 1,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_fingerprint ON records (fingerprint);
CREATE INDEX IF NOT EXISTS idx_records_created_at ON records (created_at);
`

// SQLiteRepo stores records in a single-file SQLite database. It is the
// zero-infrastructure option for the CLI and small deployments.
type SQLiteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) *SQLiteRepo {
	return &SQLiteRepo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the records table if it does not exist.
func (s *SQLiteRepo) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return errors.Wrap(err, "migrating sqlite records schema")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteRepo) scan(row rowScanner) (*Record, error) {
	var rec Record
	var c jsonColumns
	var id, created, updated string
	err := row.Scan(&id, &rec.ItemID, &rec.FileName, &rec.SourceKind, &rec.Fingerprint, &rec.BlobID,
		&rec.ExtractedText, &rec.WordCount, &c.structured, &c.validation, &c.enrichment, &c.anchor,
		&rec.VisitType, &rec.Title, &rec.ExternalRef, &rec.VersionID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.ID, err = uuid.Parse(id); err != nil {
		return nil, errors.Wrapf(err, "record id %q", id)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, errors.Wrap(err, "created_at")
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, errors.Wrap(err, "updated_at")
	}
	if err := rec.decodeColumns(c); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteRepo) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.VersionID == 0 {
		rec.VersionID = 1
	}
	c, err := rec.encodeColumns()
	if err != nil {
		return err
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (id, item_id, file_name, source_kind, fingerprint, blob_id,
			extracted_text, word_count, structured, validation, enrichment, anchor,
			visit_type, title, external_ref, version_id, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID.String(), rec.ItemID, rec.FileName, rec.SourceKind, rec.Fingerprint, rec.BlobID,
		rec.ExtractedText, rec.WordCount, c.structured, c.validation, c.enrichment, c.anchor,
		rec.VisitType, rec.Title, rec.ExternalRef, rec.VersionID,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateItem
		}
		return errors.Wrap(err, "inserting record")
	}
	rec.CreatedAt, rec.UpdatedAt = now, now
	return nil
}

func (s *SQLiteRepo) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.scan(s.db.QueryRowContext(ctx, `SELECT `+recordCols+` FROM records WHERE id = ?`, id.String()))
}

func (s *SQLiteRepo) GetByItemID(ctx context.Context, itemID string) (*Record, error) {
	return s.scan(s.db.QueryRowContext(ctx, `SELECT `+recordCols+` FROM records WHERE item_id = ?`, itemID))
}

func (s *SQLiteRepo) Update(ctx context.Context, rec *Record) error {
	c, err := rec.encodeColumns()
	if err != nil {
		return err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET file_name=?, extracted_text=?, word_count=?, structured=?,
			validation=?, enrichment=?, anchor=?, visit_type=?, title=?,
			external_ref=?, version_id=?, updated_at=?
		WHERE id = ?`,
		rec.FileName, rec.ExtractedText, rec.WordCount, c.structured,
		c.validation, c.enrichment, c.anchor, rec.VisitType, rec.Title,
		rec.ExternalRef, rec.VersionID, now.Format(time.RFC3339Nano), rec.ID.String())
	if err != nil {
		return errors.Wrap(err, "updating record")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	rec.UpdatedAt = now
	return nil
}

func (s *SQLiteRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id.String())
	if err != nil {
		return errors.Wrap(err, "deleting record")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *SQLiteRepo) List(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "counting records")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordCols+` FROM records ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, errors.Wrap(err, "listing records")
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := s.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}
