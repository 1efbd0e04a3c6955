package records

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRecordRepoPG(pool *pgxpool.Pool) Repository { return &recordRepoPG{pool: pool} }

func (r *recordRepoPG) conn(_ context.Context) queryable {
	return r.pool
}

const recordCols = `id, item_id, file_name, source_kind, fingerprint, blob_id,
	extracted_text, word_count, structured, validation, enrichment, anchor,
	visit_type, title, external_ref, version_id, created_at, updated_at`

func (r *recordRepoPG) scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var c jsonColumns
	err := row.Scan(&rec.ID, &rec.ItemID, &rec.FileName, &rec.SourceKind, &rec.Fingerprint, &rec.BlobID,
		&rec.ExtractedText, &rec.WordCount, &c.structured, &c.validation, &c.enrichment, &c.anchor,
		&rec.VisitType, &rec.Title, &rec.ExternalRef, &rec.VersionID, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := rec.decodeColumns(c); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *recordRepoPG) Create(ctx context.Context, rec *Record) error {
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
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO records (id, item_id, file_name, source_kind, fingerprint, blob_id,
			extracted_text, word_count, structured, validation, enrichment, anchor,
			visit_type, title, external_ref, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		rec.ID, rec.ItemID, rec.FileName, rec.SourceKind, rec.Fingerprint, rec.BlobID,
		rec.ExtractedText, rec.WordCount, c.structured, c.validation, c.enrichment, c.anchor,
		rec.VisitType, rec.Title, rec.ExternalRef, rec.VersionID).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateItem
	}
	return err
}

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return r.scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM records WHERE id = $1`, id))
}

func (r *recordRepoPG) GetByItemID(ctx context.Context, itemID string) (*Record, error) {
	return r.scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+` FROM records WHERE item_id = $1`, itemID))
}

func (r *recordRepoPG) Update(ctx context.Context, rec *Record) error {
	c, err := rec.encodeColumns()
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE records SET file_name=$2, extracted_text=$3, word_count=$4, structured=$5,
			validation=$6, enrichment=$7, anchor=$8, visit_type=$9, title=$10,
			external_ref=$11, version_id=$12, updated_at=NOW()
		WHERE id = $1`,
		rec.ID, rec.FileName, rec.ExtractedText, rec.WordCount, c.structured,
		c.validation, c.enrichment, c.anchor, rec.VisitType, rec.Title,
		rec.ExternalRef, rec.VersionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *recordRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM records WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *recordRepoPG) List(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM records`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+recordCols+` FROM records ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}
