package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
)

const uniqueViolation = "23505"

const documentColumns = `id, filename, author, file_type, size_bytes, object_key, content_type, status,
	failed_stage, failure_reason, extracted_text, extraction_engine, summary, upload_time, last_modified, version`

type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *DocumentRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101901)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS documents (
	id BIGSERIAL PRIMARY KEY,
	filename TEXT NOT NULL,
	author TEXT NOT NULL,
	file_type TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	object_key TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	failed_stage TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	extracted_text TEXT NOT NULL DEFAULT '',
	extraction_engine TEXT NOT NULL DEFAULT '',
	summary VARCHAR(5000) NOT NULL DEFAULT '',
	upload_time TIMESTAMPTZ NOT NULL,
	last_modified TIMESTAMPTZ NOT NULL,
	version BIGINT NOT NULL DEFAULT 1,
	CONSTRAINT documents_filename_author_key UNIQUE (filename, author)
);

CREATE INDEX IF NOT EXISTS idx_documents_status_modified ON documents(status, last_modified);
CREATE INDEX IF NOT EXISTS idx_documents_author ON documents(author);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	err := r.db.QueryRowContext(ctx, `
INSERT INTO documents (
	filename, author, file_type, size_bytes, object_key, content_type, status,
	failed_stage, failure_reason, extracted_text, extraction_engine, summary, upload_time, last_modified, version
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,1)
RETURNING id
`,
		doc.Filename, doc.Author, string(doc.FileType), doc.SizeBytes, doc.ObjectKey, doc.ContentType, string(doc.Status),
		string(doc.FailedStage), doc.FailureReason, doc.ExtractedText, doc.ExtractionEngine, doc.Summary,
		doc.UploadTime, doc.LastModified,
	).Scan(&doc.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrDuplicate, "create document",
				fmt.Errorf("filename %q author %q: %w", doc.Filename, doc.Author, err))
		}
		return fmt.Errorf("insert document: %w", err)
	}
	doc.Version = 1
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id int64) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id %d", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

func (r *DocumentRepository) ExistsByDedupKey(ctx context.Context, key domain.DedupKey) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM documents WHERE filename = $1 AND author = $2)`,
		key.Filename, key.Author,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check dedup key: %w", err)
	}
	return exists, nil
}

// Update writes every mutable column when the stored version still matches
// doc.Version, then bumps doc.Version.
func (r *DocumentRepository) Update(ctx context.Context, doc *domain.Document) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE documents
SET filename = $3, author = $4, status = $5, failed_stage = $6, failure_reason = $7,
	extracted_text = $8, extraction_engine = $9, summary = $10, last_modified = $11, version = version + 1
WHERE id = $1 AND version = $2
`,
		doc.ID, doc.Version, doc.Filename, doc.Author, string(doc.Status), string(doc.FailedStage), doc.FailureReason,
		doc.ExtractedText, doc.ExtractionEngine, doc.Summary, doc.LastModified,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrDuplicate, "update document",
				fmt.Errorf("filename %q author %q: %w", doc.Filename, doc.Author, err))
		}
		return fmt.Errorf("update document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document rows affected: %w", err)
	}
	if affected == 0 {
		return r.missOrConflict(ctx, doc.ID, doc.Version)
	}
	doc.Version++
	return nil
}

func (r *DocumentRepository) missOrConflict(ctx context.Context, id, version int64) error {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check document: %w", err)
	}
	if !exists {
		return domain.WrapError(domain.ErrDocumentNotFound, "update document", fmt.Errorf("id %d", id))
	}
	return domain.WrapError(domain.ErrConflict, "update document", fmt.Errorf("id %d version %d is stale", id, version))
}

func (r *DocumentRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrDocumentNotFound, "delete document", fmt.Errorf("id %d", id))
	}
	return nil
}

func (r *DocumentRepository) List(ctx context.Context, filter domain.ListFilter) ([]domain.Document, error) {
	where := []string{"id > $1"}
	args := []any{filter.AfterID}
	add := func(cond string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Author != "" {
		add("author = $%d", filter.Author)
	}
	if filter.FileType != "" {
		add("file_type = $%d", string(filter.FileType))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	query := `SELECT ` + documentColumns + ` FROM documents WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return r.query(ctx, "list documents", query, args...)
}

func (r *DocumentRepository) ListStale(ctx context.Context, statuses []domain.ProcessingStatus, olderThan time.Time, limit int) ([]domain.Document, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, "list stale documents", `SELECT `+documentColumns+`
FROM documents
WHERE status = ANY($1) AND last_modified < $2
ORDER BY last_modified, id
LIMIT $3`, names, olderThan, limit)
}

func (r *DocumentRepository) query(ctx context.Context, op, query string, args ...any) ([]domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := make([]domain.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	var doc domain.Document
	var fileType, status, failedStage string
	err := row.Scan(
		&doc.ID, &doc.Filename, &doc.Author, &fileType, &doc.SizeBytes, &doc.ObjectKey, &doc.ContentType, &status,
		&failedStage, &doc.FailureReason, &doc.ExtractedText, &doc.ExtractionEngine, &doc.Summary,
		&doc.UploadTime, &doc.LastModified, &doc.Version,
	)
	if err != nil {
		return nil, err
	}
	doc.FileType = domain.FileType(fileType)
	doc.Status = domain.ProcessingStatus(status)
	doc.FailedStage = domain.Stage(failedStage)
	doc.UploadTime = doc.UploadTime.UTC()
	doc.LastModified = doc.LastModified.UTC()
	return &doc, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
