package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
)

func newRepoWithMock(t *testing.T) (*DocumentRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return &DocumentRepository{db: db}, mock, func() { _ = db.Close() }
}

func documentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "filename", "author", "file_type", "size_bytes", "object_key", "content_type", "status",
		"failed_stage", "failure_reason", "extracted_text", "extraction_engine", "summary",
		"upload_time", "last_modified", "version",
	})
}

func TestGetByIDReturnsDomainNotFound(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, filename, author").
		WithArgs(int64(404)).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), 404)
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetByIDScansDocument(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, filename, author").
		WithArgs(int64(42)).
		WillReturnRows(documentRows().AddRow(
			int64(42), "contract.pdf", "john@x.com", "PDF", int64(122880), "0190-contract.pdf", "application/pdf", "FAILED",
			"summarization", "boom", "text", "Tesseract OCR", "", at, at, int64(3),
		))

	doc, err := repo.GetByID(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if doc.Status != domain.StatusFailed || doc.FailedStage != domain.StageSummarization || doc.Version != 3 {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if doc.FileType != domain.FileTypePDF || doc.SizeBytes != 122880 {
		t.Fatalf("unexpected provenance: %+v", doc)
	}
}

func TestCreateMapsUniqueViolationToDuplicate(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("INSERT INTO documents").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "documents_filename_author_key"})

	err := repo.Create(context.Background(), &domain.Document{Filename: "contract.pdf", Author: "john@x.com"})
	if !domain.IsKind(err, domain.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateAssignsIDAndVersion(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("INSERT INTO documents").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	doc := &domain.Document{Filename: "a.pdf", Author: "a", Status: domain.StatusIngested}
	if err := repo.Create(context.Background(), doc); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if doc.ID != 7 || doc.Version != 1 {
		t.Fatalf("id=%d version=%d", doc.ID, doc.Version)
	}
}

func TestUpdateDistinguishesConflictFromMissing(t *testing.T) {
	tests := []struct {
		name   string
		exists bool
		want   error
	}{
		{name: "stale version", exists: true, want: domain.ErrConflict},
		{name: "deleted", exists: false, want: domain.ErrDocumentNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock, done := newRepoWithMock(t)
			defer done()

			mock.ExpectExec("UPDATE documents").
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery("SELECT EXISTS").
				WithArgs(int64(5)).
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tc.exists))

			doc := &domain.Document{ID: 5, Version: 2, Status: domain.StatusExtracted}
			err := repo.Update(context.Background(), doc)
			if !domain.IsKind(err, tc.want) {
				t.Fatalf("Update() error = %v, want %v", err, tc.want)
			}
			if doc.Version != 2 {
				t.Fatalf("version must not change on failure, got %d", doc.Version)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("expectations: %v", err)
			}
		})
	}
}

func TestUpdateBumpsVersion(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE documents").
		WillReturnResult(sqlmock.NewResult(0, 1))

	doc := &domain.Document{ID: 5, Version: 2}
	if err := repo.Update(context.Background(), doc); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if doc.Version != 3 {
		t.Fatalf("version = %d, want 3", doc.Version)
	}
}

func TestDeleteReturnsNotFoundWhenNoRowsAffected(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectExec("DELETE FROM documents").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Delete(context.Background(), 42); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestListAppliesFiltersAndKeyset(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`WHERE id > \$1 AND author = \$2 ORDER BY id LIMIT \$3`).
		WithArgs(int64(10), "john@x.com", 2).
		WillReturnRows(documentRows().
			AddRow(int64(11), "a.pdf", "john@x.com", "PDF", int64(1), "k1", "", "INDEXED", "", "", "", "", "", at, at, int64(1)).
			AddRow(int64(12), "b.png", "john@x.com", "PNG", int64(1), "k2", "", "INGESTED", "", "", "", "", "", at, at, int64(1)))

	docs, err := repo.List(context.Background(), domain.ListFilter{Author: "john@x.com", AfterID: 10, Limit: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(docs) != 2 || docs[0].ID != 11 || docs[1].FileType != domain.FileTypePNG {
		t.Fatalf("unexpected documents: %+v", docs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
