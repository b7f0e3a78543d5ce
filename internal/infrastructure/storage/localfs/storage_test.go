package localfs

import (
	"context"
	"testing"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
)

func TestStorageRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	if err := s.Upload(ctx, "0190-contract.pdf", []byte("%PDF-1.4"), "application/pdf"); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	ok, err := s.Exists(ctx, "0190-contract.pdf")
	if err != nil || !ok {
		t.Fatalf("Exists() = %v, %v", ok, err)
	}
	data, err := s.Download(ctx, "0190-contract.pdf")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if string(data) != "%PDF-1.4" {
		t.Fatalf("Download() = %q", data)
	}

	if err := s.Delete(ctx, "0190-contract.pdf"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "0190-contract.pdf"); err != nil {
		t.Fatalf("second Delete() error = %v, want no-op", err)
	}
	if _, err := s.Download(ctx, "0190-contract.pdf"); !domain.IsKind(err, domain.ErrObjectNotFound) {
		t.Fatalf("Download() after delete error = %v, want ErrObjectNotFound", err)
	}
}

func TestStorageRejectsPathTraversal(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Upload(context.Background(), "../escape", []byte("x"), ""); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("Upload() error = %v, want ErrInvalidInput", err)
	}
}
