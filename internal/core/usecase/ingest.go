package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/pipeline"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
)

var DefaultAllowedExtensions = []string{"pdf", "doc", "docx", "txt", "png", "jpg", "jpeg", "gif", "xls", "xlsx", "ppt", "pptx"}

const DefaultMaxUploadBytes int64 = 50 << 20

type IngestConfig struct {
	AllowedExtensions []string
	MaxSizeBytes      int64
}

type IngestDocumentUseCase struct {
	repo      ports.DocumentRepository
	storage   ports.ObjectStorage
	publisher *pipeline.Publisher
	guard     ports.DedupGuard
	allowed   map[string]struct{}
	maxSize   int64
	now       clock
}

func NewIngestDocumentUseCase(
	repo ports.DocumentRepository,
	storage ports.ObjectStorage,
	publisher *pipeline.Publisher,
	guard ports.DedupGuard,
	cfg IngestConfig,
) *IngestDocumentUseCase {
	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = DefaultAllowedExtensions
	}
	allowed := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			allowed[ext] = struct{}{}
		}
	}
	maxSize := cfg.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadBytes
	}
	return &IngestDocumentUseCase{
		repo:      repo,
		storage:   storage,
		publisher: publisher,
		guard:     guard,
		allowed:   allowed,
		maxSize:   maxSize,
		now:       utcNow,
	}
}

func (uc *IngestDocumentUseCase) Upload(ctx context.Context, req ports.UploadRequest) (*domain.Document, error) {
	req.Filename = strings.TrimSpace(filepath.Base(req.Filename))
	req.Author = strings.TrimSpace(req.Author)
	if err := uc.validate(req); err != nil {
		return nil, err
	}

	key := domain.DedupKey{Filename: req.Filename, Author: req.Author}
	release, err := uc.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release(context.WithoutCancel(ctx))

	exists, err := uc.repo.ExistsByDedupKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check dedup key: %w", err)
	}
	if exists {
		return nil, duplicateError(key)
	}

	objectKey, err := newObjectKey(req.Filename)
	if err != nil {
		return nil, err
	}
	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(req.Content)
	}

	if err := uc.storage.Upload(ctx, objectKey, req.Content, contentType); err != nil {
		return nil, fmt.Errorf("upload to object storage: %w", err)
	}

	now := uc.now()
	doc := &domain.Document{
		Filename:     req.Filename,
		Author:       req.Author,
		FileType:     domain.FileTypeOf(req.Filename),
		SizeBytes:    int64(len(req.Content)),
		ObjectKey:    objectKey,
		ContentType:  contentType,
		Status:       domain.StatusIngested,
		UploadTime:   now,
		LastModified: now,
	}
	if err := uc.repo.Create(ctx, doc); err != nil {
		if domain.IsKind(err, domain.ErrDuplicate) {
			uc.dropOrphan(ctx, objectKey)
		}
		return nil, fmt.Errorf("create document metadata: %w", err)
	}

	if err := uc.publisher.PublishExtraction(ctx, domain.NewExtractionRequest(*doc)); err != nil {
		// The row is durable; the reconciliation sweep re-drives it.
		slog.Warn("document_stuck_ingested",
			"document_id", doc.ID,
			"object_key", objectKey,
			"error", err,
		)
		return doc, nil
	}

	slog.Info("document_ingested",
		"document_id", doc.ID,
		"file_type", doc.FileType,
		"size_bytes", doc.SizeBytes,
	)
	return doc, nil
}

func (uc *IngestDocumentUseCase) validate(req ports.UploadRequest) error {
	var problems []string
	if req.Filename == "" || req.Filename == "." || req.Filename == string(filepath.Separator) {
		problems = append(problems, "filename is required")
	}
	if req.Author == "" {
		problems = append(problems, "author is required")
	}
	if len(req.Content) == 0 {
		problems = append(problems, "file is empty")
	}
	if int64(len(req.Content)) > uc.maxSize {
		problems = append(problems, fmt.Sprintf("file exceeds %d bytes", uc.maxSize))
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(req.Filename), "."))
	if _, ok := uc.allowed[ext]; !ok && req.Filename != "" {
		problems = append(problems, fmt.Sprintf("extension %q is not allowed", ext))
	}
	if len(problems) > 0 {
		return domain.WrapError(domain.ErrInvalidInput, "validate upload", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

func (uc *IngestDocumentUseCase) lock(ctx context.Context, key domain.DedupKey) (func(context.Context), error) {
	if uc.guard == nil {
		return func(context.Context) {}, nil
	}
	release, err := uc.guard.Acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("acquire dedup lock: %w", err)
	}
	return release, nil
}

func (uc *IngestDocumentUseCase) dropOrphan(ctx context.Context, objectKey string) {
	if err := uc.storage.Delete(context.WithoutCancel(ctx), objectKey); err != nil {
		slog.Warn("orphan_object_left", "object_key", objectKey, "error", err)
	}
}

func duplicateError(key domain.DedupKey) error {
	return domain.WrapError(domain.ErrDuplicate, "ingest",
		fmt.Errorf("file with name '%s' already exists for author '%s'", key.Filename, key.Author))
}

// newObjectKey prefixes the sanitized filename with a time-ordered UUIDv7.
func newObjectKey(filename string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate object key: %w", err)
	}
	return id.String() + "-" + sanitizeFilename(filename), nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." {
		return "document.bin"
	}
	return base
}
