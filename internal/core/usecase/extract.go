package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/pipeline"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
)

const unsupportedEngine = "unsupported"

type ExtractionConfig struct {
	DownloadTimeout time.Duration
	ExtractTimeout  time.Duration
}

// ExtractionStage turns stored binaries into text and hands the result to
// summarization.
type ExtractionStage struct {
	repo       ports.DocumentRepository
	storage    ports.ObjectStorage
	publisher  *pipeline.Publisher
	extractors map[domain.FileType]ports.TextExtractor
	cfg        ExtractionConfig
	now        clock
}

func NewExtractionStage(
	repo ports.DocumentRepository,
	storage ports.ObjectStorage,
	publisher *pipeline.Publisher,
	extractors map[domain.FileType]ports.TextExtractor,
	cfg ExtractionConfig,
) *ExtractionStage {
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 30 * time.Second
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = 90 * time.Second
	}
	if extractors == nil {
		extractors = map[domain.FileType]ports.TextExtractor{}
	}
	return &ExtractionStage{
		repo:       repo,
		storage:    storage,
		publisher:  publisher,
		extractors: extractors,
		cfg:        cfg,
		now:        utcNow,
	}
}

func (s *ExtractionStage) Extract(ctx context.Context, msg domain.ExtractionRequest) error {
	doc, err := s.repo.GetByID(ctx, msg.DocumentID)
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			slog.Warn("extraction_document_missing", "document_id", msg.DocumentID)
			return nil
		}
		return fmt.Errorf("load document: %w", err)
	}

	if !doc.Reached(domain.StatusExtracted) {
		text, engine, err := s.extractText(ctx, msg)
		if err != nil {
			return err
		}
		doc, _, err = mutateDocument(ctx, s.repo, msg.DocumentID, s.now, func(d *domain.Document) (bool, error) {
			applied, err := d.Advance(domain.StatusExtracted)
			if err != nil || !applied {
				return false, err
			}
			d.ExtractedText = text
			d.ExtractionEngine = engine
			return true, nil
		})
		if err != nil {
			if domain.IsKind(err, domain.ErrDocumentNotFound) {
				slog.Warn("extraction_document_missing", "document_id", msg.DocumentID)
				return nil
			}
			return fmt.Errorf("record extracted text: %w", err)
		}
	}

	return s.publisher.PublishExtractionResult(ctx, domain.ExtractionResult{
		DocumentID:    doc.ID,
		ObjectKey:     doc.ObjectKey,
		BucketName:    s.storage.Location(),
		ExtractedText: doc.ExtractedText,
		ProcessedAt:   doc.LastModified,
		Engine:        doc.ExtractionEngine,
	})
}

func (s *ExtractionStage) extractText(ctx context.Context, msg domain.ExtractionRequest) (string, string, error) {
	extractor, ok := s.extractors[msg.FileType]
	if !ok {
		slog.Info("extraction_unsupported_type", "document_id", msg.DocumentID, "file_type", msg.FileType)
		return unsupportedPlaceholder(msg.FileType), unsupportedEngine, nil
	}

	downloadCtx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
	content, err := s.storage.Download(downloadCtx, msg.ObjectKey)
	cancel()
	if err != nil {
		if domain.IsKind(err, domain.ErrObjectNotFound) {
			return "", "", domain.Permanent("download object", err)
		}
		return "", "", fmt.Errorf("download object: %w", err)
	}

	extractCtx, cancel := context.WithTimeout(ctx, s.cfg.ExtractTimeout)
	defer cancel()
	start := time.Now()
	text, err := extractor.Extract(extractCtx, ports.ExtractInput{
		DocumentID: msg.DocumentID,
		Filename:   msg.Filename,
		FileType:   msg.FileType,
		Content:    content,
	})
	if err != nil {
		return "", "", fmt.Errorf("extract text with %s: %w", extractor.Engine(), err)
	}
	slog.Info("text_extracted",
		"document_id", msg.DocumentID,
		"engine", extractor.Engine(),
		"chars", len(text),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return text, extractor.Engine(), nil
}

func unsupportedPlaceholder(fileType domain.FileType) string {
	return fmt.Sprintf("OCR not supported for file type: %s", fileType)
}
