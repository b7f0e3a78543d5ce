package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/pipeline"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
)

const maxSummaryRunes = 5000

// ConsolidationStage is the only writer of the summary. It records the
// summarization result and emits the denormalized indexing message.
type ConsolidationStage struct {
	repo      ports.DocumentRepository
	publisher *pipeline.Publisher
	now       clock
}

func NewConsolidationStage(repo ports.DocumentRepository, publisher *pipeline.Publisher) *ConsolidationStage {
	return &ConsolidationStage{repo: repo, publisher: publisher, now: utcNow}
}

func (s *ConsolidationStage) Consolidate(ctx context.Context, msg domain.SummaryResult) error {
	doc, applied, err := mutateDocument(ctx, s.repo, msg.DocumentID, s.now, func(d *domain.Document) (bool, error) {
		ok, err := d.Advance(domain.StatusSummarized)
		if err != nil || !ok {
			return false, err
		}
		d.Summary = truncateRunes(msg.Summary, maxSummaryRunes)
		if d.ExtractedText == "" {
			d.ExtractedText = msg.ExtractedText
		}
		return true, nil
	})
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			slog.Warn("consolidation_document_missing", "document_id", msg.DocumentID)
			return nil
		}
		return fmt.Errorf("consolidate summary: %w", err)
	}
	if !applied {
		slog.Debug("consolidation_duplicate", "document_id", doc.ID, "status", doc.Status)
	}

	// Emitted on duplicates too, so a crash between the write and the
	// publish is repaired by redelivery. Indexing overwrites by id.
	return s.publisher.PublishIndex(ctx, domain.NewIndexUpsert(*doc, s.now()))
}
