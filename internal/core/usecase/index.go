package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
)

type IndexingStage struct {
	repo  ports.DocumentRepository
	index ports.SearchIndex
	now   clock
}

func NewIndexingStage(repo ports.DocumentRepository, index ports.SearchIndex) *IndexingStage {
	return &IndexingStage{repo: repo, index: index, now: utcNow}
}

func (s *IndexingStage) Index(ctx context.Context, msg domain.IndexRequest) error {
	switch msg.EventType {
	case domain.IndexEventDelete:
		if err := s.index.Delete(ctx, msg.DocumentID); err != nil {
			return fmt.Errorf("delete index entry: %w", err)
		}
		slog.Info("index_entry_deleted", "document_id", msg.DocumentID)
		return nil
	case domain.IndexEventUpdate:
		patch := msg.Patch()
		if patch.Empty() {
			return nil
		}
		if err := s.index.PartialUpdate(ctx, msg.DocumentID, patch); err != nil {
			return fmt.Errorf("partially update index entry: %w", err)
		}
		return nil
	default:
		return s.upsert(ctx, msg)
	}
}

func (s *IndexingStage) upsert(ctx context.Context, msg domain.IndexRequest) error {
	doc, err := s.repo.GetByID(ctx, msg.DocumentID)
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			// Deleted while in flight: make sure the upsert does not resurrect it.
			slog.Warn("indexing_document_missing", "document_id", msg.DocumentID)
			if err := s.index.Delete(ctx, msg.DocumentID); err != nil {
				return fmt.Errorf("delete index entry of missing document: %w", err)
			}
			return nil
		}
		return fmt.Errorf("load document: %w", err)
	}

	advance := doc.EffectiveStatus() == domain.StatusSummarized
	// Index the stored row, not the message: a metadata PATCH may have landed
	// after the message was published, and its UPDATE may already be consumed.
	projection := domain.NewIndexUpsert(*doc, msg.ProcessedTime).Projection()
	if advance {
		projection.Status = domain.StatusIndexed
	}
	if err := s.index.Upsert(ctx, projection); err != nil {
		return fmt.Errorf("upsert index entry: %w", err)
	}

	if !advance {
		return nil
	}
	_, _, err = mutateDocument(ctx, s.repo, msg.DocumentID, s.now, func(d *domain.Document) (bool, error) {
		if d.EffectiveStatus() != domain.StatusSummarized {
			return false, nil
		}
		return d.Advance(domain.StatusIndexed)
	})
	if err != nil && !domain.IsKind(err, domain.ErrDocumentNotFound) {
		return fmt.Errorf("mark document indexed: %w", err)
	}
	slog.Info("document_indexed", "document_id", msg.DocumentID)
	return nil
}
