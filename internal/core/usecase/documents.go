package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/pipeline"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// DocumentService serves reads and the explicit update/delete operations.
type DocumentService struct {
	repo      ports.DocumentRepository
	storage   ports.ObjectStorage
	publisher *pipeline.Publisher
	now       clock
}

func NewDocumentService(repo ports.DocumentRepository, storage ports.ObjectStorage, publisher *pipeline.Publisher) *DocumentService {
	return &DocumentService{repo: repo, storage: storage, publisher: publisher, now: utcNow}
}

func (s *DocumentService) GetByID(ctx context.Context, id int64) (*domain.Document, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *DocumentService) List(ctx context.Context, filter domain.ListFilter) ([]domain.Document, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}
	return s.repo.List(ctx, filter)
}

// Content returns the document with its original bytes.
func (s *DocumentService) Content(ctx context.Context, id int64) (*domain.Document, []byte, error) {
	doc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.storage.Download(ctx, doc.ObjectKey)
	if err != nil {
		return nil, nil, fmt.Errorf("download %s: %w", doc.ObjectKey, err)
	}
	return doc, data, nil
}

func (s *DocumentService) UpdateMetadata(ctx context.Context, id int64, patch domain.MetadataPatch) (*domain.Document, error) {
	patch, err := normalizePatch(patch)
	if err != nil {
		return nil, err
	}

	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	key := current.DedupKey()
	if patch.Filename != nil {
		if domain.FileTypeOf(*patch.Filename) != current.FileType {
			return nil, domain.WrapError(domain.ErrInvalidInput, "update metadata",
				fmt.Errorf("renaming must keep the %s file type", current.FileType))
		}
		key.Filename = *patch.Filename
	}
	if patch.Author != nil {
		key.Author = *patch.Author
	}
	if key != current.DedupKey() {
		exists, err := s.repo.ExistsByDedupKey(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("check dedup key: %w", err)
		}
		if exists {
			return nil, duplicateError(key)
		}
	}

	doc, changed, err := mutateDocument(ctx, s.repo, id, s.now, func(d *domain.Document) (bool, error) {
		changed := false
		if patch.Filename != nil && *patch.Filename != d.Filename {
			d.Filename = *patch.Filename
			changed = true
		}
		if patch.Author != nil && *patch.Author != d.Author {
			d.Author = *patch.Author
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return doc, nil
	}

	update := domain.IndexRequest{
		EventType:     domain.IndexEventUpdate,
		DocumentID:    doc.ID,
		Filename:      patch.Filename,
		Author:        patch.Author,
		ProcessedTime: s.now(),
	}
	if err := s.publisher.PublishIndex(ctx, update); err != nil {
		slog.Warn("index_update_not_published", "document_id", doc.ID, "error", err)
	}
	return doc, nil
}

// Delete removes the metadata row, then the object and the index entry.
// The fan-out is best-effort: leftovers are logged, and deleting an unknown
// id still clears any index entry.
func (s *DocumentService) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return domain.WrapError(domain.ErrInvalidInput, "delete document", fmt.Errorf("id must be positive"))
	}

	doc, err := s.repo.GetByID(ctx, id)
	switch {
	case domain.IsKind(err, domain.ErrDocumentNotFound):
		doc = nil
	case err != nil:
		return fmt.Errorf("load document: %w", err)
	default:
		if err := s.repo.Delete(ctx, id); err != nil && !domain.IsKind(err, domain.ErrDocumentNotFound) {
			return fmt.Errorf("delete metadata: %w", err)
		}
	}

	var objectErr, indexErr error
	var g errgroup.Group
	if doc != nil {
		g.Go(func() error {
			objectErr = s.storage.Delete(ctx, doc.ObjectKey)
			return nil
		})
	}
	g.Go(func() error {
		indexErr = s.publisher.PublishIndex(ctx, domain.NewIndexDelete(id, s.now()))
		return nil
	})
	_ = g.Wait()

	if err := errors.Join(objectErr, indexErr); err != nil {
		slog.Warn("document_delete_incomplete", "document_id", id, "error", err)
		return nil
	}
	slog.Info("document_deleted", "document_id", id, "existed", doc != nil)
	return nil
}

func normalizePatch(patch domain.MetadataPatch) (domain.MetadataPatch, error) {
	if patch.Filename != nil {
		name := strings.TrimSpace(filepath.Base(*patch.Filename))
		if name == "" || name == "." {
			return patch, domain.WrapError(domain.ErrInvalidInput, "update metadata", fmt.Errorf("filename must not be empty"))
		}
		patch.Filename = &name
	}
	if patch.Author != nil {
		author := strings.TrimSpace(*patch.Author)
		if author == "" {
			return patch, domain.WrapError(domain.ErrInvalidInput, "update metadata", fmt.Errorf("author must not be empty"))
		}
		patch.Author = &author
	}
	if patch.Empty() {
		return patch, domain.WrapError(domain.ErrInvalidInput, "update metadata", fmt.Errorf("nothing to update"))
	}
	return patch, nil
}
