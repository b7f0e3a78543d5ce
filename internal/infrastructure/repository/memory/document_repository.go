// Package memory is a process-local DocumentRepository with the same
// uniqueness and optimistic-concurrency rules as the Postgres repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
)

type DocumentRepository struct {
	mu     sync.RWMutex
	nextID int64
	docs   map[int64]domain.Document
	keys   map[domain.DedupKey]int64
}

func NewDocumentRepository() *DocumentRepository {
	return &DocumentRepository{
		docs: make(map[int64]domain.Document),
		keys: make(map[domain.DedupKey]int64),
	}
}

func (r *DocumentRepository) Create(_ context.Context, doc *domain.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := doc.DedupKey()
	if _, exists := r.keys[key]; exists {
		return domain.WrapError(domain.ErrDuplicate, "create document",
			fmt.Errorf("filename %q author %q", key.Filename, key.Author))
	}
	r.nextID++
	doc.ID = r.nextID
	doc.Version = 1
	r.docs[doc.ID] = *doc
	r.keys[key] = doc.ID
	return nil
}

func (r *DocumentRepository) GetByID(_ context.Context, id int64) (*domain.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id %d", id))
	}
	return &doc, nil
}

func (r *DocumentRepository) ExistsByDedupKey(_ context.Context, key domain.DedupKey) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.keys[key]
	return ok, nil
}

func (r *DocumentRepository) Update(_ context.Context, doc *domain.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.docs[doc.ID]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "update document", fmt.Errorf("id %d", doc.ID))
	}
	if stored.Version != doc.Version {
		return domain.WrapError(domain.ErrConflict, "update document",
			fmt.Errorf("id %d version %d, stored %d", doc.ID, doc.Version, stored.Version))
	}
	newKey := doc.DedupKey()
	if oldKey := stored.DedupKey(); newKey != oldKey {
		if owner, taken := r.keys[newKey]; taken && owner != doc.ID {
			return domain.WrapError(domain.ErrDuplicate, "update document",
				fmt.Errorf("filename %q author %q", newKey.Filename, newKey.Author))
		}
		delete(r.keys, oldKey)
		r.keys[newKey] = doc.ID
	}
	doc.Version++
	r.docs[doc.ID] = *doc
	return nil
}

func (r *DocumentRepository) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[id]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "delete document", fmt.Errorf("id %d", id))
	}
	delete(r.docs, id)
	delete(r.keys, doc.DedupKey())
	return nil
}

func (r *DocumentRepository) List(_ context.Context, filter domain.ListFilter) ([]domain.Document, error) {
	return r.collect(func(doc domain.Document) bool {
		return doc.ID > filter.AfterID &&
			(filter.Author == "" || doc.Author == filter.Author) &&
			(filter.FileType == "" || doc.FileType == filter.FileType) &&
			(filter.Status == "" || doc.Status == filter.Status)
	}, filter.Limit), nil
}

func (r *DocumentRepository) ListStale(_ context.Context, statuses []domain.ProcessingStatus, olderThan time.Time, limit int) ([]domain.Document, error) {
	wanted := make(map[domain.ProcessingStatus]struct{}, len(statuses))
	for _, s := range statuses {
		wanted[s] = struct{}{}
	}
	return r.collect(func(doc domain.Document) bool {
		_, ok := wanted[doc.Status]
		return ok && doc.LastModified.Before(olderThan)
	}, limit), nil
}

func (r *DocumentRepository) collect(match func(domain.Document) bool, limit int) []domain.Document {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Document, 0)
	for _, doc := range r.docs {
		if match(doc) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
