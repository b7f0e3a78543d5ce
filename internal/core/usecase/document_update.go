package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
)

const maxConflictRetries = 4

type clock func() time.Time

func utcNow() time.Time {
	return time.Now().UTC()
}

// mutateDocument loads a document, applies fn and writes it back conditioned on
// the version it read. fn reports false when nothing has to change; in that case
// no write happens and lastModified stays untouched.
func mutateDocument(
	ctx context.Context,
	repo ports.DocumentRepository,
	id int64,
	now clock,
	fn func(doc *domain.Document) (bool, error),
) (*domain.Document, bool, error) {
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		doc, err := repo.GetByID(ctx, id)
		if err != nil {
			return nil, false, err
		}

		changed, err := fn(doc)
		if err != nil {
			return doc, false, err
		}
		if !changed {
			return doc, false, nil
		}

		doc.LastModified = nextModified(doc.LastModified, now())
		err = repo.Update(ctx, doc)
		if err == nil {
			return doc, true, nil
		}
		if !domain.IsKind(err, domain.ErrConflict) {
			return nil, false, err
		}
	}
	return nil, false, domain.WrapError(domain.ErrConflict, "update document",
		fmt.Errorf("document %d still contended after %d attempts", id, maxConflictRetries))
}

// nextModified keeps lastModified strictly increasing even when clocks collide.
func nextModified(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Microsecond)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}
