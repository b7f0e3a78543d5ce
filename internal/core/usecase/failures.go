package usecase

import (
	"context"
	"log/slog"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/pipeline"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
)

const maxFailureReasonRunes = 500

// FailureRecorder marks documents FAILED(stage) once their message was dead-lettered.
type FailureRecorder struct {
	repo ports.DocumentRepository
	now  clock
}

func NewFailureRecorder(repo ports.DocumentRepository) *FailureRecorder {
	return &FailureRecorder{repo: repo, now: utcNow}
}

// For returns a dead-letter hook for stage.
func (r *FailureRecorder) For(stage domain.Stage) func(context.Context, []byte, error) {
	return func(ctx context.Context, body []byte, cause error) {
		id, ok := pipeline.DocumentRef(body)
		if !ok {
			return
		}
		reason := ""
		if cause != nil {
			reason = truncateRunes(cause.Error(), maxFailureReasonRunes)
		}
		_, marked, err := mutateDocument(ctx, r.repo, id, r.now, func(d *domain.Document) (bool, error) {
			return d.MarkFailed(stage, reason), nil
		})
		switch {
		case err != nil && !domain.IsKind(err, domain.ErrDocumentNotFound):
			slog.Error("mark_failed_error", "document_id", id, "stage", stage, "error", err)
		case marked:
			slog.Warn("document_failed", "document_id", id, "stage", stage, "reason", reason)
		}
	}
}
