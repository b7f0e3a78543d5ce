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

type RecoveryConfig struct {
	PageSize   int
	StaleAfter time.Duration
	Interval   time.Duration
	// Bucket is reported in re-driven extraction results.
	Bucket string
}

// RecoveryUseCase implements reindex-all and the reconciliation sweep.
type RecoveryUseCase struct {
	repo      ports.DocumentRepository
	publisher *pipeline.Publisher
	observer  ports.PipelineObserver
	cfg       RecoveryConfig
	now       clock
}

func NewRecoveryUseCase(
	repo ports.DocumentRepository,
	publisher *pipeline.Publisher,
	observer ports.PipelineObserver,
	cfg RecoveryConfig,
) *RecoveryUseCase {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &RecoveryUseCase{
		repo:      repo,
		publisher: publisher,
		observer:  observer,
		cfg:       cfg,
		now:       utcNow,
	}
}

// ReindexAll publishes one indexing message per known document.
func (uc *RecoveryUseCase) ReindexAll(ctx context.Context) (ports.ReindexReport, error) {
	var report ports.ReindexReport
	filter := domain.ListFilter{Limit: uc.cfg.PageSize}
	for {
		docs, err := uc.repo.List(ctx, filter)
		if err != nil {
			return report, fmt.Errorf("list documents after id %d: %w", filter.AfterID, err)
		}
		for _, doc := range docs {
			report.TotalDocuments++
			if err := uc.publisher.PublishIndex(ctx, domain.NewIndexUpsert(doc, uc.now())); err != nil {
				report.FailureCount++
				continue
			}
			report.SuccessCount++
		}
		if len(docs) < filter.Limit {
			break
		}
		filter.AfterID = docs[len(docs)-1].ID
	}

	report.Message = fmt.Sprintf("queued %d of %d documents for indexing", report.SuccessCount, report.TotalDocuments)
	slog.Info("reindex_all_finished",
		"total", report.TotalDocuments,
		"success", report.SuccessCount,
		"failures", report.FailureCount,
	)
	return report, nil
}

// Reconcile re-drives documents that have not advanced for StaleAfter by
// re-publishing the message that feeds their next stage.
func (uc *RecoveryUseCase) Reconcile(ctx context.Context) (ports.ReconcileReport, error) {
	var report ports.ReconcileReport
	cutoff := uc.now().Add(-uc.cfg.StaleAfter)
	statuses := []domain.ProcessingStatus{domain.StatusIngested, domain.StatusExtracted, domain.StatusSummarized}

	docs, err := uc.repo.ListStale(ctx, statuses, cutoff, uc.cfg.PageSize)
	if err != nil {
		return report, fmt.Errorf("list stale documents: %w", err)
	}
	for _, doc := range docs {
		report.Scanned++
		if err := uc.redrive(ctx, doc); err != nil {
			report.Failures++
			slog.Warn("redrive_failed", "document_id", doc.ID, "status", doc.Status, "error", err)
			continue
		}
		report.Redriven++
		if uc.observer != nil {
			uc.observer.ObserveRedrive(doc.Status)
		}
	}
	if report.Scanned > 0 {
		slog.Info("reconcile_finished", "scanned", report.Scanned, "redriven", report.Redriven, "failures", report.Failures)
	}
	return report, nil
}

func (uc *RecoveryUseCase) redrive(ctx context.Context, doc domain.Document) error {
	switch doc.Status {
	case domain.StatusIngested:
		return uc.publisher.PublishExtraction(ctx, domain.NewExtractionRequest(doc))
	case domain.StatusExtracted:
		return uc.publisher.PublishExtractionResult(ctx, domain.ExtractionResult{
			DocumentID:    doc.ID,
			ObjectKey:     doc.ObjectKey,
			BucketName:    uc.cfg.Bucket,
			ExtractedText: doc.ExtractedText,
			ProcessedAt:   doc.LastModified,
			Engine:        doc.ExtractionEngine,
		})
	case domain.StatusSummarized:
		return uc.publisher.PublishIndex(ctx, domain.NewIndexUpsert(doc, uc.now()))
	}
	return nil
}

// RunSweeper calls Reconcile every Interval until ctx ends.
func (uc *RecoveryUseCase) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(uc.cfg.Interval)
	defer ticker.Stop()

	slog.Info("reconcile_sweeper_started", "interval", uc.cfg.Interval.String(), "stale_after", uc.cfg.StaleAfter.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := uc.Reconcile(ctx); err != nil && ctx.Err() == nil {
				slog.Error("reconcile_failed", "error", err)
			}
		}
	}
}
