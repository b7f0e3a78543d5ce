package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/pipeline"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
)

const (
	DefaultSummaryPrompt = "You are a document summarization assistant. Create a concise, informative summary of the provided document text. " +
		"Focus on the main topics, key points, and important information. Keep the summary under 200 words."
	summaryRequestPrefix = "Summarize this document:\n\n"
)

type SummarizationConfig struct {
	SystemPrompt      string
	MaxInputRunes     int
	PreviewRunes      int
	CompletionTimeout time.Duration
}

// SummarizationStage asks the completion service for a summary and never
// stalls: any failure degrades to a locally computed placeholder.
type SummarizationStage struct {
	repo      ports.DocumentRepository
	completer ports.TextCompleter
	publisher *pipeline.Publisher
	cfg       SummarizationConfig
	now       clock
}

func NewSummarizationStage(
	repo ports.DocumentRepository,
	completer ports.TextCompleter,
	publisher *pipeline.Publisher,
	cfg SummarizationConfig,
) *SummarizationStage {
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSummaryPrompt
	}
	if cfg.MaxInputRunes <= 0 {
		cfg.MaxInputRunes = 3000
	}
	if cfg.PreviewRunes <= 0 {
		cfg.PreviewRunes = 150
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = 60 * time.Second
	}
	return &SummarizationStage{
		repo:      repo,
		completer: completer,
		publisher: publisher,
		cfg:       cfg,
		now:       utcNow,
	}
}

func (s *SummarizationStage) Summarize(ctx context.Context, msg domain.ExtractionResult) error {
	doc, err := s.repo.GetByID(ctx, msg.DocumentID)
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			slog.Warn("summarization_document_missing", "document_id", msg.DocumentID)
			return nil
		}
		return fmt.Errorf("load document: %w", err)
	}

	summary := doc.Summary
	if !doc.Reached(domain.StatusSummarized) || strings.TrimSpace(summary) == "" {
		summary = s.summarize(ctx, msg.DocumentID, msg.ExtractedText)
	}

	return s.publisher.PublishSummary(ctx, domain.SummaryResult{
		DocumentID:    msg.DocumentID,
		ObjectKey:     msg.ObjectKey,
		ExtractedText: msg.ExtractedText,
		Summary:       summary,
		ProcessedAt:   s.now(),
	})
}

func (s *SummarizationStage) summarize(ctx context.Context, documentID int64, text string) string {
	if s.completer == nil {
		return PlaceholderSummary(text, s.cfg.PreviewRunes)
	}

	input := text
	if truncated := truncateRunes(text, s.cfg.MaxInputRunes); truncated != text {
		input = truncated + "..."
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CompletionTimeout)
	defer cancel()
	answer, err := s.completer.Complete(callCtx, s.cfg.SystemPrompt, summaryRequestPrefix+input)
	answer = strings.TrimSpace(answer)
	if err != nil || answer == "" {
		slog.Warn("summary_fallback",
			"document_id", documentID,
			"error", err,
		)
		return PlaceholderSummary(text, s.cfg.PreviewRunes)
	}
	return answer
}

// PlaceholderSummary is the deterministic summary used when no completion is available.
func PlaceholderSummary(text string, previewRunes int) string {
	preview := truncateRunes(text, previewRunes)
	if preview != text {
		preview += "..."
	}
	return fmt.Sprintf(
		"Document Summary (Generated without AI)\n\nStatistics:\n- Text Length: %d characters\n- Estimated Words: %d\n\nPreview:\n%s",
		len([]rune(text)),
		len(strings.Fields(text)),
		preview,
	)
}
