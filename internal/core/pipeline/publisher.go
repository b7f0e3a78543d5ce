package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
)

// Publisher sends typed stage messages to their configured queues.
type Publisher struct {
	fabric   ports.MessageFabric
	queues   Queues
	observer ports.PipelineObserver
}

func NewPublisher(fabric ports.MessageFabric, queues Queues, observer ports.PipelineObserver) *Publisher {
	return &Publisher{fabric: fabric, queues: queues, observer: observer}
}

func (p *Publisher) Queues() Queues {
	return p.queues
}

func (p *Publisher) PublishExtraction(ctx context.Context, msg domain.ExtractionRequest) error {
	return p.publish(ctx, p.queues.Extraction, msg.DocumentID, msg)
}

func (p *Publisher) PublishExtractionResult(ctx context.Context, msg domain.ExtractionResult) error {
	return p.publish(ctx, p.queues.Summarization, msg.DocumentID, msg)
}

func (p *Publisher) PublishSummary(ctx context.Context, msg domain.SummaryResult) error {
	return p.publish(ctx, p.queues.Consolidation, msg.DocumentID, msg)
}

func (p *Publisher) PublishIndex(ctx context.Context, msg domain.IndexRequest) error {
	return p.publish(ctx, p.queues.Indexing, msg.DocumentID, msg)
}

func (p *Publisher) PublishDeadLetter(ctx context.Context, queue string, letter domain.DeadLetter) error {
	body, err := Encode(letter)
	if err != nil {
		return err
	}
	dlq := DeadLetterQueue(queue)
	if err := p.fabric.Publish(ctx, dlq, body); err != nil {
		p.publishFailed(dlq)
		return fmt.Errorf("publish dead letter to %s: %w", dlq, err)
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, queue string, documentID int64, msg any) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := p.fabric.Publish(ctx, queue, body); err != nil {
		p.publishFailed(queue)
		slog.Warn("pipeline_publish_failed", "queue", queue, "document_id", documentID, "error", err)
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	slog.Debug("pipeline_published", "queue", queue, "document_id", documentID)
	return nil
}

func (p *Publisher) publishFailed(queue string) {
	if p.observer != nil {
		p.observer.ObservePublishFailure(queue)
	}
}
