package ports

import (
	"context"
	"time"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
)

// DocumentRepository persists document metadata and processing state.
// Update is conditional on doc.Version and returns domain.ErrConflict when
// another writer advanced the row first.
type DocumentRepository interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id int64) (*domain.Document, error)
	ExistsByDedupKey(ctx context.Context, key domain.DedupKey) (bool, error)
	Update(ctx context.Context, doc *domain.Document) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, filter domain.ListFilter) ([]domain.Document, error)
	ListStale(ctx context.Context, statuses []domain.ProcessingStatus, olderThan time.Time, limit int) ([]domain.Document, error)
}

// ObjectStorage stores the original binaries. Download of a missing key
// returns domain.ErrObjectNotFound; Delete of a missing key is a no-op.
type ObjectStorage interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Location names the bucket or root the keys live in.
	Location() string
}

// Delivery is one at-least-once delivery of a queued message.
type Delivery interface {
	Body() []byte
	// Attempt is the 1-based delivery count reported by the fabric.
	Attempt() int
	Ack(ctx context.Context) error
	// Retry asks the fabric to redeliver the message after delay.
	Retry(ctx context.Context, delay time.Duration) error
}

type DeliveryHandler func(ctx context.Context, d Delivery)

// MessageFabric is a set of named durable queues with at-least-once delivery.
// Consume blocks until ctx is cancelled.
type MessageFabric interface {
	Publish(ctx context.Context, queue string, body []byte) error
	Consume(ctx context.Context, queue string, workers int, handler DeliveryHandler) error
	Close() error
}

// ExtractInput is what an extractor sees of a stored document.
type ExtractInput struct {
	DocumentID int64
	Filename   string
	FileType   domain.FileType
	Content    []byte
}

// TextExtractor turns a binary of a supported type into text.
type TextExtractor interface {
	Extract(ctx context.Context, in ExtractInput) (string, error)
	Engine() string
}

// TextCompleter calls a text-completion service.
type TextCompleter interface {
	Complete(ctx context.Context, systemPrompt, userText string) (string, error)
}

// SearchIndex keeps the documentId-keyed search projection.
type SearchIndex interface {
	Upsert(ctx context.Context, doc domain.IndexDocument) error
	PartialUpdate(ctx context.Context, id int64, patch domain.IndexPatch) error
	Delete(ctx context.Context, id int64) error
	Search(ctx context.Context, query domain.SearchQuery) (*domain.SearchResult, error)
}

// DedupGuard serializes concurrent ingestion of the same dedup key.
type DedupGuard interface {
	Acquire(ctx context.Context, key domain.DedupKey) (release func(context.Context), err error)
}

// PipelineObserver receives stage outcomes for metrics.
type PipelineObserver interface {
	ObserveDelivery(stage domain.Stage, outcome string, attempt int, duration time.Duration)
	ObservePublishFailure(queue string)
	ObserveRedrive(status domain.ProcessingStatus)
}
