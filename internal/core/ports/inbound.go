package ports

import (
	"context"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
)

type UploadRequest struct {
	Filename    string
	Author      string
	ContentType string
	Content     []byte
}

// DocumentIngestor is the inbound contract shared by every ingestion producer.
type DocumentIngestor interface {
	Upload(ctx context.Context, req UploadRequest) (*domain.Document, error)
}

// DocumentReader is the inbound read model for document metadata/state.
type DocumentReader interface {
	GetByID(ctx context.Context, id int64) (*domain.Document, error)
	List(ctx context.Context, filter domain.ListFilter) ([]domain.Document, error)
	Content(ctx context.Context, id int64) (*domain.Document, []byte, error)
}

// DocumentManager covers explicit metadata mutation and deletion.
type DocumentManager interface {
	UpdateMetadata(ctx context.Context, id int64, patch domain.MetadataPatch) (*domain.Document, error)
	Delete(ctx context.Context, id int64) error
}

type DocumentSearcher interface {
	Search(ctx context.Context, query domain.SearchQuery) (*domain.SearchResult, error)
}

type ReindexReport struct {
	TotalDocuments int    `json:"totalDocuments"`
	SuccessCount   int    `json:"successCount"`
	FailureCount   int    `json:"failureCount"`
	Message        string `json:"message"`
}

type ReconcileReport struct {
	Scanned  int `json:"scanned"`
	Redriven int `json:"redriven"`
	Failures int `json:"failures"`
}

// PipelineAdmin exposes the recovery operations.
type PipelineAdmin interface {
	ReindexAll(ctx context.Context) (ReindexReport, error)
	Reconcile(ctx context.Context) (ReconcileReport, error)
}
