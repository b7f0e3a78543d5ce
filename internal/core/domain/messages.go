package domain

import (
	"fmt"
	"strings"
	"time"
)

// ExtractionRequest is published by ingestion and consumed by extraction.
type ExtractionRequest struct {
	DocumentID int64     `json:"documentId"`
	Filename   string    `json:"filename"`
	Author     string    `json:"author"`
	FileType   FileType  `json:"fileType"`
	SizeBytes  int64     `json:"sizeBytes"`
	UploadTime time.Time `json:"uploadTime"`
	ObjectKey  string    `json:"objectKey"`
}

func NewExtractionRequest(doc Document) ExtractionRequest {
	return ExtractionRequest{
		DocumentID: doc.ID,
		Filename:   doc.Filename,
		Author:     doc.Author,
		FileType:   doc.FileType,
		SizeBytes:  doc.SizeBytes,
		UploadTime: doc.UploadTime,
		ObjectKey:  doc.ObjectKey,
	}
}

func (m ExtractionRequest) Validate() error {
	return requireRef(m.DocumentID, m.ObjectKey)
}

// ExtractionResult is published by extraction and consumed by summarization.
type ExtractionResult struct {
	DocumentID    int64     `json:"documentId"`
	ObjectKey     string    `json:"objectKey"`
	BucketName    string    `json:"bucketName"`
	ExtractedText string    `json:"extractedText"`
	ProcessedAt   time.Time `json:"processedAt"`
	Engine        string    `json:"engine"`
}

func (m ExtractionResult) Validate() error {
	return requireRef(m.DocumentID, m.ObjectKey)
}

// SummaryResult is published by summarization and consumed by consolidation.
type SummaryResult struct {
	DocumentID    int64     `json:"documentId"`
	ObjectKey     string    `json:"objectKey"`
	ExtractedText string    `json:"extractedText"`
	Summary       string    `json:"summary"`
	ProcessedAt   time.Time `json:"processedAt"`
}

func (m SummaryResult) Validate() error {
	if err := requireRef(m.DocumentID, m.ObjectKey); err != nil {
		return err
	}
	if strings.TrimSpace(m.Summary) == "" {
		return fmt.Errorf("%w: summary is required", ErrInvalidInput)
	}
	return nil
}

type IndexEventType string

const (
	IndexEventUpsert IndexEventType = ""
	IndexEventUpdate IndexEventType = "UPDATE"
	IndexEventDelete IndexEventType = "DELETE"
)

// IndexRequest is consumed by indexing. Without an event type it carries the
// full projection for an upsert; UPDATE carries only the changed fields.
type IndexRequest struct {
	EventType     IndexEventType   `json:"eventType,omitempty"`
	DocumentID    int64            `json:"documentId"`
	Filename      *string          `json:"filename,omitempty"`
	Author        *string          `json:"author,omitempty"`
	FileType      FileType         `json:"fileType,omitempty"`
	SizeBytes     int64            `json:"sizeBytes,omitempty"`
	ObjectKey     string           `json:"objectKey,omitempty"`
	UploadTime    *time.Time       `json:"uploadTime,omitempty"`
	ExtractedText *string          `json:"extractedText,omitempty"`
	Summary       *string          `json:"summary,omitempty"`
	Status        ProcessingStatus `json:"processingStatus,omitempty"`
	ProcessedTime time.Time        `json:"processedTime"`
}

func NewIndexUpsert(doc Document, at time.Time) IndexRequest {
	req := IndexRequest{
		DocumentID:    doc.ID,
		Filename:      ptr(doc.Filename),
		Author:        ptr(doc.Author),
		FileType:      doc.FileType,
		SizeBytes:     doc.SizeBytes,
		ObjectKey:     doc.ObjectKey,
		UploadTime:    ptr(doc.UploadTime),
		Status:        doc.Status,
		ProcessedTime: at,
	}
	if doc.ExtractedText != "" {
		req.ExtractedText = ptr(doc.ExtractedText)
	}
	if doc.Summary != "" {
		req.Summary = ptr(doc.Summary)
	}
	return req
}

func NewIndexDelete(id int64, at time.Time) IndexRequest {
	return IndexRequest{EventType: IndexEventDelete, DocumentID: id, ProcessedTime: at}
}

func (m IndexRequest) Validate() error {
	if m.DocumentID <= 0 {
		return fmt.Errorf("%w: documentId must be positive", ErrInvalidInput)
	}
	switch m.EventType {
	case IndexEventUpsert:
		if m.ObjectKey == "" || m.Filename == nil || m.Author == nil {
			return fmt.Errorf("%w: upsert requires objectKey, filename and author", ErrInvalidInput)
		}
	case IndexEventUpdate, IndexEventDelete:
	default:
		return fmt.Errorf("%w: unknown eventType %q", ErrInvalidInput, m.EventType)
	}
	return nil
}

// DeadLetter wraps a message that exhausted its delivery attempts.
type DeadLetter struct {
	Queue    string    `json:"queue"`
	Stage    Stage     `json:"stage"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
	Payload  []byte    `json:"payload"`
}

func requireRef(id int64, objectKey string) error {
	if id <= 0 {
		return fmt.Errorf("%w: documentId must be positive", ErrInvalidInput)
	}
	if strings.TrimSpace(objectKey) == "" {
		return fmt.Errorf("%w: objectKey is required", ErrInvalidInput)
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
