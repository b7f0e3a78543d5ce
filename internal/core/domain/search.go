package domain

import "time"

// IndexDocument is the search projection of a document, keyed by ID.
type IndexDocument struct {
	ID            int64            `json:"documentId"`
	Filename      string           `json:"filename"`
	Author        string           `json:"author"`
	FileType      FileType         `json:"fileType"`
	SizeBytes     int64            `json:"sizeBytes"`
	ObjectKey     string           `json:"objectKey"`
	UploadTime    time.Time        `json:"uploadTime"`
	ExtractedText string           `json:"extractedText,omitempty"`
	Summary       string           `json:"summary,omitempty"`
	Status        ProcessingStatus `json:"processingStatus"`
	ProcessedTime time.Time        `json:"processedTime"`
}

// IndexPatch lists the fields a partial update changes. Nil fields are left alone.
type IndexPatch struct {
	Filename *string          `json:"filename,omitempty"`
	Author   *string          `json:"author,omitempty"`
	Summary  *string          `json:"summary,omitempty"`
	Status   ProcessingStatus `json:"processingStatus,omitempty"`
}

func (p IndexPatch) Empty() bool {
	return p.Filename == nil && p.Author == nil && p.Summary == nil && p.Status == ""
}

func (m IndexRequest) Projection() IndexDocument {
	doc := IndexDocument{
		ID:            m.DocumentID,
		FileType:      m.FileType,
		SizeBytes:     m.SizeBytes,
		ObjectKey:     m.ObjectKey,
		Status:        m.Status,
		ProcessedTime: m.ProcessedTime,
	}
	if m.Filename != nil {
		doc.Filename = *m.Filename
	}
	if m.Author != nil {
		doc.Author = *m.Author
	}
	if m.UploadTime != nil {
		doc.UploadTime = *m.UploadTime
	}
	if m.ExtractedText != nil {
		doc.ExtractedText = *m.ExtractedText
	}
	if m.Summary != nil {
		doc.Summary = *m.Summary
	}
	return doc
}

func (m IndexRequest) Patch() IndexPatch {
	return IndexPatch{
		Filename: m.Filename,
		Author:   m.Author,
		Summary:  m.Summary,
		Status:   m.Status,
	}
}

type SearchField string

const (
	SearchFieldAll           SearchField = ""
	SearchFieldFilename      SearchField = "filename"
	SearchFieldAuthor        SearchField = "author"
	SearchFieldExtractedText SearchField = "extractedText"
	SearchFieldSummary       SearchField = "summary"
)

// SearchBoosts weights each field when the query spans all of them.
var SearchBoosts = map[SearchField]float64{
	SearchFieldFilename:      3,
	SearchFieldAuthor:        2,
	SearchFieldExtractedText: 2,
	SearchFieldSummary:       2,
}

type SearchQuery struct {
	Text     string
	Field    SearchField
	Author   string
	FileType FileType
	Page     int
	Size     int
}

type SearchHit struct {
	Document   IndexDocument       `json:"document"`
	Score      *float64            `json:"score"`
	Highlights map[string][]string `json:"highlights,omitempty"`
}

type SearchResult struct {
	Results      []SearchHit `json:"results"`
	TotalHits    int64       `json:"totalHits"`
	Page         int         `json:"page"`
	Size         int         `json:"size"`
	TotalPages   int         `json:"totalPages"`
	SearchTimeMs int64       `json:"searchTimeMs"`
}

// TotalPagesFor computes the page count for a result window.
func TotalPagesFor(total int64, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
