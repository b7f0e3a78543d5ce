package domain

import (
	"path/filepath"
	"strings"
	"time"
)

type FileType string

const (
	FileTypePDF  FileType = "PDF"
	FileTypePNG  FileType = "PNG"
	FileTypeJPG  FileType = "JPG"
	FileTypeJPEG FileType = "JPEG"
	FileTypeGIF  FileType = "GIF"
	FileTypeTIFF FileType = "TIFF"
	FileTypeBMP  FileType = "BMP"
	FileTypeTXT  FileType = "TXT"
	FileTypeXLSX FileType = "XLSX"
)

// FileTypeOf derives the upper-cased extension tag from a filename.
func FileTypeOf(filename string) FileType {
	ext := strings.TrimPrefix(filepath.Ext(strings.TrimSpace(filename)), ".")
	return FileType(strings.ToUpper(ext))
}

type Document struct {
	ID               int64            `json:"id"`
	Filename         string           `json:"filename"`
	Author           string           `json:"author"`
	FileType         FileType         `json:"fileType"`
	SizeBytes        int64            `json:"sizeBytes"`
	ObjectKey        string           `json:"objectKey"`
	ContentType      string           `json:"contentType,omitempty"`
	Status           ProcessingStatus `json:"processingStatus"`
	FailedStage      Stage            `json:"failedStage,omitempty"`
	FailureReason    string           `json:"failureReason,omitempty"`
	ExtractedText    string           `json:"extractedText,omitempty"`
	ExtractionEngine string           `json:"extractionEngine,omitempty"`
	Summary          string           `json:"summary,omitempty"`
	UploadTime       time.Time        `json:"uploadTime"`
	LastModified     time.Time        `json:"lastModified"`
	Version          int64            `json:"version"`
}

// DedupKey is the (filename, author) pair that identifies a resubmission.
type DedupKey struct {
	Filename string
	Author   string
}

func (d Document) DedupKey() DedupKey {
	return DedupKey{Filename: d.Filename, Author: d.Author}
}

// ListFilter pages through documents ordered by id.
type ListFilter struct {
	Author   string
	FileType FileType
	Status   ProcessingStatus
	AfterID  int64
	Limit    int
}

// MetadataPatch carries the provenance fields an explicit update may change.
type MetadataPatch struct {
	Filename *string `json:"filename,omitempty"`
	Author   *string `json:"author,omitempty"`
}

func (p MetadataPatch) Empty() bool {
	return p.Filename == nil && p.Author == nil
}
