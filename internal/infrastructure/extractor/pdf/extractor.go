// Package pdf extracts text from PDF documents. The embedded text layer is
// read first; when a document carries too little text to be a born-digital
// PDF, its embedded page images are run through OCR instead.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	lpdf "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
)

const (
	engineText = "PDF text layer"
	engineOCR  = "PDF text layer + Tesseract OCR"
)

// Image types tesseract reads directly.
var ocrImageTypes = map[string]domain.FileType{
	"jpg":  domain.FileTypeJPG,
	"jpeg": domain.FileTypeJPEG,
	"png":  domain.FileTypePNG,
	"tif":  domain.FileTypeTIFF,
	"tiff": domain.FileTypeTIFF,
}

type Options struct {
	// MinTextRunes is the letter count below which a PDF is treated as scanned.
	MinTextRunes int
	// MaxImages bounds how many embedded images are sent to OCR.
	MaxImages int
}

type Extractor struct {
	ocr          ports.TextExtractor
	minTextRunes int
	maxImages    int
}

// New returns a PDF extractor. ocr may be nil, in which case scanned PDFs
// yield whatever the text layer holds.
func New(ocr ports.TextExtractor, options Options) *Extractor {
	if options.MinTextRunes <= 0 {
		options.MinTextRunes = 32
	}
	if options.MaxImages <= 0 {
		options.MaxImages = 50
	}
	return &Extractor{ocr: ocr, minTextRunes: options.MinTextRunes, maxImages: options.MaxImages}
}

func (e *Extractor) Engine() string {
	if e.ocr == nil {
		return engineText
	}
	return engineOCR
}

func (e *Extractor) Extract(ctx context.Context, in ports.ExtractInput) (string, error) {
	text, err := textLayer(in.Content)
	if err != nil {
		// Malformed files never parse on retry.
		return "", domain.Permanent("pdf text layer", fmt.Errorf("%s: %w", in.Filename, err))
	}
	if e.ocr == nil || letterCount(text) >= e.minTextRunes {
		return text, nil
	}

	scanned, err := e.ocrImages(ctx, in)
	if err != nil {
		return "", err
	}
	slog.Info("pdf_ocr_fallback", "document_id", in.DocumentID, "text_layer_runes", letterCount(text))
	return strings.TrimSpace(strings.Join([]string{text, scanned}, "\n\n")), nil
}

func textLayer(content []byte) (text string, err error) {
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()

	reader, err := lpdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read text layer: %w", err)
	}
	raw, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read text layer: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func (e *Extractor) ocrImages(ctx context.Context, in ports.ExtractInput) (string, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pages, err := api.ExtractImagesRaw(bytes.NewReader(in.Content), nil, conf)
	if err != nil {
		return "", domain.Permanent("pdf images", fmt.Errorf("%s: %w", in.Filename, err))
	}

	var images []model.Image
	for _, page := range pages {
		for _, img := range page {
			if _, ok := ocrImageTypes[strings.ToLower(img.FileType)]; ok {
				images = append(images, img)
			}
		}
	}
	sort.SliceStable(images, func(i, j int) bool {
		if images[i].PageNr != images[j].PageNr {
			return images[i].PageNr < images[j].PageNr
		}
		return images[i].ObjNr < images[j].ObjNr
	})
	if len(images) > e.maxImages {
		images = images[:e.maxImages]
	}

	parts := make([]string, 0, len(images))
	for _, img := range images {
		data, err := io.ReadAll(img)
		if err != nil {
			return "", fmt.Errorf("read image %s on page %d: %w", img.Name, img.PageNr, err)
		}
		text, err := e.ocr.Extract(ctx, ports.ExtractInput{
			DocumentID: in.DocumentID,
			Filename:   fmt.Sprintf("%s#page%d-%s", in.Filename, img.PageNr, img.Name),
			FileType:   ocrImageTypes[strings.ToLower(img.FileType)],
			Content:    data,
		})
		if err != nil {
			return "", fmt.Errorf("ocr page %d: %w", img.PageNr, err)
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
