// Package spreadsheet extracts cell text from xlsx workbooks.
package spreadsheet

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
)

const EngineName = "excelize"

type Extractor struct{}

func New() *Extractor { return &Extractor{} }

func (e *Extractor) Engine() string { return EngineName }

// Extract renders each sheet as a "Sheet: <name>" heading followed by its
// non-empty rows, cells separated by tabs.
func (e *Extractor) Extract(_ context.Context, in ports.ExtractInput) (string, error) {
	book, err := excelize.OpenReader(bytes.NewReader(in.Content))
	if err != nil {
		return "", domain.Permanent("open workbook", fmt.Errorf("%s: %w", in.Filename, err))
	}
	defer func() {
		_ = book.Close()
	}()

	var out strings.Builder
	for _, sheet := range book.GetSheetList() {
		rows, err := book.GetRows(sheet)
		if err != nil {
			return "", domain.Permanent("read sheet", fmt.Errorf("%s/%s: %w", in.Filename, sheet, err))
		}
		if out.Len() > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString("Sheet: ")
		out.WriteString(sheet)
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, "\t"))
			if line == "" {
				continue
			}
			out.WriteByte('\n')
			out.WriteString(line)
		}
	}
	return out.String(), nil
}
