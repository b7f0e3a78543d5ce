// Package plaintext reads UTF-8 text files as-is.
package plaintext

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
)

const EngineName = "plain text"

type Extractor struct{}

func New() *Extractor { return &Extractor{} }

func (e *Extractor) Engine() string { return EngineName }

func (e *Extractor) Extract(_ context.Context, in ports.ExtractInput) (string, error) {
	raw := bytes.TrimPrefix(in.Content, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(raw) {
		return "", domain.Permanent("extract plain text", fmt.Errorf("%s is not valid UTF-8", in.Filename))
	}
	return strings.TrimSpace(strings.ReplaceAll(string(raw), "\r\n", "\n")), nil
}
