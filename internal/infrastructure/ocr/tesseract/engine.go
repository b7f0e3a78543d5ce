// Package tesseract runs the tesseract CLI over image bytes.
package tesseract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
)

const EngineName = "Tesseract OCR"

type Options struct {
	// Binary defaults to "tesseract" looked up on PATH.
	Binary    string
	Languages string
}

// runner executes name with args, feeding stdin and returning stdout.
type runner func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

type Engine struct {
	binary    string
	languages string
	run       runner
}

func New(options Options) *Engine {
	binary := options.Binary
	if binary == "" {
		binary = "tesseract"
	}
	languages := options.Languages
	if languages == "" {
		languages = "eng+deu"
	}
	return &Engine{binary: binary, languages: languages, run: execRunner}
}

func (e *Engine) Engine() string { return EngineName }

func (e *Engine) Extract(ctx context.Context, in ports.ExtractInput) (string, error) {
	if len(in.Content) == 0 {
		return "", domain.Permanent("tesseract", fmt.Errorf("document %d has no image bytes", in.DocumentID))
	}
	out, err := e.run(ctx, in.Content, e.binary, "stdin", "stdout", "-l", e.languages)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("tesseract binary %q not installed: %w", e.binary, err)
		}
		return "", fmt.Errorf("tesseract %s: %w", in.Filename, err)
	}
	return normalize(string(out)), nil
}

// normalize drops the form feed tesseract emits per page and blank line runs.
func normalize(raw string) string {
	raw = strings.ReplaceAll(raw, "\f", "\n")
	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func execRunner(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}
