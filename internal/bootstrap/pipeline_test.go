package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/paperless-pipeline/internal/config"
	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/pipeline"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
	memqueue "github.com/kirillkom/paperless-pipeline/internal/infrastructure/queue/memory"
	memrepo "github.com/kirillkom/paperless-pipeline/internal/infrastructure/repository/memory"
	memsearch "github.com/kirillkom/paperless-pipeline/internal/infrastructure/search/memory"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/storage/localfs"
)

const contractText = "This service contract between ACME and Example Corp renews every year."

type ocrFake struct{}

func (ocrFake) Engine() string { return "fake-ocr" }

func (ocrFake) Extract(_ context.Context, in ports.ExtractInput) (string, error) {
	if strings.HasPrefix(in.Filename, "broken") {
		return "", domain.Permanent("extract", errors.New("corrupt file"))
	}
	return contractText, nil
}

type completerFake struct {
	calls atomic.Int32
	err   error
}

func (c *completerFake) Complete(context.Context, string, string) (string, error) {
	c.calls.Add(1)
	if c.err != nil {
		return "", c.err
	}
	return "Annual service contract between ACME and Example Corp.", nil
}

type harness struct {
	app     *App
	repo    *memrepo.DocumentRepository
	handler http.Handler
}

func startPipeline(t *testing.T, completer ports.TextCompleter) *harness {
	t.Helper()
	storage, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New() error = %v", err)
	}
	fabric := memqueue.New()
	repo := memrepo.NewDocumentRepository()
	cfg := config.Config{
		Queues:          pipeline.DefaultQueues(),
		StageWorkers:    2,
		MaxAttempts:     3,
		RetryBaseDelay:  10 * time.Millisecond,
		RetryMaxDelay:   50 * time.Millisecond,
		HandlerTimeout:  5 * time.Second,
		MaxUploadBytes:  1 << 20,
		ReindexPageSize: 10,
	}
	app := Assemble(cfg, "test", Deps{
		Fabric:     fabric,
		Repo:       repo,
		Storage:    storage,
		Index:      memsearch.New(),
		Completer:  completer,
		Extractors: map[domain.FileType]ports.TextExtractor{domain.FileTypePDF: ocrFake{}},
		Closers:    []func() error{fabric.Close},
	})
	handler, err := app.HTTPHandler()
	if err != nil {
		t.Fatalf("HTTPHandler() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- app.RunStages(ctx, []domain.Stage{
			domain.StageExtraction, domain.StageSummarization, domain.StageConsolidation, domain.StageIndexing,
		})
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("RunStages() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("stages did not stop")
		}
		app.Close()
	})
	return &harness{app: app, repo: repo, handler: handler}
}

func (h *harness) upload(t *testing.T, filename, author string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	_, _ = part.Write(content)
	_ = writer.WriteField("author", author)
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/documents", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	res := httptest.NewRecorder()
	h.handler.ServeHTTP(res, req)
	return res
}

func (h *harness) uploadOK(t *testing.T, filename, author string, content []byte) domain.Document {
	t.Helper()
	res := h.upload(t, filename, author, content)
	if res.Code != http.StatusAccepted {
		t.Fatalf("upload %s: expected 202, got %d: %s", filename, res.Code, res.Body.String())
	}
	var doc domain.Document
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if doc.Status != domain.StatusIngested {
		t.Fatalf("upload status = %s, want INGESTED", doc.Status)
	}
	return doc
}

func (h *harness) waitForStatus(t *testing.T, id int64, want domain.ProcessingStatus) *domain.Document {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		doc, err := h.repo.GetByID(context.Background(), id)
		if err == nil && doc.Status == want {
			return doc
		}
		if time.Now().After(deadline) {
			t.Fatalf("document %d did not reach %s (last: %+v, err: %v)", id, want, doc, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (h *harness) search(t *testing.T, query string) domain.SearchResult {
	t.Helper()
	res := httptest.NewRecorder()
	h.handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/search?"+query, nil))
	if res.Code != http.StatusOK {
		t.Fatalf("search: expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var result domain.SearchResult
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		t.Fatalf("decode search response: %v", err)
	}
	return result
}

func TestPipelineIndexesUploadedPDF(t *testing.T) {
	completer := &completerFake{}
	h := startPipeline(t, completer)

	uploaded := h.uploadOK(t, "contract.pdf", "john@x.com", []byte("%PDF-1.7 fake"))
	doc := h.waitForStatus(t, uploaded.ID, domain.StatusIndexed)

	if doc.ExtractedText != contractText || doc.ExtractionEngine != "fake-ocr" {
		t.Fatalf("unexpected extraction: %+v", doc)
	}
	if doc.Summary != "Annual service contract between ACME and Example Corp." {
		t.Fatalf("unexpected summary: %q", doc.Summary)
	}
	if doc.LastModified.Before(doc.UploadTime) {
		t.Fatalf("lastModified %s before upload %s", doc.LastModified, doc.UploadTime)
	}

	result := h.search(t, "q=contract")
	if result.TotalHits != 1 || len(result.Results) != 1 {
		t.Fatalf("unexpected search result: %+v", result)
	}
	hit := result.Results[0]
	if hit.Score == nil || *hit.Score <= 0 {
		t.Fatal("search hit must carry a score")
	}
	if hit.Document.ID != uploaded.ID || hit.Document.Status != domain.StatusIndexed {
		t.Fatalf("unexpected hit: %+v", hit.Document)
	}

	if res := h.upload(t, "contract.pdf", "john@x.com", []byte("%PDF-1.7 again")); res.Code != http.StatusConflict {
		t.Fatalf("duplicate upload: expected 409, got %d", res.Code)
	}
	if completer.calls.Load() != 1 {
		t.Fatalf("completion calls = %d, want 1", completer.calls.Load())
	}
}

func TestPipelineUsesPlaceholderForUnsupportedType(t *testing.T) {
	h := startPipeline(t, &completerFake{})

	uploaded := h.uploadOK(t, "notes.txt", "jane@x.com", []byte("shopping list"))
	doc := h.waitForStatus(t, uploaded.ID, domain.StatusIndexed)

	if doc.ExtractedText != "OCR not supported for file type: TXT" || doc.ExtractionEngine != "unsupported" {
		t.Fatalf("unexpected placeholder extraction: %+v", doc)
	}
}

func TestPipelineFallsBackWhenCompletionFails(t *testing.T) {
	h := startPipeline(t, &completerFake{err: domain.WrapError(domain.ErrTemporary, "complete", errors.New("503"))})

	uploaded := h.uploadOK(t, "contract.pdf", "john@x.com", []byte("%PDF-1.7"))
	doc := h.waitForStatus(t, uploaded.ID, domain.StatusIndexed)

	if !strings.HasPrefix(doc.Summary, "Document Summary (Generated without AI)") {
		t.Fatalf("expected placeholder summary, got %q", doc.Summary)
	}
	if !strings.Contains(doc.Summary, fmt.Sprintf("Text Length: %d characters", len([]rune(contractText)))) {
		t.Fatalf("placeholder misses statistics: %q", doc.Summary)
	}
}

func TestPipelineWithoutCompleterUsesPlaceholder(t *testing.T) {
	h := startPipeline(t, nil)

	uploaded := h.uploadOK(t, "contract.pdf", "john@x.com", []byte("%PDF-1.7"))
	doc := h.waitForStatus(t, uploaded.ID, domain.StatusIndexed)
	if !strings.HasPrefix(doc.Summary, "Document Summary (Generated without AI)") {
		t.Fatalf("expected placeholder summary, got %q", doc.Summary)
	}
}

func TestPipelineMarksPermanentExtractionFailure(t *testing.T) {
	h := startPipeline(t, &completerFake{})

	uploaded := h.uploadOK(t, "broken.pdf", "john@x.com", []byte("%PDF"))
	doc := h.waitForStatus(t, uploaded.ID, domain.StatusFailed)

	if doc.FailedStage != domain.StageExtraction || !strings.Contains(doc.FailureReason, "corrupt file") {
		t.Fatalf("unexpected failure: stage=%s reason=%q", doc.FailedStage, doc.FailureReason)
	}
}

func TestDeleteRemovesDocumentEverywhere(t *testing.T) {
	h := startPipeline(t, &completerFake{})

	uploaded := h.uploadOK(t, "contract.pdf", "john@x.com", []byte("%PDF-1.7"))
	h.waitForStatus(t, uploaded.ID, domain.StatusIndexed)

	res := httptest.NewRecorder()
	h.handler.ServeHTTP(res, httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/v1/documents/%d", uploaded.ID), nil))
	if res.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	h.handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/v1/documents/%d", uploaded.ID), nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", res.Code)
	}

	deadline := time.Now().Add(5 * time.Second)
	for h.search(t, "q=contract").TotalHits != 0 {
		if time.Now().After(deadline) {
			t.Fatal("index entry still present after delete")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if res := h.upload(t, "contract.pdf", "john@x.com", []byte("%PDF-1.7")); res.Code != http.StatusAccepted {
		t.Fatalf("re-upload after delete: expected 202, got %d", res.Code)
	}
}

func TestReindexAllRepublishesEveryDocument(t *testing.T) {
	h := startPipeline(t, &completerFake{})

	a := h.uploadOK(t, "a.pdf", "john@x.com", []byte("%PDF"))
	b := h.uploadOK(t, "b.pdf", "john@x.com", []byte("%PDF"))
	h.waitForStatus(t, a.ID, domain.StatusIndexed)
	h.waitForStatus(t, b.ID, domain.StatusIndexed)

	report, err := h.app.Recovery.ReindexAll(context.Background())
	if err != nil {
		t.Fatalf("ReindexAll() error = %v", err)
	}
	if report.TotalDocuments != 2 || report.SuccessCount != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
}
