package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
)

type ingestFake struct {
	got ports.UploadRequest
	err error
}

func (f *ingestFake) Upload(_ context.Context, req ports.UploadRequest) (*domain.Document, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Document{
		ID:        1,
		Filename:  req.Filename,
		Author:    req.Author,
		FileType:  domain.FileTypeOf(req.Filename),
		SizeBytes: int64(len(req.Content)),
		Status:    domain.StatusIngested,
	}, nil
}

type docsFake struct {
	doc        *domain.Document
	content    []byte
	err        error
	lastFilter domain.ListFilter
	patched    domain.MetadataPatch
	deleted    int64
}

func (f *docsFake) GetByID(_ context.Context, id int64) (*domain.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	doc := *f.doc
	doc.ID = id
	return &doc, nil
}

func (f *docsFake) List(_ context.Context, filter domain.ListFilter) ([]domain.Document, error) {
	f.lastFilter = filter
	return []domain.Document{*f.doc}, nil
}

func (f *docsFake) Content(ctx context.Context, id int64) (*domain.Document, []byte, error) {
	doc, err := f.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return doc, f.content, nil
}

func (f *docsFake) UpdateMetadata(_ context.Context, _ int64, patch domain.MetadataPatch) (*domain.Document, error) {
	f.patched = patch
	if f.err != nil {
		return nil, f.err
	}
	return f.doc, nil
}

func (f *docsFake) Delete(_ context.Context, id int64) error {
	f.deleted = id
	return f.err
}

type searchFake struct {
	got domain.SearchQuery
}

func (f *searchFake) Search(_ context.Context, query domain.SearchQuery) (*domain.SearchResult, error) {
	f.got = query
	score := 1.5
	return &domain.SearchResult{
		Results:   []domain.SearchHit{{Document: domain.IndexDocument{ID: 1, Filename: "contract.pdf"}, Score: &score}},
		TotalHits: 1,
		Page:      query.Page,
		Size:      10,
	}, nil
}

type adminFake struct {
	reindexed bool
}

func (f *adminFake) ReindexAll(context.Context) (ports.ReindexReport, error) {
	f.reindexed = true
	return ports.ReindexReport{TotalDocuments: 3, SuccessCount: 3}, nil
}

func (f *adminFake) Reconcile(context.Context) (ports.ReconcileReport, error) {
	return ports.ReconcileReport{Scanned: 2, Redriven: 2}, nil
}

type routerDeps struct {
	ingest *ingestFake
	docs   *docsFake
	search *searchFake
	admin  *adminFake
}

func newTestRouter(t *testing.T, opts Options) (http.Handler, *routerDeps) {
	t.Helper()
	deps := &routerDeps{
		ingest: &ingestFake{},
		docs:   &docsFake{doc: &domain.Document{ID: 1, Filename: "contract.pdf", Author: "john@x.com", ContentType: "application/pdf"}, content: []byte("%PDF-1.7")},
		search: &searchFake{},
		admin:  &adminFake{},
	}
	rt, err := NewRouter(deps.ingest, deps.docs, deps.docs, deps.search, deps.admin, opts)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	return rt.Handler(), deps
}

func multipartUpload(t *testing.T, filename, author string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if author != "" {
		if err := writer.WriteField("author", author); err != nil {
			t.Fatalf("WriteField() error = %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return &body, writer.FormDataContentType()
}

func TestHealthzEndpoint(t *testing.T) {
	handler, _ := newTestRouter(t, Options{})
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if res.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected request id header")
	}
}

func TestUploadDocumentAccepted(t *testing.T) {
	handler, deps := newTestRouter(t, Options{})
	body, contentType := multipartUpload(t, "contract.pdf", "john@x.com", []byte("%PDF-1.7"))

	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.Code, res.Body.String())
	}
	if deps.ingest.got.Author != "john@x.com" || string(deps.ingest.got.Content) != "%PDF-1.7" {
		t.Fatalf("unexpected upload request: %+v", deps.ingest.got)
	}
	var doc map[string]any
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if doc["processingStatus"] != "INGESTED" || doc["fileType"] != "PDF" {
		t.Fatalf("unexpected response: %+v", doc)
	}
}

func TestUploadDocumentMapsDomainErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "duplicate", err: domain.WrapError(domain.ErrDuplicate, "upload", errors.New("exists")), want: http.StatusConflict},
		{name: "invalid", err: domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("bad ext")), want: http.StatusBadRequest},
		{name: "temporary", err: domain.WrapError(domain.ErrTemporary, "upload", errors.New("storage down")), want: http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler, deps := newTestRouter(t, Options{})
			deps.ingest.err = tc.err
			body, contentType := multipartUpload(t, "a.pdf", "a", []byte("x"))

			req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
			req.Header.Set("Content-Type", contentType)
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)

			if res.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, res.Code)
			}
		})
	}
}

func TestUploadDocumentMissingMultipartField(t *testing.T) {
	handler, _ := newTestRouter(t, Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/documents", bytes.NewBufferString("plain-text"))
	req.Header.Set("Content-Type", "text/plain")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestGetDocumentByIDReturns404ForNotFound(t *testing.T) {
	handler, deps := newTestRouter(t, Options{})
	deps.docs.err = domain.WrapError(domain.ErrDocumentNotFound, "get", errors.New("id 9"))

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/documents/9", nil))

	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestGetDocumentRejectsNonNumericID(t *testing.T) {
	handler, _ := newTestRouter(t, Options{})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/documents/abc", nil))

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestListDocumentsParsesFilters(t *testing.T) {
	handler, deps := newTestRouter(t, Options{})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/documents?author=john@x.com&fileType=pdf&status=indexed&afterId=10&limit=1", nil))

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	f := deps.docs.lastFilter
	if f.Author != "john@x.com" || f.FileType != domain.FileTypePDF || f.Status != domain.StatusIndexed || f.AfterID != 10 || f.Limit != 1 {
		t.Fatalf("unexpected filter: %+v", f)
	}
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["nextAfterId"] != float64(1) {
		t.Fatalf("expected next cursor, got %+v", body)
	}
}

func TestUpdateDocumentDecodesPatch(t *testing.T) {
	handler, deps := newTestRouter(t, Options{})

	req := httptest.NewRequest(http.MethodPatch, "/v1/documents/1", strings.NewReader(`{"author":"legal@x.com"}`))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if deps.docs.patched.Author == nil || *deps.docs.patched.Author != "legal@x.com" || deps.docs.patched.Filename != nil {
		t.Fatalf("unexpected patch: %+v", deps.docs.patched)
	}

	req = httptest.NewRequest(http.MethodPatch, "/v1/documents/1", strings.NewReader(`{"status":"INDEXED"}`))
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("unknown fields must be rejected, got %d", res.Code)
	}
}

func TestDeleteDocumentReturns204(t *testing.T) {
	handler, deps := newTestRouter(t, Options{})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodDelete, "/v1/documents/42", nil))

	if res.Code != http.StatusNoContent || deps.docs.deleted != 42 {
		t.Fatalf("expected 204 for id 42, got %d (deleted %d)", res.Code, deps.docs.deleted)
	}
}

func TestDownloadDocumentStreamsContent(t *testing.T) {
	handler, _ := newTestRouter(t, Options{})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/documents/1/content", nil))

	if res.Code != http.StatusOK || res.Body.String() != "%PDF-1.7" {
		t.Fatalf("unexpected download: %d %q", res.Code, res.Body.String())
	}
	if res.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("content type = %q", res.Header().Get("Content-Type"))
	}
	if !strings.Contains(res.Header().Get("Content-Disposition"), `"contract.pdf"`) {
		t.Fatalf("content disposition = %q", res.Header().Get("Content-Disposition"))
	}
}

func TestSearchPassesQuery(t *testing.T) {
	handler, deps := newTestRouter(t, Options{})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/search?q=contract&field=summary&author=john@x.com&fileType=PDF&page=2&size=5", nil))

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	q := deps.search.got
	if q.Text != "contract" || q.Field != domain.SearchFieldSummary || q.Page != 2 || q.Size != 5 || q.FileType != domain.FileTypePDF {
		t.Fatalf("unexpected query: %+v", q)
	}
	var result domain.SearchResult
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Results) != 1 || result.Results[0].Score == nil {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestAdminEndpointsRequireBearerWhenConfigured(t *testing.T) {
	handler, deps := newTestRouter(t, Options{AdminAPIKey: "s3cret"})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/admin/reindex", nil))
	if res.Code != http.StatusUnauthorized || deps.admin.reindexed {
		t.Fatalf("expected 401 without token, got %d", res.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/reindex", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK || !deps.admin.reindexed {
		t.Fatalf("expected 200 with token, got %d", res.Code)
	}

	var report ports.ReindexReport
	if err := json.NewDecoder(res.Body).Decode(&report); err != nil || report.TotalDocuments != 3 {
		t.Fatalf("unexpected report: %+v, %v", report, err)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	handler, _ := newTestRouter(t, Options{})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPut, "/v1/documents/1", nil))
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}

func TestOpenAPIDocumentMatchesRoutes(t *testing.T) {
	doc, err := parseOpenAPI()
	if err != nil {
		t.Fatalf("parseOpenAPI() error = %v", err)
	}
	handler, _ := newTestRouter(t, Options{})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	if res.Code != http.StatusOK || !json.Valid(res.Body.Bytes()) {
		t.Fatalf("unexpected /openapi.json response: %d", res.Code)
	}

	rt, err := NewRouter(nil, nil, nil, nil, nil, Options{})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	mux := rt.routes()
	for path, item := range doc.Paths.Map() {
		concrete := strings.ReplaceAll(path, "{id}", "1")
		for method := range item.Operations() {
			req := httptest.NewRequest(method, concrete, nil)
			if _, pattern := mux.Handler(req); pattern == "" {
				t.Errorf("%s %s is documented but not routed", method, path)
			}
		}
	}
}
