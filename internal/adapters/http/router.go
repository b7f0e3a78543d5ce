package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
	"github.com/kirillkom/paperless-pipeline/internal/observability/metrics"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	multipartMemory  = 32 << 20
)

type Options struct {
	ServiceName    string
	AdminAPIKey    string
	MaxUploadBytes int64
	RateLimitRPS   float64
	RateLimitBurst int
	// MaxInFlight bounds concurrent requests; zero disables the gate.
	MaxInFlight int
	Metrics     *metrics.HTTPServerMetrics
}

type Router struct {
	ingestor ports.DocumentIngestor
	reader   ports.DocumentReader
	manager  ports.DocumentManager
	searcher ports.DocumentSearcher
	admin    ports.PipelineAdmin
	openAPI  []byte
	opts     Options
}

func NewRouter(
	ingestor ports.DocumentIngestor,
	reader ports.DocumentReader,
	manager ports.DocumentManager,
	searcher ports.DocumentSearcher,
	admin ports.PipelineAdmin,
	opts Options,
) (*Router, error) {
	spec, err := loadOpenAPI()
	if err != nil {
		return nil, err
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "api"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 50 << 20
	}
	return &Router{
		ingestor: ingestor,
		reader:   reader,
		manager:  manager,
		searcher: searcher,
		admin:    admin,
		openAPI:  spec,
		opts:     opts,
	}, nil
}

func (rt *Router) Handler() http.Handler {
	var handler http.Handler = rt.routes()
	handler = backpressureMiddleware(handler, rt.opts.MaxInFlight, 100*time.Millisecond)
	handler = rateLimitMiddleware(handler, rt.opts.RateLimitRPS, rt.opts.RateLimitBurst)
	if rt.opts.Metrics != nil {
		handler = rt.opts.Metrics.Middleware(rt.opts.ServiceName, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /openapi.json", rt.serveOpenAPI)
	if rt.opts.Metrics != nil {
		mux.Handle("GET /metrics", rt.opts.Metrics.Handler())
	}

	mux.HandleFunc("POST /v1/documents", rt.uploadDocument)
	mux.HandleFunc("GET /v1/documents", rt.listDocuments)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocument)
	mux.HandleFunc("PATCH /v1/documents/{id}", rt.updateDocument)
	mux.HandleFunc("DELETE /v1/documents/{id}", rt.deleteDocument)
	mux.HandleFunc("GET /v1/documents/{id}/content", rt.downloadDocument)
	mux.HandleFunc("GET /v1/search", rt.search)
	mux.Handle("POST /v1/admin/reindex", rt.requireAdmin(http.HandlerFunc(rt.reindex)))
	mux.Handle("POST /v1/admin/reconcile", rt.requireAdmin(http.HandlerFunc(rt.reconcile)))
	return mux
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, rt.opts.MaxUploadBytes+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload exceeds the size limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart form with field 'file' is required"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read upload"})
		return
	}

	fileType := string(domain.FileTypeOf(header.Filename))
	doc, err := rt.ingestor.Upload(r.Context(), ports.UploadRequest{
		Filename:    header.Filename,
		Author:      r.FormValue("author"),
		ContentType: header.Header.Get("Content-Type"),
		Content:     content,
	})
	if err != nil {
		rt.recordUpload(fileType, uploadResult(err), 0)
		writeError(w, r, err)
		return
	}
	rt.recordUpload(fileType, "accepted", doc.SizeBytes)
	writeJSON(w, http.StatusAccepted, doc)
}

func (rt *Router) listDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ListFilter{
		Author:   strings.TrimSpace(q.Get("author")),
		FileType: domain.FileType(strings.ToUpper(strings.TrimSpace(q.Get("fileType")))),
		Status:   domain.ProcessingStatus(strings.ToUpper(strings.TrimSpace(q.Get("status")))),
		Limit:    defaultListLimit,
	}
	var err error
	if filter.AfterID, err = queryInt64(q.Get("afterId"), 0); err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt64(q.Get("limit"), defaultListLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter.Limit = int(min(max(limit, 1), maxListLimit))

	docs, err := rt.reader.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := map[string]any{"documents": docs}
	if len(docs) == filter.Limit {
		resp["nextAfterId"] = docs[len(docs)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := rt.reader.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) updateDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var patch domain.MetadataPatch
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	doc, err := rt.manager.UpdateMetadata(r.Context(), id, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := rt.manager.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) downloadDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc, content, err := rt.reader.Content(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	contentType := doc.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(content)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (rt *Router) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := queryInt64(q.Get("page"), 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	size, err := queryInt64(q.Get("size"), 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	query := domain.SearchQuery{
		Text:     q.Get("q"),
		Field:    domain.SearchField(q.Get("field")),
		Author:   q.Get("author"),
		FileType: domain.FileType(q.Get("fileType")),
		Page:     int(page),
		Size:     int(size),
	}

	start := time.Now()
	result, err := rt.searcher.Search(r.Context(), query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rt.opts.Metrics != nil {
		rt.opts.Metrics.RecordSearch(rt.opts.ServiceName, result.TotalHits, time.Since(start))
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) reindex(w http.ResponseWriter, r *http.Request) {
	report, err := rt.admin.ReindexAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (rt *Router) reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := rt.admin.Reconcile(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (rt *Router) serveOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rt.openAPI)
}

func (rt *Router) recordUpload(fileType, result string, size int64) {
	if rt.opts.Metrics != nil {
		rt.opts.Metrics.RecordUpload(rt.opts.ServiceName, fileType, result, size)
	}
}

func uploadResult(err error) string {
	switch {
	case domain.IsKind(err, domain.ErrDuplicate):
		return "duplicate"
	case domain.IsKind(err, domain.ErrInvalidInput):
		return "rejected"
	default:
		return "error"
	}
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.WrapError(domain.ErrInvalidInput, "parse document id", fmt.Errorf("invalid id %q", raw))
	}
	return id, nil
}

func queryInt64(raw string, fallback int64) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, domain.WrapError(domain.ErrInvalidInput, "parse query", fmt.Errorf("invalid number %q", raw))
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("http_response_encode_failed", "error", err)
	}
}
