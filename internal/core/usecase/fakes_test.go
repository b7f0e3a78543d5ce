package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/pipeline"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/repository/memory"
)

type fabricFake struct {
	mu         sync.Mutex
	published  map[string][][]byte
	publishErr error
}

func (f *fabricFake) Publish(_ context.Context, queue string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	if f.published == nil {
		f.published = make(map[string][][]byte)
	}
	f.published[queue] = append(f.published[queue], body)
	return nil
}

func (f *fabricFake) Consume(context.Context, string, int, ports.DeliveryHandler) error {
	return errors.New("not implemented")
}

func (f *fabricFake) Close() error { return nil }

func (f *fabricFake) count(queue string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[queue])
}

// pop removes and returns the oldest message on queue.
func (f *fabricFake) pop(t *testing.T, queue string) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.published[queue]
	if len(msgs) == 0 {
		t.Fatalf("no message on %s", queue)
	}
	f.published[queue] = msgs[1:]
	return msgs[0]
}

func decodeLast[T any](t *testing.T, f *fabricFake, queue string) T {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out T
	msgs := f.published[queue]
	if len(msgs) == 0 {
		t.Fatalf("no message on %s", queue)
	}
	if err := json.Unmarshal(msgs[len(msgs)-1], &out); err != nil {
		t.Fatalf("decode %s message: %v", queue, err)
	}
	return out
}

type storageFake struct {
	mu          sync.Mutex
	objects     map[string][]byte
	uploadErr   error
	downloadErr error
	deleteErr   error
	deleted     []string
}

func newStorageFake() *storageFake {
	return &storageFake{objects: make(map[string][]byte)}
}

func (s *storageFake) Upload(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadErr != nil {
		return s.uploadErr
	}
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *storageFake) Download(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.downloadErr != nil {
		return nil, s.downloadErr
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrObjectNotFound, "download", fmt.Errorf("key %q", key))
	}
	return data, nil
}

func (s *storageFake) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, key)
	delete(s.objects, key)
	return nil
}

func (s *storageFake) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *storageFake) Location() string { return "test-bucket" }

func (s *storageFake) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type extractorFake struct {
	text  string
	err   error
	calls int
}

func (e *extractorFake) Extract(context.Context, ports.ExtractInput) (string, error) {
	e.calls++
	return e.text, e.err
}

func (e *extractorFake) Engine() string { return "fake-ocr" }

type completerFake struct {
	answer     string
	err        error
	calls      int
	lastSystem string
	lastUser   string
}

func (c *completerFake) Complete(_ context.Context, systemPrompt, userText string) (string, error) {
	c.calls++
	c.lastSystem = systemPrompt
	c.lastUser = userText
	return c.answer, c.err
}

type indexFake struct {
	mu      sync.Mutex
	entries map[int64]domain.IndexDocument
	upserts int
}

func newIndexFake() *indexFake {
	return &indexFake{entries: make(map[int64]domain.IndexDocument)}
}

func (i *indexFake) Upsert(_ context.Context, doc domain.IndexDocument) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.upserts++
	i.entries[doc.ID] = doc
	return nil
}

func (i *indexFake) PartialUpdate(_ context.Context, id int64, patch domain.IndexPatch) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	doc, ok := i.entries[id]
	if !ok {
		return nil
	}
	if patch.Filename != nil {
		doc.Filename = *patch.Filename
	}
	if patch.Author != nil {
		doc.Author = *patch.Author
	}
	if patch.Summary != nil {
		doc.Summary = *patch.Summary
	}
	i.entries[id] = doc
	return nil
}

func (i *indexFake) Delete(_ context.Context, id int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, id)
	return nil
}

func (i *indexFake) Search(context.Context, domain.SearchQuery) (*domain.SearchResult, error) {
	return &domain.SearchResult{}, nil
}

type fixture struct {
	repo      *memory.DocumentRepository
	storage   *storageFake
	fabric    *fabricFake
	publisher *pipeline.Publisher
	queues    pipeline.Queues
}

func newFixture() *fixture {
	fabric := &fabricFake{}
	queues := pipeline.DefaultQueues()
	return &fixture{
		repo:      memory.NewDocumentRepository(),
		storage:   newStorageFake(),
		fabric:    fabric,
		publisher: pipeline.NewPublisher(fabric, queues, nil),
		queues:    queues,
	}
}

// seed stores a document and its object directly, bypassing ingestion.
func (f *fixture) seed(t *testing.T, doc domain.Document, content []byte) domain.Document {
	t.Helper()
	if doc.ObjectKey == "" {
		doc.ObjectKey = "obj-" + doc.Filename
	}
	if doc.FileType == "" {
		doc.FileType = domain.FileTypeOf(doc.Filename)
	}
	if doc.Status == "" {
		doc.Status = domain.StatusIngested
	}
	if doc.UploadTime.IsZero() {
		doc.UploadTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		doc.LastModified = doc.UploadTime
	}
	if err := f.repo.Create(context.Background(), &doc); err != nil {
		t.Fatalf("seed Create() error = %v", err)
	}
	if content != nil {
		if err := f.storage.Upload(context.Background(), doc.ObjectKey, content, ""); err != nil {
			t.Fatalf("seed Upload() error = %v", err)
		}
	}
	return doc
}

func (f *fixture) get(t *testing.T, id int64) *domain.Document {
	t.Helper()
	doc, err := f.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%d) error = %v", id, err)
	}
	return doc
}
