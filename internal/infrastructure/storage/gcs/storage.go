// Package gcs stores document binaries in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/resilience"
)

type Storage struct {
	client   *storage.Client
	bucket   *storage.BucketHandle
	name     string
	executor *resilience.Executor
}

func New(ctx context.Context, bucket string, executor *resilience.Executor) (*Storage, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs: bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &Storage{
		client:   client,
		bucket:   client.Bucket(bucket),
		name:     bucket,
		executor: executor,
	}, nil
}

func (s *Storage) Location() string {
	return s.name
}

func (s *Storage) Close() error {
	return s.client.Close()
}

// Upload only creates objects. Keys are unique per ingestion, so an existing
// object means a retried upload already landed and is treated as success.
func (s *Storage) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	err := resilience.Do(ctx, s.executor, "gcs.upload", func(ctx context.Context) error {
		w := s.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
		w.ContentType = contentType
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	}, classifyGCSError)
	if isStatus(err, http.StatusPreconditionFailed) {
		return nil
	}
	if err != nil {
		return resilience.WrapTemporary("gcs upload", fmt.Errorf("upload %s: %w", key, err), classifyGCSError)
	}
	return nil
}

func (s *Storage) Download(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := resilience.Do(ctx, s.executor, "gcs.download", func(ctx context.Context) error {
		r, err := s.bucket.Object(key).NewReader(ctx)
		if err != nil {
			return err
		}
		defer r.Close()
		data, err = io.ReadAll(r)
		return err
	}, classifyGCSError)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, domain.WrapError(domain.ErrObjectNotFound, "gcs download", fmt.Errorf("key %q", key))
	}
	if err != nil {
		return nil, resilience.WrapTemporary("gcs download", fmt.Errorf("download %s: %w", key, err), classifyGCSError)
	}
	return data, nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	err := resilience.Do(ctx, s.executor, "gcs.delete", func(ctx context.Context) error {
		return s.bucket.Object(key).Delete(ctx)
	}, classifyGCSError)
	if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return resilience.WrapTemporary("gcs delete", fmt.Errorf("delete %s: %w", key, err), classifyGCSError)
}

func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.bucket.Object(key).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
}

func classifyGCSError(err error) resilience.ErrorClassification {
	if errors.Is(err, storage.ErrObjectNotExist) || isStatus(err, http.StatusPreconditionFailed) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return resilience.ClassifyHTTP(&resilience.HTTPStatusError{
			Service:    "gcs",
			StatusCode: apiErr.Code,
			Status:     http.StatusText(apiErr.Code),
		})
	}
	return resilience.ClassifyHTTP(err)
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
