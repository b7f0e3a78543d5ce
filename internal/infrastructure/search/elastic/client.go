// Package elastic keeps the search projection in an Elasticsearch index
// through its REST API.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/infrastructure/resilience"
)

const highlightFragment = 150

type Options struct {
	Username           string
	Password           string
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

type Client struct {
	baseURL    string
	index      string
	username   string
	password   string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL, index string, options Options) *Client {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if index == "" {
		index = "documents"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		index:      index,
		username:   options.Username,
		password:   options.Password,
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.ResilienceExecutor,
	}
}

var indexMapping = map[string]any{
	"mappings": map[string]any{
		"properties": map[string]any{
			"documentId":       map[string]any{"type": "long"},
			"filename":         map[string]any{"type": "text", "analyzer": "standard", "fields": map[string]any{"keyword": map[string]any{"type": "keyword"}}},
			"author":           map[string]any{"type": "text", "analyzer": "standard", "fields": map[string]any{"keyword": map[string]any{"type": "keyword"}}},
			"fileType":         map[string]any{"type": "keyword"},
			"sizeBytes":        map[string]any{"type": "long"},
			"objectKey":        map[string]any{"type": "keyword"},
			"uploadTime":       map[string]any{"type": "date", "format": "strict_date_optional_time"},
			"extractedText":    map[string]any{"type": "text", "analyzer": "standard"},
			"summary":          map[string]any{"type": "text", "analyzer": "standard"},
			"processingStatus": map[string]any{"type": "keyword"},
			"processedTime":    map[string]any{"type": "date", "format": "strict_date_optional_time"},
		},
	},
}

// EnsureIndex creates the index with its mapping when it does not exist.
func (c *Client) EnsureIndex(ctx context.Context) error {
	status, err := c.do(ctx, http.MethodHead, "/"+c.index, nil, nil, "index exists")
	if err == nil && status == http.StatusOK {
		return nil
	}
	if err != nil && status != http.StatusNotFound {
		return err
	}
	status, err = c.do(ctx, http.MethodPut, "/"+c.index, indexMapping, nil, "create index")
	if err != nil && status == http.StatusBadRequest && strings.Contains(err.Error(), "resource_already_exists_exception") {
		return nil
	}
	return err
}

func (c *Client) Upsert(ctx context.Context, doc domain.IndexDocument) error {
	_, err := c.do(ctx, http.MethodPut, c.docPath("_doc", doc.ID), doc, nil, "index document")
	return err
}

// PartialUpdate changes only the patched fields. A document that is not yet
// indexed is left for the upsert that follows consolidation.
func (c *Client) PartialUpdate(ctx context.Context, id int64, patch domain.IndexPatch) error {
	status, err := c.do(ctx, http.MethodPost, c.docPath("_update", id), map[string]any{"doc": patch}, nil, "update document")
	if status == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) Delete(ctx context.Context, id int64) error {
	status, err := c.do(ctx, http.MethodDelete, c.docPath("_doc", id), nil, nil, "delete document")
	if status == http.StatusNotFound {
		return nil
	}
	return err
}

type searchResponse struct {
	Took int64 `json:"took"`
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Score     *float64             `json:"_score"`
			Source    domain.IndexDocument `json:"_source"`
			Highlight map[string][]string  `json:"highlight"`
		} `json:"hits"`
	} `json:"hits"`
}

func (c *Client) Search(ctx context.Context, query domain.SearchQuery) (*domain.SearchResult, error) {
	var response searchResponse
	if _, err := c.do(ctx, http.MethodPost, "/"+c.index+"/_search", buildQuery(query), &response, "search"); err != nil {
		return nil, err
	}

	result := &domain.SearchResult{
		Results:      make([]domain.SearchHit, 0, len(response.Hits.Hits)),
		TotalHits:    response.Hits.Total.Value,
		SearchTimeMs: response.Took,
	}
	for _, hit := range response.Hits.Hits {
		result.Results = append(result.Results, domain.SearchHit{
			Document:   hit.Source,
			Score:      hit.Score,
			Highlights: hit.Highlight,
		})
	}
	return result, nil
}

func buildQuery(query domain.SearchQuery) map[string]any {
	must := make([]map[string]any, 0, 3)
	text := strings.TrimSpace(query.Text)
	if text == "" || text == "*" {
		must = append(must, map[string]any{"match_all": map[string]any{}})
	} else {
		pattern := "*" + strings.ToLower(text) + "*"
		should := make([]map[string]any, 0, len(domain.SearchBoosts))
		for _, field := range searchFields(query.Field) {
			should = append(should, map[string]any{
				"wildcard": map[string]any{
					string(field): map[string]any{
						"value":            pattern,
						"case_insensitive": true,
						"boost":            domain.SearchBoosts[field],
					},
				},
			})
		}
		must = append(must, map[string]any{
			"bool": map[string]any{"should": should, "minimum_should_match": 1},
		})
	}
	if query.Author != "" {
		must = append(must, map[string]any{"term": map[string]any{"author.keyword": query.Author}})
	}
	if query.FileType != "" {
		must = append(must, map[string]any{"term": map[string]any{"fileType": string(query.FileType)}})
	}

	return map[string]any{
		"query": map[string]any{"bool": map[string]any{"must": must}},
		"from":  query.Page * query.Size,
		"size":  query.Size,
		"sort":  []any{map[string]any{"uploadTime": map[string]any{"order": "desc"}}},
		// Scores are dropped when sorting by a field unless tracked explicitly.
		"track_scores": true,
		"highlight": map[string]any{
			"fields": map[string]any{
				"extractedText": map[string]any{"number_of_fragments": 1, "fragment_size": highlightFragment},
				"summary":       map[string]any{"number_of_fragments": 1, "fragment_size": highlightFragment},
			},
		},
	}
}

// searchFields lists fields in a stable order so request bodies are deterministic.
func searchFields(field domain.SearchField) []domain.SearchField {
	if field != domain.SearchFieldAll {
		return []domain.SearchField{field}
	}
	return []domain.SearchField{
		domain.SearchFieldFilename,
		domain.SearchFieldAuthor,
		domain.SearchFieldExtractedText,
		domain.SearchFieldSummary,
	}
}

func (c *Client) docPath(endpoint string, id int64) string {
	return "/" + c.index + "/" + endpoint + "/" + url.PathEscape(strconv.FormatInt(id, 10))
}

// do sends one request and returns the final status code alongside any error,
// so callers can treat 404 as a no-op.
func (c *Client) do(ctx context.Context, method, path string, payload any, out any, operation string) (int, error) {
	var status int
	call := func(ctx context.Context) error {
		var err error
		status, err = c.roundTrip(ctx, method, path, payload, out, operation)
		return err
	}
	err := resilience.Do(ctx, c.executor, "elastic."+strings.ReplaceAll(operation, " ", "_"), call, classifyElasticError)
	if err != nil {
		return status, resilience.WrapTemporary("elastic "+operation, err, classifyElasticError)
	}
	return status, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload any, out any, operation string) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal %s request: %w", operation, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("create %s request: %w", operation, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("elastic %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return resp.StatusCode, &resilience.HTTPStatusError{
			Service:    "elastic",
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(msg),
		}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", operation, err)
		}
	}
	return resp.StatusCode, nil
}

// classifyElasticError keeps 404s out of the breaker; they are expected on
// delete and partial update.
func classifyElasticError(err error) resilience.ErrorClassification {
	var statusErr *resilience.HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return resilience.ErrorClassification{}
	}
	return resilience.ClassifyHTTP(err)
}
