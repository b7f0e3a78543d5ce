package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
	"github.com/kirillkom/paperless-pipeline/internal/core/ports"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
	// maxResultWindow matches Elasticsearch's default index.max_result_window.
	maxResultWindow = 10000
)

type SearchUseCase struct {
	index ports.SearchIndex
}

func NewSearchUseCase(index ports.SearchIndex) *SearchUseCase {
	return &SearchUseCase{index: index}
}

func (uc *SearchUseCase) Search(ctx context.Context, query domain.SearchQuery) (*domain.SearchResult, error) {
	query.Text = strings.TrimSpace(query.Text)
	query.Author = strings.TrimSpace(query.Author)
	query.FileType = domain.FileType(strings.ToUpper(strings.TrimSpace(string(query.FileType))))
	if query.Page < 0 {
		query.Page = 0
	}
	switch {
	case query.Size <= 0:
		query.Size = defaultPageSize
	case query.Size > maxPageSize:
		query.Size = maxPageSize
	}
	if query.Page > maxResultWindow/query.Size-1 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "search",
			fmt.Errorf("page %d is beyond the first %d results", query.Page, maxResultWindow))
	}
	if query.Field != domain.SearchFieldAll {
		if _, ok := domain.SearchBoosts[query.Field]; !ok {
			return nil, domain.WrapError(domain.ErrInvalidInput, "search", fmt.Errorf("unknown search field %q", query.Field))
		}
	}

	start := time.Now()
	result, err := uc.index.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	result.Page = query.Page
	result.Size = query.Size
	result.TotalPages = domain.TotalPagesFor(result.TotalHits, query.Size)
	if result.SearchTimeMs == 0 {
		result.SearchTimeMs = time.Since(start).Milliseconds()
	}
	if result.Results == nil {
		result.Results = []domain.SearchHit{}
	}
	return result, nil
}
