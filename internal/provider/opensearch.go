package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
)

// DefaultOpenSearchBaseURL is the public search API host.
const DefaultOpenSearchBaseURL = "https://openapi.naver.com"

// DocCategory is one document collection of the search API.
type DocCategory string

// Document categories counted per keyword.
const (
	CategoryBlog DocCategory = "blog"
	CategoryCafe DocCategory = "cafe"
	CategoryWeb  DocCategory = "web"
	CategoryNews DocCategory = "news"
)

var categoryPaths = map[DocCategory]string{
	CategoryBlog: "/v1/search/blog.json",
	CategoryCafe: "/v1/search/cafearticle.json",
	CategoryWeb:  "/v1/search/webkr.json",
	CategoryNews: "/v1/search/news.json",
}

// DocCategories lists the categories in fan-out order.
var DocCategories = []DocCategory{CategoryBlog, CategoryCafe, CategoryWeb, CategoryNews}

// OpenSearch reads document totals from the search API.
type OpenSearch struct {
	client *Client
	logger *zap.Logger
}

// NewOpenSearch wraps a client configured with a StaticHeaderSigner.
func NewOpenSearch(client *Client, logger *zap.Logger) *OpenSearch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenSearch{client: client, logger: logger}
}

type searchResponse struct {
	Total int64 `json:"total"`
}

// Total returns the document total of term in one category.
func (o *OpenSearch) Total(ctx context.Context, category DocCategory, term string) (int64, []byte, error) {
	path, ok := categoryPaths[category]
	if !ok {
		return 0, nil, &CallError{Kind: KindFatal, Err: fmt.Errorf("unknown category %q", category)}
	}
	res := o.client.Call(ctx, Operation{
		Name:   "search_" + string(category),
		Method: http.MethodGet,
		Path:   path,
		Query:  url.Values{"query": {term}, "display": {"1"}},
	})
	if err := res.Error(); err != nil {
		return 0, nil, err
	}
	var payload searchResponse
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return 0, res.Body, &CallError{Kind: KindFatal, StatusCode: res.StatusCode, Label: res.Label, Err: fmt.Errorf("decode search response: %w", err)}
	}
	return payload.Total, res.Body, nil
}

// DocumentCounts fetches all four categories concurrently. A failed category counts as
// zero; an error is returned only when every category failed.
func (o *OpenSearch) DocumentCounts(ctx context.Context, term string) (crawler.DocCountResult, error) {
	totals := make([]int64, len(DocCategories))
	raws := make([][]byte, len(DocCategories))
	errs := make([]error, len(DocCategories))

	var g errgroup.Group
	for i, category := range DocCategories {
		g.Go(func() error {
			totals[i], raws[i], errs[i] = o.Total(ctx, category, term)
			return nil
		})
	}
	_ = g.Wait()

	result := crawler.DocCountResult{Raw: make(map[string][]byte, len(DocCategories))}
	for i, category := range DocCategories {
		if errs[i] != nil {
			result.Failed++
			o.logger.Warn("document count failed",
				zap.String("term", term),
				zap.String("category", string(category)),
				zap.Error(errs[i]),
			)
			continue
		}
		result.Raw[string(category)] = raws[i]
		switch category {
		case CategoryBlog:
			result.Counts.Blog = totals[i]
		case CategoryCafe:
			result.Counts.Cafe = totals[i]
		case CategoryWeb:
			result.Counts.Web = totals[i]
		case CategoryNews:
			result.Counts.News = totals[i]
		}
	}
	if result.Failed == len(DocCategories) {
		return result, fmt.Errorf("all document counts failed: %w", mostSevere(errs))
	}
	return result, nil
}

// mostSevere prefers a retryable error.
func mostSevere(errs []error) error {
	var fallback error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if Retryable(err) {
			return err
		}
		if fallback == nil {
			fallback = err
		}
	}
	if fallback == nil {
		return errors.New("no error recorded")
	}
	return fallback
}
