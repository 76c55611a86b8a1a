package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
)

// DefaultAdSearchBaseURL is the search ad API host.
const DefaultAdSearchBaseURL = "https://api.naver.com"

// MaxHintKeywords is the most hints one keywordstool request accepts.
const MaxHintKeywords = 5

// AdSearch reads related keywords from the keyword tool API.
type AdSearch struct {
	client *Client
}

// NewAdSearch wraps a client configured with an HMACSigner.
func NewAdSearch(client *Client) *AdSearch {
	return &AdSearch{client: client}
}

type keywordToolResponse struct {
	KeywordList []keywordToolEntry `json:"keywordList"`
}

type keywordToolEntry struct {
	RelKeyword          string     `json:"relKeyword"`
	MonthlyPcQcCnt      flexNumber `json:"monthlyPcQcCnt"`
	MonthlyMobileQcCnt  flexNumber `json:"monthlyMobileQcCnt"`
	MonthlyAvePcCtr     flexNumber `json:"monthlyAvePcCtr"`
	MonthlyAveMobileCtr flexNumber `json:"monthlyAveMobileCtr"`
	PlAvgDepth          flexNumber `json:"plAvgDepth"`
	CompIdx             string     `json:"compIdx"`
}

// RelatedKeywords returns the related terms of up to MaxHintKeywords hints.
func (a *AdSearch) RelatedKeywords(ctx context.Context, hints ...string) (crawler.RelatedResult, error) {
	cleaned := make([]string, 0, len(hints))
	for _, h := range hints {
		if h = strings.TrimSpace(h); h != "" {
			cleaned = append(cleaned, h)
		}
		if len(cleaned) == MaxHintKeywords {
			break
		}
	}
	if len(cleaned) == 0 {
		return crawler.RelatedResult{}, &CallError{Kind: KindFatal, Err: fmt.Errorf("at least one hint keyword required")}
	}

	res := a.client.Call(ctx, Operation{
		Name:   "keywordstool",
		Method: http.MethodGet,
		Path:   "/keywordstool",
		Query:  url.Values{"hintKeywords": {strings.Join(cleaned, ",")}, "showDetail": {"1"}},
	})
	if err := res.Error(); err != nil {
		return crawler.RelatedResult{}, err
	}

	var payload keywordToolResponse
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return crawler.RelatedResult{}, &CallError{
			Kind:       KindFatal,
			StatusCode: res.StatusCode,
			Label:      res.Label,
			Err:        fmt.Errorf("decode keywordstool response: %w", err),
		}
	}

	out := crawler.RelatedResult{Raw: res.Body, Keywords: make([]crawler.RelatedKeyword, 0, len(payload.KeywordList))}
	for _, entry := range payload.KeywordList {
		if strings.TrimSpace(entry.RelKeyword) == "" {
			continue
		}
		out.Keywords = append(out.Keywords, crawler.RelatedKeyword{
			Term: entry.RelKeyword,
			Metrics: crawler.KeywordMetrics{
				PC:        int64(entry.MonthlyPcQcCnt),
				Mobile:    int64(entry.MonthlyMobileQcCnt),
				CTRPC:     float64(entry.MonthlyAvePcCtr),
				CTRMobile: float64(entry.MonthlyAveMobileCtr),
				AdCount:   int(math.Round(float64(entry.PlAvgDepth))),
				CompIdx:   entry.CompIdx,
			},
		})
	}
	return out, nil
}

// flexNumber decodes numbers that the API sometimes renders as strings such as "< 10".
// Non-numeric strings decode as zero.
type flexNumber float64

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode number string: %w", err)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			*n = 0
			return nil
		}
		*n = flexNumber(f)
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("decode number: %w", err)
	}
	*n = flexNumber(f)
	return nil
}
