package search

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/meilisearch/meilisearch-go"
	"github.com/rotisserie/eris"
)

type FilterParams struct {
	Query    string
	DealType string
	Sources  []string
	MinPrice *float64
	MaxPrice *float64
	Rooms    []int
	SortBy   string
	Limit    int64
	Offset   int64
}

// SearchResult holds one page of hits
type SearchResult struct {
	Hits           []Document `json:"hits"`
	TotalHits      int64      `json:"total_hits"`
	ProcessingTime int64      `json:"processing_time_ms"`
}

var sortOptions = map[string]string{
	"price_asc":   "price:asc",
	"price_desc":  "price:desc",
	"area_desc":   "total_meters:desc",
	"newest":      "created_at:desc",
	"created_asc": "created_at:asc",
}

// BuildFilter renders the Meilisearch filter expression for params
func BuildFilter(params FilterParams) string {
	var filters []string

	if params.DealType != "" {
		filters = append(filters, fmt.Sprintf("deal_type = %s", quote(params.DealType)))
	}
	if len(params.Sources) > 0 {
		parts := make([]string, len(params.Sources))
		for i, src := range params.Sources {
			parts[i] = fmt.Sprintf("source = %s", quote(src))
		}
		filters = append(filters, fmt.Sprintf("(%s)", strings.Join(parts, " OR ")))
	}

	// Price range filter
	if params.MinPrice != nil {
		filters = append(filters, "price >= "+strconv.FormatFloat(*params.MinPrice, 'f', -1, 64))
	}
	if params.MaxPrice != nil {
		filters = append(filters, "price <= "+strconv.FormatFloat(*params.MaxPrice, 'f', -1, 64))
	}

	if len(params.Rooms) > 0 {
		parts := make([]string, len(params.Rooms))
		for i, r := range params.Rooms {
			parts[i] = fmt.Sprintf("rooms_count = %d", r)
		}
		filters = append(filters, fmt.Sprintf("(%s)", strings.Join(parts, " OR ")))
	}

	return strings.Join(filters, " AND ")
}

// SortExpression maps a public sort name to the index sort rule; unknown names sort newest first
func SortExpression(sortBy string) string {
	if rule, ok := sortOptions[sortBy]; ok {
		return rule
	}
	return sortOptions["newest"]
}

func quote(v string) string {
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

// FilterSearch performs a filtered search over indexed listings
func (s *SearchClient) FilterSearch(params FilterParams) (*SearchResult, error) {
	if params.Limit == 0 {
		params.Limit = 20
	}

	searchReq := &meilisearch.SearchRequest{
		Limit:  params.Limit,
		Offset: params.Offset,
		Sort:   []string{SortExpression(params.SortBy)},
	}
	if filter := BuildFilter(params); filter != "" {
		searchReq.Filter = filter
	}

	searchRes, err := s.client.Index(s.index).Search(params.Query, searchReq)
	if err != nil {
		return nil, eris.Wrap(err, "failed to search listings")
	}

	result := &SearchResult{
		Hits:           make([]Document, 0, len(searchRes.Hits)),
		TotalHits:      searchRes.EstimatedTotalHits,
		ProcessingTime: searchRes.ProcessingTimeMs,
	}
	for _, hit := range searchRes.Hits {
		// Convert hit to JSON then to Document
		hitJSON, err := json.Marshal(hit)
		if err != nil {
			continue
		}
		var doc Document
		if err := json.Unmarshal(hitJSON, &doc); err != nil {
			continue
		}
		result.Hits = append(result.Hits, doc)
	}
	return result, nil
}
