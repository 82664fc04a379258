package search

import (
	"strings"

	"github.com/meilisearch/meilisearch-go"
	"github.com/rotisserie/eris"

	"listing-engine/internal/models"
)

type SearchClient struct {
	client *meilisearch.Client
	index  string
}

func NewSearchClient(host, apiKey, index string) *SearchClient {
	client := meilisearch.NewClient(meilisearch.ClientConfig{
		Host:   host,
		APIKey: apiKey,
	})
	if index == "" {
		index = "listings"
	}

	return &SearchClient{
		client: client,
		index:  index,
	}
}

// Document is the indexed form of a listing
type Document struct {
	ID          string   `json:"id"`
	DealType    string   `json:"deal_type"`
	Source      string   `json:"source"`
	Price       float64  `json:"price"`
	TotalMeters float64  `json:"total_meters"`
	Location    string   `json:"location"`
	Floor       string   `json:"floor,omitempty"`
	RoomsCount  *int     `json:"rooms_count,omitempty"`
	HomeType    string   `json:"home_type"`
	URL         string   `json:"url"`
	Images      []string `json:"images,omitempty"`
	HasPhone    bool     `json:"has_phone"`
	CreatedAt   int64    `json:"created_at"` // unix seconds, sortable
}

// NewDocument converts a stored listing
func NewDocument(l *models.Listing) Document {
	d := Document{
		ID:          l.ID,
		DealType:    string(l.DealType),
		Source:      l.Source,
		Price:       l.Price,
		TotalMeters: l.TotalMeters,
		Location:    l.Location,
		RoomsCount:  l.RoomsCount,
		HomeType:    l.HomeType,
		URL:         l.URL,
		Images:      l.ImageURLs(),
		HasPhone:    l.PhoneNumber != nil,
		CreatedAt:   l.CreatedAt.Unix(),
	}
	if l.Floor != nil {
		d.Floor = *l.Floor
	}
	return d
}

// InitIndex initializes the Meilisearch index
func (s *SearchClient) InitIndex() error {
	// Create index if it doesn't exist
	_, err := s.client.CreateIndex(&meilisearch.IndexConfig{
		Uid:        s.index,
		PrimaryKey: "id",
	})
	if err != nil && !strings.Contains(err.Error(), "index_already_exists") {
		return eris.Wrap(err, "failed to create index")
	}

	index := s.client.Index(s.index)
	if _, err := index.UpdateSearchableAttributes(&[]string{
		"location",
		"url",
		"home_type",
	}); err != nil {
		return eris.Wrap(err, "failed to set searchable attributes")
	}

	if _, err := index.UpdateFilterableAttributes(&[]string{
		"id",
		"deal_type",
		"source",
		"price",
		"total_meters",
		"rooms_count",
		"home_type",
		"has_phone",
		"created_at",
	}); err != nil {
		return eris.Wrap(err, "failed to set filterable attributes")
	}

	if _, err := index.UpdateSortableAttributes(&[]string{
		"price",
		"total_meters",
		"created_at",
	}); err != nil {
		return eris.Wrap(err, "failed to set sortable attributes")
	}

	return nil
}

// IndexListings indexes multiple listings
func (s *SearchClient) IndexListings(listings []models.Listing) error {
	if len(listings) == 0 {
		return nil
	}
	docs := make([]Document, len(listings))
	for i := range listings {
		docs[i] = NewDocument(&listings[i])
	}
	if _, err := s.client.Index(s.index).AddDocuments(docs, "id"); err != nil {
		return eris.Wrap(err, "failed to index listings")
	}
	return nil
}

// DeleteListings removes listings from the index
func (s *SearchClient) DeleteListings(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.client.Index(s.index).DeleteDocuments(ids); err != nil {
		return eris.Wrap(err, "failed to delete listings from index")
	}
	return nil
}
