package models

import (
	"encoding/json"
	"time"
)

// DealType is the deal category of a listing
type DealType string

const (
	DealTypeSale DealType = "sale"
	DealTypeRent DealType = "rent"
)

// Home types
const (
	HomeTypeFlat      = "flat"
	HomeTypeStudio    = "studio"
	HomeTypeApartment = "apartment"
)

// StudioRooms is the rooms_count stored for studios
const StudioRooms = 0

// Sources
const (
	SourceAvito = "avito"
	SourceCian  = "cian"
)

type Listing struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`

	// dedup key columns
	DealType    DealType `gorm:"type:varchar(10);not null;index:idx_listing_dedup" json:"deal_type"`
	Price       float64  `gorm:"not null;index:idx_listing_dedup" json:"price"`
	TotalMeters float64  `gorm:"not null;index:idx_listing_dedup" json:"total_meters"`
	Location    string   `gorm:"type:varchar(500);not null;index:idx_listing_dedup" json:"location"`
	Source      string   `gorm:"type:varchar(20);not null;index:idx_listing_dedup" json:"source"`

	Floor       *string `gorm:"type:varchar(20)" json:"floor,omitempty"`
	URL         string  `gorm:"type:text" json:"url"`
	PhoneNumber *string `gorm:"type:varchar(50)" json:"phone_number,omitempty"`
	RoomsCount  *int    `json:"rooms_count,omitempty"`
	HomeType    string  `gorm:"type:varchar(20)" json:"home_type"`
	IsFavorite  bool    `gorm:"not null;default:false" json:"is_favorite"`
	Images      *string `gorm:"type:text" json:"images,omitempty"` // JSON array of URLs
}

// TableName specifies the table name
func (Listing) TableName() string {
	return "listings"
}

// DedupKey identifies one real-world listing. Matching is exact on every field.
type DedupKey struct {
	DealType    DealType
	Price       float64
	TotalMeters float64
	Location    string
	Source      string
}

// Key returns the dedup key of the listing
func (l *Listing) Key() DedupKey {
	return DedupKey{
		DealType:    l.DealType,
		Price:       l.Price,
		TotalMeters: l.TotalMeters,
		Location:    l.Location,
		Source:      l.Source,
	}
}

// HasArea reports whether the listing carries the mandatory area
func (l *Listing) HasArea() bool {
	return l.TotalMeters > 0
}

// SetImages stores the photo URLs as JSON; an empty list clears the column
func (l *Listing) SetImages(urls []string) {
	if len(urls) == 0 {
		l.Images = nil
		return
	}
	b, err := json.Marshal(urls)
	if err != nil {
		return
	}
	s := string(b)
	l.Images = &s
}

// ImageURLs decodes the stored photo URLs
func (l *Listing) ImageURLs() []string {
	if l.Images == nil || *l.Images == "" {
		return nil
	}
	var urls []string
	if err := json.Unmarshal([]byte(*l.Images), &urls); err != nil {
		return nil
	}
	return urls
}

// SetPhone stores a phone number, treating an empty string as unknown
func (l *Listing) SetPhone(phone string) {
	if phone == "" {
		l.PhoneNumber = nil
		return
	}
	l.PhoneNumber = &phone
}
