package models

import "time"

// MetadataStatus is the team workflow status of a listing
type MetadataStatus string

const (
	MetadataStatusNew        MetadataStatus = "new"
	MetadataStatusInProgress MetadataStatus = "in_progress"
	MetadataStatusDone       MetadataStatus = "done"
)

// ListingMetadata holds the team workflow state of a listing (responsible user, status).
// Rows are owned by the API; the engine only reads them to compute the protected set.
type ListingMetadata struct {
	ID                string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	ListingID         string         `gorm:"type:varchar(36);not null;index" json:"listing_id"`
	CompanyID         string         `gorm:"type:varchar(36);not null;index" json:"company_id"`
	ResponsibleUserID *string        `gorm:"type:varchar(36)" json:"responsible_user_id,omitempty"`
	Status            MetadataStatus `gorm:"type:varchar(20);not null;default:'new'" json:"status"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name
func (ListingMetadata) TableName() string {
	return "listing_metadata"
}

// RentListing links a listing to an active rental record
type RentListing struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	ListingID string    `gorm:"type:varchar(36);not null;index" json:"listing_id"`
	UserID    string    `gorm:"type:varchar(36);index" json:"user_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName specifies the table name
func (RentListing) TableName() string {
	return "rent_listings"
}

// Favorite is a listing saved by a user
type Favorite struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    string    `gorm:"type:varchar(36);not null;index" json:"user_id"`
	ListingID string    `gorm:"type:varchar(36);not null;index" json:"listing_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName specifies the table name
func (Favorite) TableName() string {
	return "favorites"
}
