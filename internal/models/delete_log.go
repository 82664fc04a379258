package models

import "time"

// DeleteLog records a listing removed by the retention sweep
type DeleteLog struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ListingID        string    `gorm:"type:varchar(36);not null;index" json:"listing_id"`
	Source           string    `gorm:"type:varchar(20)" json:"source"`
	URL              string    `gorm:"type:text" json:"url"`
	ListingCreatedAt time.Time `json:"listing_created_at"`
	DeletedAt        time.Time `gorm:"not null;autoCreateTime;index" json:"deleted_at"`
	Reason           string    `gorm:"type:varchar(50);not null" json:"reason"`
}

// TableName specifies the table name
func (DeleteLog) TableName() string {
	return "delete_logs"
}

// DeleteReason constants
const (
	DeleteReasonExpired = "expired_retention"
	DeleteReasonManual  = "manual_deletion"
)
