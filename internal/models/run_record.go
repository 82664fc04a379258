package models

import (
	"encoding/json"
	"time"
)

// RunOutcome is the terminal outcome of an acquisition run
type RunOutcome string

const (
	RunOutcomeSuccess RunOutcome = "success"
	RunOutcomeSkipped RunOutcome = "skipped"
	RunOutcomeFailed  RunOutcome = "failed"
)

// RunRecord is the history row written after every acquisition run
type RunRecord struct {
	ID           string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	StartedAt    time.Time  `gorm:"not null;index" json:"started_at"`
	FinishedAt   time.Time  `gorm:"not null" json:"finished_at"`
	Outcome      RunOutcome `gorm:"type:varchar(20);not null;index" json:"outcome"`
	NewCount     int        `gorm:"not null;default:0" json:"new_count"`
	DeletedCount int        `gorm:"not null;default:0" json:"deleted_count"`
	PerSource    string     `gorm:"type:text" json:"per_source"` // JSON object source -> stats
	Error        string     `gorm:"type:text" json:"error,omitempty"`
}

// TableName specifies the table name
func (RunRecord) TableName() string {
	return "run_records"
}

// SetPerSource encodes per-source statistics
func (r *RunRecord) SetPerSource(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	r.PerSource = string(b)
}
