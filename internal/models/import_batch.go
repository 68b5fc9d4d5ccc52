package models

import (
	"time"

	"gorm.io/datatypes"
)

// Batch statuses shared by import and invitation batches.
const (
	BatchStatusPending    = "pending"
	BatchStatusProcessing = "processing"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"
)

// ImportBatch tracks one bulk contact ingestion (CSV import, device sync, or
// bulk create). Mutated only by the coordinator that created it; immutable
// once completed or failed.
type ImportBatch struct {
	BaseModel

	UserID string `gorm:"type:uuid;not null;index" json:"user_id"`
	Name   string `json:"name"`
	Source string `gorm:"not null;default:imported" json:"source"`

	TotalContacts      int `gorm:"default:0" json:"total_contacts"`
	ProcessedContacts  int `gorm:"default:0" json:"processed_contacts"`
	SuccessfulContacts int `gorm:"default:0" json:"successful_contacts"`
	FailedContacts     int `gorm:"default:0" json:"failed_contacts"`

	Status string                      `gorm:"not null;default:pending;index" json:"status"`
	Errors datatypes.JSONSlice[string] `json:"errors,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
