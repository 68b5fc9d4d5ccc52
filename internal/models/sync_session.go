package models

import "time"

// Sync types.
const (
	SyncTypeFull        = "full"
	SyncTypeIncremental = "incremental"
	SyncTypeManual      = "manual"
	SyncTypeImport      = "import"
)

// SyncSession records one device-to-server reconciliation pass.
type SyncSession struct {
	BaseModel

	UserID   string `gorm:"type:uuid;not null;index" json:"user_id"`
	DeviceID string `gorm:"not null;index" json:"device_id"`
	SyncType string `gorm:"not null;default:incremental" json:"sync_type"`

	ContactsNew        int `gorm:"default:0" json:"contacts_new"`
	ContactsUpdated    int `gorm:"default:0" json:"contacts_updated"`
	ContactsDeleted    int `gorm:"default:0" json:"contacts_deleted"`
	ContactsDuplicates int `gorm:"default:0" json:"contacts_duplicates"`
	ContactsConflicts  int `gorm:"default:0" json:"contacts_conflicts"`
	ContactsErrors     int `gorm:"default:0" json:"contacts_errors"`

	Status string `gorm:"not null;default:pending;index" json:"status"`

	LastSyncAt  *time.Time `json:"last_sync_at,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
