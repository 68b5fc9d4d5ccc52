package models

import (
	"time"

	"gorm.io/datatypes"
)

// Contact sources.
const (
	ContactSourceManual     = "manual"
	ContactSourceImported   = "imported"
	ContactSourceSynced     = "synced"
	ContactSourceInvitation = "invitation"
)

// Contact is an address-book entry owned by exactly one user. At least one of
// phone/email is always set; within an owner each is unique (NULLs excluded).
// Identity for duplicate matching is the (normalized phone, normalized email)
// pair, where a match on either member is a match.
type Contact struct {
	BaseModel

	UserID string `gorm:"type:uuid;not null;index;uniqueIndex:idx_contacts_owner_phone,priority:1;uniqueIndex:idx_contacts_owner_email,priority:1" json:"user_id"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`

	Phone *string `gorm:"uniqueIndex:idx_contacts_owner_phone,priority:2" json:"phone,omitempty"`
	Email *string `gorm:"uniqueIndex:idx_contacts_owner_email,priority:2" json:"email,omitempty"`

	Company  string `json:"company"`
	JobTitle string `json:"job_title"`

	Source     string                      `gorm:"not null;default:manual;index" json:"source"`
	IsFavorite bool                        `gorm:"default:false" json:"is_favorite"`
	Tags       datatypes.JSONSlice[string] `json:"tags,omitempty"`
	Notes      string                      `json:"notes"`

	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// PhoneValue returns the phone or "" when unset.
func (c *Contact) PhoneValue() string {
	if c.Phone == nil {
		return ""
	}
	return *c.Phone
}

// EmailValue returns the email or "" when unset.
func (c *Contact) EmailValue() string {
	if c.Email == nil {
		return ""
	}
	return *c.Email
}
