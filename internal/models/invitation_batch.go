package models

import "time"

// InvitationBatch tracks one bulk invitation run and the shared options its
// items were created with.
type InvitationBatch struct {
	BaseModel

	UserID string `gorm:"type:uuid;not null;index" json:"user_id"`
	Name   string `json:"name"`

	TotalInvitations     int `gorm:"default:0" json:"total_invitations"`
	ProcessedInvitations int `gorm:"default:0" json:"processed_invitations"`
	SuccessfulSends      int `gorm:"default:0" json:"successful_sends"`
	FailedSends          int `gorm:"default:0" json:"failed_sends"`
	DuplicateRecipients  int `gorm:"default:0" json:"duplicate_recipients"`

	DeliveryMethod  string `gorm:"not null;default:sms" json:"delivery_method"`
	InvitationType  string `gorm:"not null;default:friend" json:"invitation_type"`
	MessageTemplate string `json:"message_template"`

	Status string `gorm:"not null;default:pending;index" json:"status"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
