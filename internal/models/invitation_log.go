package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Invitation log actions.
const (
	InvitationActionCreated   = "created"
	InvitationActionSent      = "sent"
	InvitationActionDelivered = "delivered"
	InvitationActionClicked   = "clicked"
	InvitationActionAccepted  = "accepted"
	InvitationActionExpired   = "expired"
	InvitationActionCancelled = "cancelled"
	InvitationActionResent    = "resent"
)

// InvitationLog is an append-only audit record for one invitation. Rows are
// never updated or deleted; analytics and audit both read from here.
type InvitationLog struct {
	ID           string            `gorm:"primaryKey;type:uuid" json:"id"`
	InvitationID string            `gorm:"type:uuid;not null;index" json:"invitation_id"`
	Action       string            `gorm:"not null;index" json:"action"`
	Metadata     datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt    time.Time         `gorm:"index" json:"created_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (l *InvitationLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}
