package models

import (
	"time"

	"gorm.io/datatypes"
)

// Invitation statuses. pending→sent→delivered→{accepted|expired|cancelled|failed},
// with clicked reachable from sent or delivered.
const (
	InvitationStatusPending   = "pending"
	InvitationStatusSent      = "sent"
	InvitationStatusDelivered = "delivered"
	InvitationStatusClicked   = "clicked"
	InvitationStatusAccepted  = "accepted"
	InvitationStatusExpired   = "expired"
	InvitationStatusCancelled = "cancelled"
	InvitationStatusFailed    = "failed"
)

// Invitation types.
const (
	InvitationTypeFriend     = "friend"
	InvitationTypeContractor = "contractor"
)

// Delivery methods.
const (
	DeliveryMethodSMS   = "sms"
	DeliveryMethodEmail = "email"
	DeliveryMethodBoth  = "both"
)

// ChannelResult captures the outcome of one delivery attempt on one channel.
type ChannelResult struct {
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Status            string    `json:"status"`
	Error             string    `json:"error,omitempty"`
	Attempts          int       `json:"attempts"`
	AttemptedAt       time.Time `json:"attempted_at"`
}

// DeliveryResults holds per-channel send outcomes; for method "both" each
// channel is recorded independently.
type DeliveryResults struct {
	SMS   *ChannelResult `json:"sms,omitempty"`
	Email *ChannelResult `json:"email,omitempty"`
}

// Invitation is one outbound invite owned by the inviting user.
type Invitation struct {
	BaseModel

	UserID    string  `gorm:"type:uuid;not null;index" json:"user_id"`
	ContactID *string `gorm:"type:uuid;index" json:"contact_id,omitempty"`
	Contact   *Contact `gorm:"constraint:OnDelete:SET NULL" json:"contact,omitempty"`

	RecipientEmail string `gorm:"index" json:"recipient_email,omitempty"`
	RecipientPhone string `gorm:"index" json:"recipient_phone,omitempty"`
	RecipientName  string `json:"recipient_name,omitempty"`

	Message        string `json:"message"`
	Type           string `gorm:"not null;default:friend" json:"type"`
	DeliveryMethod string `gorm:"not null;default:sms" json:"delivery_method"`

	Token        string `gorm:"uniqueIndex;not null" json:"-"`
	ReferralCode string `gorm:"index" json:"referral_code,omitempty"`

	Status    string    `gorm:"not null;default:pending;index" json:"status"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ClickedAt   *time.Time `json:"clicked_at,omitempty"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	ResentCount  int        `gorm:"default:0" json:"resent_count"`
	LastResentAt *time.Time `json:"last_resent_at,omitempty"`

	DeliveryResults datatypes.JSONType[DeliveryResults] `json:"delivery_results"`
	Errors          datatypes.JSONSlice[string]         `json:"errors,omitempty"`
}

// IsTerminal reports whether no further lifecycle transitions are allowed.
// failed and expired are terminal for the state machine but remain
// resend-eligible; accepted and cancelled are not.
func (i *Invitation) IsTerminal() bool {
	switch i.Status {
	case InvitationStatusAccepted, InvitationStatusExpired, InvitationStatusCancelled, InvitationStatusFailed:
		return true
	}
	return false
}

// CanResend reports whether a resend may be attempted from the current status.
func (i *Invitation) CanResend() bool {
	switch i.Status {
	case InvitationStatusAccepted, InvitationStatusCancelled:
		return false
	}
	return true
}
