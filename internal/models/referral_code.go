package models

// ReferralCode is the single stable code issued to each user. Codes are
// embedded in invitation messages and read back when a recipient follows an
// invite link.
type ReferralCode struct {
	BaseModel

	UserID string `gorm:"type:uuid;not null;uniqueIndex" json:"user_id"`
	Code   string `gorm:"not null;uniqueIndex" json:"code"`

	ClickCount      int `gorm:"default:0" json:"click_count"`
	AcceptanceCount int `gorm:"default:0" json:"acceptance_count"`
}
