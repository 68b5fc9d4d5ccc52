package models

import "time"

// User is the minimal account record this service needs. Authentication and
// registration are owned by the identity service; rows here mirror its users
// so contacts, invitations, and referral codes have a stable owner.
type User struct {
	BaseModel

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `gorm:"uniqueIndex" json:"email"`
	Phone     string `gorm:"index" json:"phone"`

	LastSeenAt *time.Time `json:"last_seen_at"`
}
