package models

import "time"

// Operator is a back-office user allowed to create orders and inspect payments.
type Operator struct {
	BaseModel
	Username     string     `gorm:"uniqueIndex;size:64" json:"username"`
	DisplayName  string     `json:"display_name"`
	PasswordHash string     `json:"-"`
	Role         string     `gorm:"size:20" json:"role"`
	LastLoginAt  *time.Time `json:"last_login_at"`
}
