package models

import "time"

// ErrorLog keeps the full detail of a failure whose reference was shown to a user.
type ErrorLog struct {
	BaseModel
	Reference   string `gorm:"uniqueIndex;size:64" json:"reference"`
	Transaction string `gorm:"index;size:140" json:"transaction"`
	Gateway     string `gorm:"size:140" json:"gateway"`
	Flow        string `gorm:"size:32" json:"flow"`
	Kind        string `gorm:"size:32" json:"kind"`
	Message     string `json:"message"`
	Details     string `gorm:"type:text" json:"details"`
}

// ProcessedEvent records a webhook event id that has already been applied.
type ProcessedEvent struct {
	Key       string    `gorm:"column:event_key;primaryKey;size:255" json:"key"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
