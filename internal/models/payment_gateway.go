package models

// PaymentGateway registers a configured provider under its display name.
type PaymentGateway struct {
	BaseModel
	Name       string `gorm:"uniqueIndex;size:140" json:"name"`
	Provider   string `gorm:"size:64" json:"provider"`
	Settings   string `gorm:"size:140" json:"settings"`
	Controller string `gorm:"size:140" json:"controller"`
	Enabled    bool   `json:"enabled"`
}
