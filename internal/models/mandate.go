package models

import "gorm.io/datatypes"

// Mandate is a payer's standing authorization for recurring charges through one gateway.
type Mandate struct {
	BaseModel
	Name      string         `gorm:"uniqueIndex;size:140" json:"name"`
	Gateway   string         `gorm:"index:idx_mandate_payer,priority:1;size:140" json:"gateway"`
	PayerKey  string         `gorm:"index:idx_mandate_payer,priority:2;size:255" json:"payer_key"`
	Reference string         `gorm:"index;size:255" json:"reference"`
	Status    string         `gorm:"size:20" json:"status"`
	Currency  string         `gorm:"size:3" json:"currency"`
	Payer     datatypes.JSON `json:"payer"`
	Details   datatypes.JSON `json:"details"`
}
