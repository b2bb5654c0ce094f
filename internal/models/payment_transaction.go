package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentTransaction is the record of one payment attempt against a reference document.
type PaymentTransaction struct {
	BaseModel
	Name             string          `gorm:"uniqueIndex;size:140" json:"name"`
	Gateway          string          `gorm:"index:idx_payment_tx_request,priority:1;size:140" json:"gateway"`
	ReferenceDoctype string          `gorm:"index:idx_payment_tx_reference,priority:1;size:140" json:"reference_doctype"`
	ReferenceDocname string          `gorm:"index:idx_payment_tx_reference,priority:2;size:140" json:"reference_docname"`
	Amount           decimal.Decimal `gorm:"type:numeric(18,2)" json:"amount"`
	Currency         string          `gorm:"size:3" json:"currency"`
	PayerContact     datatypes.JSON  `json:"payer_contact"`
	PayerAddress     datatypes.JSON  `json:"payer_address"`
	Data             datatypes.JSON  `json:"data"`
	Output           datatypes.JSON  `json:"output"`
	Error            datatypes.JSON  `json:"error"`
	Status           string          `gorm:"index;size:20" json:"status"`
	Flow             string          `gorm:"size:32" json:"flow"`
	RequestID        string          `gorm:"index:idx_payment_tx_request,priority:2;size:255" json:"request_id"`
	SavedMandate     string          `gorm:"size:140" json:"saved_mandate"`
	SavedReturnValue datatypes.JSON  `json:"saved_return_value"`
}
