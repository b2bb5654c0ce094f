package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order statuses driven by payment outcomes.
const (
	OrderStatusUnpaid     = "Unpaid"
	OrderStatusAuthorized = "Authorized"
	OrderStatusPaid       = "Paid"
	OrderStatusCancelled  = "Cancelled"
	OrderStatusFailed     = "Failed"
)

// Order is the business document payments are made against.
type Order struct {
	BaseModel
	Number             string          `gorm:"uniqueIndex;size:64" json:"number"`
	Status             string          `gorm:"index;size:20" json:"status"`
	Description        string          `json:"description"`
	Amount             decimal.Decimal `gorm:"type:numeric(18,2)" json:"amount"`
	Currency           string          `gorm:"size:3" json:"currency"`
	CustomerName       string          `json:"customer_name"`
	CustomerEmail      string          `json:"customer_email"`
	CustomerPhone      string          `json:"customer_phone"`
	AddressLine        string          `json:"address_line"`
	City               string          `json:"city"`
	Country            string          `json:"country"`
	SuccessURL         string          `json:"success_url"`
	PaymentGateway     string          `json:"payment_gateway"`
	PaymentTransaction string          `gorm:"index;size:140" json:"payment_transaction"`
	PaymentRequestID   string          `json:"payment_request_id"`
	FailedReason       string          `json:"failed_reason"`
	PaidAt             *time.Time      `json:"paid_at"`
}
