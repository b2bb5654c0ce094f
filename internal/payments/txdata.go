package payments

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TxData is the transaction data a reference document hands to a gateway.
type TxData struct {
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	ReferenceDoctype string          `json:"reference_doctype"`
	ReferenceDocname string          `json:"reference_docname"`
	PayerContact     map[string]any  `json:"payer_contact,omitempty"`
	PayerAddress     map[string]any  `json:"payer_address,omitempty"`
	Extra            map[string]any  `json:"extra,omitempty"`
}

// Validate checks the fields every gateway relies on.
func (d TxData) Validate() error {
	if !d.Amount.IsPositive() {
		return ValidationError("amount must be greater than zero")
	}
	if !isCurrencyCode(d.Currency) {
		return ValidationError(fmt.Sprintf("invalid currency %q", d.Currency))
	}
	if strings.TrimSpace(d.ReferenceDoctype) == "" || strings.TrimSpace(d.ReferenceDocname) == "" {
		return ValidationError("reference document is required")
	}
	return nil
}

// Normalized returns d with the currency as an upper-case code.
func (d TxData) Normalized() TxData {
	d.Currency = strings.ToUpper(strings.TrimSpace(d.Currency))
	return d
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

// MinorUnits converts the amount into the smallest currency unit for the given exponent.
func (d TxData) MinorUnits(exponent int32) int64 {
	return d.Amount.Shift(exponent).Round(0).IntPart()
}

// PayerEmail returns the payer's email from the contact, if any.
func (d TxData) PayerEmail() string {
	return lookupString(d.PayerContact, "email_id", "email")
}

func (d TxData) PayerName() string {
	if name := lookupString(d.PayerContact, "full_name", "name"); name != "" {
		return name
	}
	first := lookupString(d.PayerContact, "first_name")
	last := lookupString(d.PayerContact, "last_name")
	return strings.TrimSpace(first + " " + last)
}

func (d TxData) PayerPhone() string {
	return lookupString(d.PayerContact, "mobile_no", "phone")
}

// ExtraString reads a string from the data added by proceed updates.
func (d TxData) ExtraString(key string) string {
	return lookupString(d.Extra, key)
}

// ExtraBool reads a boolean flag from the data added by proceed updates.
func (d TxData) ExtraBool(key string) bool {
	v, ok := d.Extra[key]
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "1" || strings.EqualFold(b, "true")
	case float64:
		return b != 0
	}
	return false
}

func (d TxData) merge(updates map[string]any) TxData {
	if len(updates) == 0 {
		return d
	}
	extra := make(map[string]any, len(d.Extra)+len(updates))
	for k, v := range d.Extra {
		extra[k] = v
	}
	for k, v := range updates {
		extra[k] = v
	}
	d.Extra = extra
	return d
}

func lookupString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}
