// Package stripe charges cards through Stripe PaymentIntents.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/example/paygate/internal/payments"
)

const Provider = "Stripe"

// PaymentIntent statuses.
const (
	StatusSucceeded             = "succeeded"
	StatusRequiresCapture       = "requires_capture"
	StatusRequiresPaymentMethod = "requires_payment_method"
	StatusCanceled              = "canceled"
)

var supportedCurrencies = map[string]bool{
	"AED": true, "ALL": true, "ANG": true, "ARS": true, "AUD": true, "AWG": true, "BBD": true, "BDT": true,
	"BIF": true, "BMD": true, "BND": true, "BOB": true, "BRL": true, "BSD": true, "BWP": true, "BZD": true,
	"CAD": true, "CHF": true, "CLP": true, "CNY": true, "COP": true, "CRC": true, "CVE": true, "CZK": true,
	"DJF": true, "DKK": true, "DOP": true, "DZD": true, "EGP": true, "ETB": true, "EUR": true, "FJD": true,
	"FKP": true, "GBP": true, "GIP": true, "GMD": true, "GNF": true, "GTQ": true, "GYD": true, "HKD": true,
	"HNL": true, "HRK": true, "HTG": true, "HUF": true, "IDR": true, "ILS": true, "INR": true, "ISK": true,
	"JMD": true, "JPY": true, "KES": true, "KHR": true, "KMF": true, "KRW": true, "KYD": true, "KZT": true,
	"LAK": true, "LBP": true, "LKR": true, "LRD": true, "MAD": true, "MDL": true, "MNT": true, "MOP": true,
	"MRO": true, "MUR": true, "MVR": true, "MWK": true, "MXN": true, "MYR": true, "NAD": true, "NGN": true,
	"NIO": true, "NOK": true, "NPR": true, "NZD": true, "PAB": true, "PEN": true, "PGK": true, "PHP": true,
	"PKR": true, "PLN": true, "PYG": true, "QAR": true, "RUB": true, "SAR": true, "SBD": true, "SCR": true,
	"SEK": true, "SGD": true, "SHP": true, "SLL": true, "SOS": true, "STD": true, "SVC": true, "SZL": true,
	"THB": true, "TOP": true, "TTD": true, "TWD": true, "TZS": true, "UAH": true, "UGX": true, "USD": true,
	"UYU": true, "UZS": true, "VND": true, "VUV": true, "WST": true, "XAF": true, "XOF": true, "XPF": true,
	"YER": true, "ZAR": true,
}

var minimumCharge = map[string]decimal.Decimal{
	"JPY": decimal.NewFromInt(50),
	"MXN": decimal.NewFromInt(10),
	"DKK": decimal.RequireFromString("2.50"),
	"HKD": decimal.RequireFromString("4.00"),
	"NOK": decimal.RequireFromString("3.00"),
	"SEK": decimal.RequireFromString("3.00"),
	"USD": decimal.RequireFromString("0.50"),
	"AUD": decimal.RequireFromString("0.50"),
	"BRL": decimal.RequireFromString("0.50"),
	"CAD": decimal.RequireFromString("0.50"),
	"CHF": decimal.RequireFromString("0.50"),
	"EUR": decimal.RequireFromString("0.50"),
	"GBP": decimal.RequireFromString("0.30"),
	"NZD": decimal.RequireFromString("0.50"),
	"SGD": decimal.RequireFromString("0.50"),
}

var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true, "KRW": true, "MGA": true,
	"PYG": true, "RWF": true, "UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

type Config struct {
	SecretKey      string
	PublishableKey string
	WebhookSecrets []string
	// APIURL overrides the Stripe API base, used against local fakes.
	APIURL string
	// ReturnURL receives the payer after 3-D Secure or wallet redirects; tx is appended.
	ReturnURL string
}

// intentAPI is the part of paymentintent.Client the controller calls.
type intentAPI interface {
	New(params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error)
	Get(id string, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error)
}

// Controller implements payments.Controller, WebhookReceiver and ReturnTranslator.
type Controller struct {
	cfg     Config
	intents intentAPI
}

func New(cfg Config, client *http.Client, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	backendCfg := &stripeapi.BackendConfig{
		HTTPClient:        client,
		MaxNetworkRetries: stripeapi.Int64(2),
		LeveledLogger:     log.Named("stripe").Sugar(),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripeapi.String(strings.TrimRight(cfg.APIURL, "/"))
		backendCfg.MaxNetworkRetries = stripeapi.Int64(0)
	}
	backend := stripeapi.GetBackendWithConfig(stripeapi.APIBackend, backendCfg)
	return &Controller{
		cfg:     cfg,
		intents: &paymentintent.Client{B: backend, Key: cfg.SecretKey},
	}
}

func (c *Controller) Provider() string { return Provider }

func (c *Controller) States() payments.StateSets {
	return payments.StateSets{Success: []string{StatusSucceeded, StatusRequiresCapture}}
}

func (c *Controller) ValidateTxData(ctx context.Context, data payments.TxData) error {
	if !supportedCurrencies[data.Currency] {
		return payments.ValidationError(fmt.Sprintf("Please select another payment method. Stripe does not support transactions in currency '%s'", data.Currency))
	}
	if min, ok := minimumCharge[data.Currency]; ok && data.Amount.LessThan(min) {
		return payments.ValidationError(fmt.Sprintf("For currency %s, the minimum transaction amount should be %s", data.Currency, min.StringFixed(2)))
	}
	return nil
}

// InitiateCharge creates a PaymentIntent keyed by the transaction name and hands
// its client secret to the checkout page. An intent already tracked for the
// charge is fetched instead.
func (c *Controller) InitiateCharge(ctx context.Context, st payments.State) (payments.Initiation, error) {
	if st.Transaction.Flow == payments.FlowCharge && st.Transaction.RequestID != "" {
		params := &stripeapi.PaymentIntentParams{}
		params.Context = ctx
		pi, err := c.intents.Get(st.Transaction.RequestID, params)
		if err != nil {
			return payments.Initiation{}, providerError("stripe payment intent lookup failed", err)
		}
		return c.initiation(st, pi), nil
	}

	data := st.TxData
	params := &stripeapi.PaymentIntentParams{
		Amount:   stripeapi.Int64(minorUnits(data)),
		Currency: stripeapi.String(strings.ToLower(data.Currency)),
		AutomaticPaymentMethods: &stripeapi.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripeapi.Bool(true),
		},
		Description: stripeapi.String(fmt.Sprintf("%s %s", data.ReferenceDoctype, data.ReferenceDocname)),
	}
	if email := data.PayerEmail(); email != "" {
		params.ReceiptEmail = stripeapi.String(email)
	}
	if desc := data.ExtraString("description"); desc != "" {
		params.Description = stripeapi.String(desc)
	}
	params.Context = ctx
	params.SetIdempotencyKey(st.Transaction.Name)
	params.AddMetadata("transaction", st.Transaction.Name)
	params.AddMetadata("reference_doctype", data.ReferenceDoctype)
	params.AddMetadata("reference_docname", data.ReferenceDocname)

	pi, err := c.intents.New(params)
	if err != nil {
		return payments.Initiation{}, providerError("stripe rejected the payment intent", err)
	}
	return c.initiation(st, pi), nil
}

func (c *Controller) initiation(st payments.State, pi *stripeapi.PaymentIntent) payments.Initiation {
	payload := map[string]any{
		"payment_intent":  pi.ID,
		"client_secret":   pi.ClientSecret,
		"publishable_key": c.cfg.PublishableKey,
	}
	if c.cfg.ReturnURL != "" {
		payload["return_url"] = c.returnURL(st.Transaction.Name)
	}
	return payments.Initiation{CorrelationID: pi.ID, Payload: payload}
}

func (c *Controller) ValidateResponse(ctx context.Context, st payments.State) error {
	if id := st.ResponseString("id"); id != "" && st.Transaction.RequestID != "" && id != st.Transaction.RequestID {
		return payments.ValidationError("payment intent does not belong to this payment")
	}
	if amount, ok := st.Response["amount"].(float64); ok && int64(amount) != minorUnits(st.TxData) {
		return payments.ValidationError("payment intent amount does not match this payment")
	}
	return nil
}

// ProcessCharge maps the PaymentIntent status. Browser returns are confirmed
// against the API.
func (c *Controller) ProcessCharge(ctx context.Context, st payments.State) (payments.HandlerResult, error) {
	status := st.ResponseString("status")
	reason := st.ResponseString(payments.FailureReasonKey)

	if _, fromWebhook := st.EventOutcome(); !fromWebhook {
		if st.Transaction.RequestID == "" {
			return payments.HandlerResult{}, payments.ValidationError("no payment intent was created for this payment")
		}
		params := &stripeapi.PaymentIntentParams{}
		params.Context = ctx
		pi, err := c.intents.Get(st.Transaction.RequestID, params)
		if err != nil {
			return payments.HandlerResult{}, providerError("stripe payment intent lookup failed", err)
		}
		if pi.Metadata["transaction"] != "" && pi.Metadata["transaction"] != st.Transaction.Name {
			return payments.HandlerResult{}, payments.ValidationError("payment intent does not belong to this payment")
		}
		status = string(pi.Status)
		if pi.LastPaymentError != nil {
			reason = pi.LastPaymentError.Msg
		}
	}

	output := map[string]any{"payment_intent_status": status}
	switch status {
	case StatusSucceeded:
		return payments.HandlerResult{StatusChangedTo: status, Output: output}, nil
	case StatusRequiresCapture:
		return payments.HandlerResult{StatusChangedTo: status, Status: payments.StatusAuthorized, Output: output}, nil
	case StatusCanceled:
		return payments.HandlerResult{StatusChangedTo: status, Status: payments.StatusCancelled, Output: output}, nil
	case StatusRequiresPaymentMethod:
		if reason != "" {
			output[payments.FailureReasonKey] = reason
			return payments.HandlerResult{StatusChangedTo: status, Output: output}, nil
		}
	case "":
		return payments.HandlerResult{}, payments.ValidationError("payment intent status missing")
	}
	return payments.HandlerResult{}, payments.ValidationError("payment is not finished yet")
}

// Authenticate verifies the Stripe-Signature header with each configured secret.
func (c *Controller) Authenticate(header http.Header, body []byte) error {
	sig := header.Get("Stripe-Signature")
	if sig == "" {
		return payments.AuthenticationError("missing Stripe-Signature header")
	}
	var lastErr error
	for _, secret := range c.cfg.WebhookSecrets {
		if secret == "" {
			continue
		}
		_, err := webhook.ConstructEventWithOptions(body, sig, secret, webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return &payments.Error{Kind: payments.KindAuthentication, Message: "invalid webhook signature", Err: lastErr}
}

type intentObject struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (c *Controller) ParseEvents(body []byte) ([]payments.WebhookEvent, error) {
	var ev stripeapi.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	if ev.ID == "" || ev.Data == nil {
		return nil, errors.New("stripe event without id or data")
	}
	out := payments.WebhookEvent{ID: ev.ID, Action: string(ev.Type), Flow: payments.FlowCharge}
	if !strings.HasPrefix(string(ev.Type), "payment_intent.") {
		return []payments.WebhookEvent{out}, nil
	}

	var pi intentObject
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}
	out.RequestID = pi.ID
	out.Transaction = pi.Metadata["transaction"]
	out.Payload = map[string]any{
		"id":       pi.ID,
		"status":   pi.Status,
		"amount":   float64(pi.Amount),
		"currency": pi.Currency,
	}
	if pi.LastPaymentError != nil {
		out.Payload[payments.FailureReasonKey] = pi.LastPaymentError.Message
		out.Payload["decline_code"] = pi.LastPaymentError.Code
	}
	return []payments.WebhookEvent{out}, nil
}

func (c *Controller) ActionTable() map[string]payments.EventOutcome {
	return map[string]payments.EventOutcome{
		"payment_intent.succeeded":                 payments.EventCompleted,
		"payment_intent.amount_capturable_updated": payments.EventAuthorized,
		"payment_intent.payment_failed":            payments.EventFailed,
		"payment_intent.canceled":                  payments.EventCancelled,
	}
}

// TranslateReturn reads the payment_intent parameter Stripe appends to return_url.
func (c *Controller) TranslateReturn(query map[string]string, body []byte) (payments.ReturnRequest, error) {
	name := query["tx"]
	if name == "" || query["payment_intent"] == "" {
		return payments.ReturnRequest{}, payments.ValidationError("missing transaction or payment intent")
	}
	return payments.ReturnRequest{
		Transaction: name,
		Flow:        payments.FlowCharge,
		Payload:     map[string]any{"id": query["payment_intent"], "redirect_status": query["redirect_status"]},
	}, nil
}

func (c *Controller) returnURL(name string) string {
	sep := "?"
	if strings.Contains(c.cfg.ReturnURL, "?") {
		sep = "&"
	}
	return c.cfg.ReturnURL + sep + url.Values{"tx": {name}}.Encode()
}

func minorUnits(data payments.TxData) int64 {
	if zeroDecimal[data.Currency] {
		return data.MinorUnits(0)
	}
	return data.MinorUnits(2)
}

func providerError(msg string, err error) error {
	var se *stripeapi.Error
	if errors.As(err, &se) && se.Type == stripeapi.ErrorTypeCard {
		return &payments.Error{Kind: payments.KindValidation, Message: se.Msg, Err: err}
	}
	return payments.ProviderError(msg, err)
}
