// Package xendit charges through Xendit hosted invoices.
package xendit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/paygate/internal/payments"
)

const Provider = "Xendit"

const (
	StatusPending = "PENDING"
	StatusPaid    = "PAID"
	StatusSettled = "SETTLED"
	StatusExpired = "EXPIRED"
)

var supportedCurrencies = []string{"IDR"}

type Config struct {
	BaseURL        string
	SecretKey      string
	CallbackTokens []string
	// ReturnURL receives the payer after checkout; tx and status query parameters are appended.
	ReturnURL string
}

// Controller implements payments.Controller, WebhookReceiver and ReturnTranslator.
type Controller struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config, client *http.Client) *Controller {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Controller{cfg: cfg, client: client}
}

func (c *Controller) Provider() string { return Provider }

func (c *Controller) States() payments.StateSets {
	return payments.StateSets{Success: []string{StatusPaid, StatusSettled}}
}

func (c *Controller) ValidateTxData(ctx context.Context, data payments.TxData) error {
	for _, cur := range supportedCurrencies {
		if data.Currency == cur {
			return nil
		}
	}
	return payments.ValidationError(fmt.Sprintf("Please select another payment method. Xendit does not support transactions in currency '%s'", data.Currency))
}

type invoiceRequest struct {
	ExternalID         string  `json:"external_id"`
	Amount             float64 `json:"amount"`
	PayerEmail         string  `json:"payer_email,omitempty"`
	Description        string  `json:"description"`
	Currency           string  `json:"currency"`
	SuccessRedirectURL string  `json:"success_redirect_url,omitempty"`
	FailureRedirectURL string  `json:"failure_redirect_url,omitempty"`
}

type invoice struct {
	ID             string  `json:"id"`
	ExternalID     string  `json:"external_id"`
	Status         string  `json:"status"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency"`
	InvoiceURL     string  `json:"invoice_url"`
	ExpiryDate     string  `json:"expiry_date"`
	PaymentMethod  string  `json:"payment_method"`
	PaymentChannel string  `json:"payment_channel"`
	PaidAt         string  `json:"paid_at"`
}

// InitiateCharge creates an invoice whose external id is the transaction name.
// An invoice already tracked for the charge is fetched and handed out again.
func (c *Controller) InitiateCharge(ctx context.Context, st payments.State) (payments.Initiation, error) {
	if st.Transaction.Flow == payments.FlowCharge && st.Transaction.RequestID != "" {
		inv, err := c.invoice(ctx, st.Transaction.RequestID)
		if err != nil {
			return payments.Initiation{}, err
		}
		if inv.ExternalID != st.Transaction.Name {
			return payments.Initiation{}, payments.ProviderError("xendit invoice mismatch",
				fmt.Errorf("invoice %s belongs to %s", inv.ID, inv.ExternalID))
		}
		return initiation(inv), nil
	}

	data := st.TxData
	req := invoiceRequest{
		ExternalID:  st.Transaction.Name,
		Amount:      data.Amount.InexactFloat64(),
		PayerEmail:  data.PayerEmail(),
		Description: fmt.Sprintf("%s %s", data.ReferenceDoctype, data.ReferenceDocname),
		Currency:    data.Currency,
	}
	if desc := data.ExtraString("description"); desc != "" {
		req.Description = desc
	}
	if c.cfg.ReturnURL != "" {
		req.SuccessRedirectURL = c.returnURL(st.Transaction.Name, "success")
		req.FailureRedirectURL = c.returnURL(st.Transaction.Name, "failure")
	}

	var inv invoice
	if err := c.do(ctx, http.MethodPost, "/v2/invoices", req, &inv); err != nil {
		return payments.Initiation{}, err
	}
	return initiation(&inv), nil
}

func initiation(inv *invoice) payments.Initiation {
	return payments.Initiation{
		CorrelationID: inv.ID,
		Payload: map[string]any{
			"checkout_url": inv.InvoiceURL,
			"invoice_id":   inv.ID,
			"expiry_date":  inv.ExpiryDate,
		},
	}
}

// ValidateResponse rejects payloads that describe another invoice or amount.
func (c *Controller) ValidateResponse(ctx context.Context, st payments.State) error {
	if ext := st.ResponseString("external_id"); ext != "" && ext != st.Transaction.Name {
		return payments.ValidationError("invoice does not belong to this payment")
	}
	if id := st.ResponseString("id"); id != "" && st.Transaction.RequestID != "" && id != st.Transaction.RequestID {
		return payments.ValidationError("invoice id does not match this payment")
	}
	if amount, ok := st.Response["amount"].(float64); ok {
		if !decimal.NewFromFloat(amount).Equal(st.TxData.Amount) {
			return payments.ValidationError("invoice amount does not match this payment")
		}
	}
	return nil
}

// ProcessCharge reads the invoice status. Browser returns carry no trusted
// status, so the invoice is fetched from Xendit.
func (c *Controller) ProcessCharge(ctx context.Context, st payments.State) (payments.HandlerResult, error) {
	status := st.ResponseString("status")
	output := map[string]any{}

	if _, fromWebhook := st.EventOutcome(); !fromWebhook {
		if st.Transaction.RequestID == "" {
			return payments.HandlerResult{}, payments.ValidationError("no invoice was created for this payment")
		}
		inv, err := c.invoice(ctx, st.Transaction.RequestID)
		if err != nil {
			return payments.HandlerResult{}, err
		}
		if inv.ExternalID != st.Transaction.Name {
			return payments.HandlerResult{}, payments.ValidationError("invoice does not belong to this payment")
		}
		status = inv.Status
		output["payment_method"] = inv.PaymentMethod
		output["payment_channel"] = inv.PaymentChannel
		output["paid_at"] = inv.PaidAt
	}

	switch status {
	case "":
		return payments.HandlerResult{}, payments.ValidationError("invoice status missing")
	case StatusPending:
		return payments.HandlerResult{}, payments.ValidationError("invoice is still awaiting payment")
	}

	res := payments.HandlerResult{StatusChangedTo: status, Output: output}
	if status == StatusExpired {
		res.Status = payments.StatusCancelled
	}
	return res, nil
}

// Authenticate checks the X-Callback-Token header against the configured tokens.
func (c *Controller) Authenticate(header http.Header, body []byte) error {
	if !payments.VerifyToken(header.Get("X-Callback-Token"), c.cfg.CallbackTokens) {
		return payments.AuthenticationError("invalid callback token")
	}
	return nil
}

// ParseEvents reads an invoice callback. Xendit sends one invoice per request and
// repeats it on retry, so the event id combines invoice id and status.
func (c *Controller) ParseEvents(body []byte) ([]payments.WebhookEvent, error) {
	var cb invoice
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, err
	}
	if cb.ID == "" || cb.Status == "" {
		return nil, fmt.Errorf("invoice callback without id or status")
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	return []payments.WebhookEvent{{
		ID:          cb.ID + ":" + cb.Status,
		Action:      "invoice." + cb.Status,
		Flow:        payments.FlowCharge,
		Transaction: cb.ExternalID,
		RequestID:   cb.ID,
		Payload:     raw,
	}}, nil
}

func (c *Controller) ActionTable() map[string]payments.EventOutcome {
	return map[string]payments.EventOutcome{
		"invoice." + StatusPaid:    payments.EventCompleted,
		"invoice." + StatusSettled: payments.EventCompleted,
		"invoice." + StatusExpired: payments.EventCancelled,
	}
}

// TranslateReturn maps the success and failure redirect back to the transaction.
func (c *Controller) TranslateReturn(query map[string]string, body []byte) (payments.ReturnRequest, error) {
	name := query["tx"]
	if name == "" {
		return payments.ReturnRequest{}, payments.ValidationError("missing transaction")
	}
	return payments.ReturnRequest{
		Transaction: name,
		Flow:        payments.FlowCharge,
		Payload:     map[string]any{"return": query["status"]},
	}, nil
}

func (c *Controller) returnURL(name, status string) string {
	sep := "?"
	if strings.Contains(c.cfg.ReturnURL, "?") {
		sep = "&"
	}
	return c.cfg.ReturnURL + sep + url.Values{"tx": {name}, "status": {status}}.Encode()
}

func (c *Controller) invoice(ctx context.Context, id string) (*invoice, error) {
	var inv invoice
	if err := c.do(ctx, http.MethodGet, "/v2/invoices/"+url.PathEscape(id), nil, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

type apiError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (c *Controller) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("xendit request marshal: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("xendit request build: %w", err)
	}
	req.SetBasicAuth(c.cfg.SecretKey, "")
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return payments.ProviderError("xendit is unreachable", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.Unmarshal(respBody, &apiErr)
		return payments.ProviderError("xendit rejected the request",
			fmt.Errorf("%s %s: status %d: %s %s", method, path, resp.StatusCode, apiErr.ErrorCode, apiErr.Message))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return payments.ProviderError("xendit returned an unreadable response", err)
	}
	return nil
}
