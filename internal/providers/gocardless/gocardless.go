// Package gocardless collects payments by direct debit. The payer first signs a
// mandate through a hosted redirect flow; later payments are created against it
// without the payer present.
package gocardless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/paygate/internal/payments"
)

const Provider = "GoCardless"

const apiVersion = "2015-07-06"

// Mandate statuses that still allow collecting payments.
var usableMandateStatuses = []string{"pending_customer_approval", "pending_submission", "submitted", "active"}

var supportedCurrencies = []string{"EUR", "DKK", "GBP", "SEK", "AUD", "NZD", "CAD", "USD"}

type Config struct {
	BaseURL        string
	AccessToken    string
	WebhookSecrets []string
	// ReturnURL receives the payer after the redirect flow; tx is appended.
	ReturnURL string
}

// Controller implements payments.MandateController, WebhookReceiver and ReturnTranslator.
type Controller struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config, client *http.Client) *Controller {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Controller{cfg: cfg, client: client}
}

func (c *Controller) Provider() string { return Provider }

// States: pending payments are reported as Completed with the canonical status
// pinned to Authorized until the collection is confirmed.
func (c *Controller) States() payments.StateSets {
	return payments.StateSets{
		Success:       []string{"active", "confirmed", "paid_out", "Completed"},
		PreAuthorized: []string{"pending_customer_approval", "pending_submission", "submitted"},
	}
}

func (c *Controller) ValidateTxData(ctx context.Context, data payments.TxData) error {
	for _, cur := range supportedCurrencies {
		if data.Currency == cur {
			return nil
		}
	}
	return payments.ValidationError(fmt.Sprintf("Please select another payment method. Go Cardless does not support transactions in currency '%s'", data.Currency))
}

func (c *Controller) ShouldHaveMandate(st payments.State) bool { return true }

func (c *Controller) MandatePayerKey(data payments.TxData) string {
	return strings.ToLower(data.PayerEmail())
}

// InitiateCharge is never elected: every GoCardless payment needs a mandate.
func (c *Controller) InitiateCharge(ctx context.Context, st payments.State) (payments.Initiation, error) {
	return payments.Initiation{}, payments.ConfigurationError("gocardless payments require a mandate")
}

func (c *Controller) ProcessCharge(ctx context.Context, st payments.State) (payments.HandlerResult, error) {
	return payments.HandlerResult{}, payments.ConfigurationError("gocardless payments require a mandate")
}

type redirectFlow struct {
	ID          string `json:"id"`
	RedirectURL string `json:"redirect_url"`
	Links       struct {
		Mandate  string `json:"mandate"`
		Customer string `json:"customer"`
	} `json:"links"`
}

type mandate struct {
	ID                    string `json:"id"`
	Status                string `json:"status"`
	Scheme                string `json:"scheme"`
	NextPossibleChargeDay string `json:"next_possible_charge_date"`
}

type payment struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	ChargeDate  string            `json:"charge_date"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Links       struct {
		Mandate string `json:"mandate"`
	} `json:"links"`
}

// InitiateMandateAcquisition starts a redirect flow whose session token is the
// transaction name. A flow already tracked for the acquisition is fetched and
// handed out again.
func (c *Controller) InitiateMandateAcquisition(ctx context.Context, st payments.State) (payments.Initiation, error) {
	if st.Transaction.Flow == payments.FlowMandateAcquisition && st.Transaction.RequestID != "" {
		var got struct {
			RedirectFlows redirectFlow `json:"redirect_flows"`
		}
		if err := c.do(ctx, http.MethodGet, "/redirect_flows/"+url.PathEscape(st.Transaction.RequestID), "", nil, &got); err != nil {
			return payments.Initiation{}, err
		}
		return flowInitiation(got.RedirectFlows), nil
	}

	data := st.TxData
	given, family := splitName(data.PayerName())
	customer := map[string]string{
		"email":       data.PayerEmail(),
		"given_name":  given,
		"family_name": family,
	}
	for key, field := range map[string]string{
		"address_line1": "address_line1",
		"city":          "city",
		"postal_code":   "pincode",
		"country_code":  "country",
	} {
		if v, ok := data.PayerAddress[field].(string); ok && v != "" {
			customer[key] = v
		}
	}

	body := map[string]any{
		"redirect_flows": map[string]any{
			"description":          fmt.Sprintf("%s %s", data.ReferenceDoctype, data.ReferenceDocname),
			"session_token":        st.Transaction.Name,
			"success_redirect_url": c.returnURL(st.Transaction.Name),
			"prefilled_customer":   customer,
			"metadata": map[string]string{
				"reference_doctype":  data.ReferenceDoctype,
				"reference_document": data.ReferenceDocname,
			},
		},
	}
	var out struct {
		RedirectFlows redirectFlow `json:"redirect_flows"`
	}
	if err := c.do(ctx, http.MethodPost, "/redirect_flows", "", body, &out); err != nil {
		return payments.Initiation{}, err
	}
	return flowInitiation(out.RedirectFlows), nil
}

func flowInitiation(flow redirectFlow) payments.Initiation {
	return payments.Initiation{
		CorrelationID: flow.ID,
		Payload: map[string]any{
			"redirect_url":     flow.RedirectURL,
			"redirect_flow_id": flow.ID,
		},
	}
}

// InitiateMandatedCharge creates a payment against the stored mandate. The
// transaction name is the idempotency key, so a retried proceed never debits twice.
func (c *Controller) InitiateMandatedCharge(ctx context.Context, st payments.State) (payments.Initiation, error) {
	if st.Mandate == nil || st.Mandate.Reference == "" {
		return payments.Initiation{}, payments.ValidationError("no mandate on file for this payer")
	}
	data := st.TxData
	req := payment{
		Amount:      data.MinorUnits(2),
		Currency:    data.Currency,
		Description: data.ExtraString("description"),
		Metadata: map[string]string{
			"reference_doctype":  data.ReferenceDoctype,
			"reference_document": data.ReferenceDocname,
			"transaction":        st.Transaction.Name,
		},
	}
	req.Links.Mandate = st.Mandate.Reference

	var out struct {
		Payments payment `json:"payments"`
	}
	var err error
	if st.Transaction.Flow == payments.FlowMandatedCharge && st.Transaction.RequestID != "" {
		err = c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(st.Transaction.RequestID), "", nil, &out)
	} else {
		err = c.do(ctx, http.MethodPost, "/payments", st.Transaction.Name, map[string]any{"payments": req}, &out)
	}
	if id := conflictingResource(err); id != "" {
		err = c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(id), "", nil, &out)
	}
	if err != nil {
		return payments.Initiation{}, err
	}
	return payments.Initiation{
		CorrelationID: out.Payments.ID,
		Payload: map[string]any{
			"payment_id":  out.Payments.ID,
			"status":      out.Payments.Status,
			"charge_date": out.Payments.ChargeDate,
		},
	}, nil
}

// ValidateResponse rejects payloads that name another redirect flow or payment.
func (c *Controller) ValidateResponse(ctx context.Context, st payments.State) error {
	req := st.Transaction.RequestID
	if id := st.ResponseString("redirect_flow_id"); id != "" && req != "" && id != req {
		return payments.ValidationError("redirect flow does not belong to this payment")
	}
	if id := st.ResponseString("payment_id"); id != "" && st.Transaction.Flow == payments.FlowMandatedCharge && req != "" && id != req {
		return payments.ValidationError("payment does not belong to this transaction")
	}
	return nil
}

// ProcessMandateAcquisition completes the redirect flow and reads the new mandate.
func (c *Controller) ProcessMandateAcquisition(ctx context.Context, st payments.State) (payments.HandlerResult, error) {
	flowID := st.ResponseString("redirect_flow_id")
	if flowID == "" {
		flowID = st.Transaction.RequestID
	}
	if flowID == "" {
		return payments.HandlerResult{}, payments.ValidationError("redirect flow id missing")
	}

	var completed struct {
		RedirectFlows redirectFlow `json:"redirect_flows"`
	}
	body := map[string]any{"data": map[string]string{"session_token": st.Transaction.Name}}
	if err := c.do(ctx, http.MethodPost, "/redirect_flows/"+url.PathEscape(flowID)+"/actions/complete", "", body, &completed); err != nil {
		return payments.HandlerResult{}, err
	}
	ref := completed.RedirectFlows.Links.Mandate
	if ref == "" {
		return payments.HandlerResult{}, payments.ProviderError("gocardless did not link a mandate", fmt.Errorf("redirect flow %s completed without mandate", flowID))
	}

	var got struct {
		Mandates mandate `json:"mandates"`
	}
	if err := c.do(ctx, http.MethodGet, "/mandates/"+url.PathEscape(ref), "", nil, &got); err != nil {
		return payments.HandlerResult{}, err
	}

	status := payments.MandateDisabled
	switch {
	case got.Mandates.Status == "active":
		status = payments.MandateActive
	case contains(usableMandateStatuses, got.Mandates.Status):
		status = payments.MandatePending
	}
	// The transaction stays open for the mandated charge that follows.
	var pinned payments.Status
	if status != payments.MandateDisabled {
		pinned = payments.StatusAuthorized
	}
	return payments.HandlerResult{
		StatusChangedTo: got.Mandates.Status,
		Status:          pinned,
		Output:          map[string]any{"mandate": ref, "customer": completed.RedirectFlows.Links.Customer},
		Mandate: &payments.MandateUpdate{
			Reference: ref,
			Status:    status,
			Details: map[string]any{
				"customer":                  completed.RedirectFlows.Links.Customer,
				"scheme":                    got.Mandates.Scheme,
				"next_possible_charge_date": got.Mandates.NextPossibleChargeDay,
			},
		},
	}, nil
}

// ProcessMandatedCharge maps the payment status, taken from the webhook action or
// fetched from the API.
func (c *Controller) ProcessMandatedCharge(ctx context.Context, st payments.State) (payments.HandlerResult, error) {
	var status string
	if _, fromWebhook := st.EventOutcome(); fromWebhook {
		status = strings.TrimPrefix(st.ResponseString(payments.EventActionKey), "payments.")
	} else {
		if st.Transaction.RequestID == "" {
			return payments.HandlerResult{}, payments.ValidationError("no payment was created for this transaction")
		}
		var got struct {
			Payments payment `json:"payments"`
		}
		if err := c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(st.Transaction.RequestID), "", nil, &got); err != nil {
			return payments.HandlerResult{}, err
		}
		status = got.Payments.Status
	}
	return paymentResult(status, st.ResponseString(payments.FailureReasonKey)), nil
}

func paymentResult(status, reason string) payments.HandlerResult {
	output := map[string]any{"payment_status": status}
	switch status {
	case "pending_submission", "pending_customer_approval", "submitted":
		return payments.HandlerResult{StatusChangedTo: "Completed", Status: payments.StatusAuthorized, Output: output}
	case "confirmed", "paid_out":
		return payments.HandlerResult{StatusChangedTo: status, Output: output}
	case "cancelled", "customer_approval_denied", "charged_back":
		return payments.HandlerResult{StatusChangedTo: status, Status: payments.StatusCancelled, Output: output}
	}
	if reason != "" {
		output[payments.FailureReasonKey] = reason
	}
	if status == "" {
		status = "failed"
	}
	return payments.HandlerResult{StatusChangedTo: status, Output: output}
}

// Authenticate checks the Webhook-Signature header against every configured secret.
func (c *Controller) Authenticate(header http.Header, body []byte) error {
	if !payments.VerifyHMACSHA256(body, header.Get("Webhook-Signature"), c.cfg.WebhookSecrets) {
		return payments.AuthenticationError("invalid webhook signature")
	}
	return nil
}

type event struct {
	ID           string `json:"id"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	Links        struct {
		Payment string `json:"payment"`
		Mandate string `json:"mandate"`
	} `json:"links"`
	Details struct {
		Cause       string `json:"cause"`
		Description string `json:"description"`
		Origin      string `json:"origin"`
	} `json:"details"`
	Metadata map[string]string `json:"resource_metadata"`
}

func (c *Controller) ParseEvents(body []byte) ([]payments.WebhookEvent, error) {
	var envelope struct {
		Events []event `json:"events"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	if envelope.Events == nil {
		return nil, fmt.Errorf("webhook without events")
	}

	out := make([]payments.WebhookEvent, 0, len(envelope.Events))
	for _, e := range envelope.Events {
		ev := payments.WebhookEvent{
			ID:     e.ID,
			Action: e.ResourceType + "." + e.Action,
			Payload: map[string]any{
				"id":            e.ID,
				"resource_type": e.ResourceType,
				"action":        e.Action,
				"cause":         e.Details.Cause,
			},
		}
		if e.Details.Description != "" {
			ev.Payload[payments.FailureReasonKey] = e.Details.Description
		}
		switch e.ResourceType {
		case "payments":
			ev.Flow = payments.FlowMandatedCharge
			ev.RequestID = e.Links.Payment
			ev.Transaction = e.Metadata["transaction"]
			ev.Payload["payment_id"] = e.Links.Payment
		case "mandates":
			ev.MandateReference = e.Links.Mandate
		}
		out = append(out, ev)
	}
	return out, nil
}

func (c *Controller) ActionTable() map[string]payments.EventOutcome {
	return map[string]payments.EventOutcome{
		"payments.submitted":                payments.EventAuthorized,
		"payments.confirmed":                payments.EventCompleted,
		"payments.paid_out":                 payments.EventCompleted,
		"payments.failed":                   payments.EventFailed,
		"payments.cancelled":                payments.EventCancelled,
		"payments.customer_approval_denied": payments.EventCancelled,
		"payments.charged_back":             payments.EventCancelled,

		"mandates.customer_approval_granted": payments.EventMandateActive,
		"mandates.submitted":                 payments.EventMandateActive,
		"mandates.active":                    payments.EventMandateActive,
		"mandates.reinstated":                payments.EventMandateActive,
		"mandates.cancelled":                 payments.EventMandateDisabled,
		"mandates.failed":                    payments.EventMandateDisabled,
		"mandates.expired":                   payments.EventMandateDisabled,
		"mandates.blocked":                   payments.EventMandateDisabled,
		"mandates.consumed":                  payments.EventMandateDisabled,
	}
}

// TranslateReturn reads the redirect flow id GoCardless appends to the success URL.
func (c *Controller) TranslateReturn(query map[string]string, body []byte) (payments.ReturnRequest, error) {
	name, flowID := query["tx"], query["redirect_flow_id"]
	if name == "" || flowID == "" {
		return payments.ReturnRequest{}, payments.ValidationError("missing transaction or redirect flow")
	}
	return payments.ReturnRequest{
		Transaction: name,
		Flow:        payments.FlowMandateAcquisition,
		Payload:     map[string]any{"redirect_flow_id": flowID},
	}, nil
}

func (c *Controller) returnURL(name string) string {
	sep := "?"
	if strings.Contains(c.cfg.ReturnURL, "?") {
		sep = "&"
	}
	return c.cfg.ReturnURL + sep + url.Values{"tx": {name}}.Encode()
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Errors  []struct {
			Field   string `json:"field"`
			Message string `json:"message"`
			Reason  string `json:"reason"`
			Links   struct {
				ConflictingResourceID string `json:"conflicting_resource_id"`
			} `json:"links"`
		} `json:"errors"`
	} `json:"error"`
}

// requestError is the cause wrapped into the ProviderError of a rejected call.
type requestError struct {
	Method string
	Path   string
	Status int
	Body   apiError
}

func (e *requestError) Error() string {
	reasons := make([]string, 0, len(e.Body.Error.Errors))
	for _, item := range e.Body.Error.Errors {
		reasons = append(reasons, item.Reason)
	}
	return fmt.Sprintf("%s %s: status %d: %s %s [%s]", e.Method, e.Path, e.Status,
		e.Body.Error.Type, e.Body.Error.Message, strings.Join(reasons, ","))
}

// conflictingResource returns the id of the resource an earlier request with the
// same idempotency key created.
func conflictingResource(err error) string {
	var re *requestError
	if !errors.As(err, &re) || re.Status != http.StatusConflict {
		return ""
	}
	for _, item := range re.Body.Error.Errors {
		if item.Reason == "idempotent_creation_conflict" {
			return item.Links.ConflictingResourceID
		}
	}
	return ""
}

func (c *Controller) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("gocardless request marshal: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("gocardless request build: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("GoCardless-Version", apiVersion)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return payments.ProviderError("gocardless is unreachable", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		re := &requestError{Method: method, Path: path, Status: resp.StatusCode}
		_ = json.Unmarshal(respBody, &re.Body)
		return payments.ProviderError("gocardless rejected the request", re)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return payments.ProviderError("gocardless returned an unreadable response", err)
	}
	return nil
}

func splitName(full string) (given, family string) {
	full = strings.TrimSpace(full)
	if i := strings.LastIndex(full, " "); i > 0 {
		return full[:i], full[i+1:]
	}
	return full, ""
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
