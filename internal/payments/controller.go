package payments

import (
	"context"
	"net/http"
	"time"
)

// StateSets declares which reported statuses a controller treats as success
// and, for mandate acquisition, as pre-authorized.
type StateSets struct {
	Success       []string
	PreAuthorized []string
}

func (s StateSets) classify(flow Flow, status string) Classification {
	if contains(s.Success, status) {
		return ClassSucceeded
	}
	if flow == FlowMandateAcquisition && contains(s.PreAuthorized, status) {
		return ClassAuthorized
	}
	return ClassFailed
}

// Initiation is what a controller returns when it starts a flow with the provider.
type Initiation struct {
	CorrelationID string
	Payload       map[string]any
}

// Snapshot is a read-only copy of the transaction record.
type Snapshot struct {
	Name         string    `json:"name"`
	Gateway      string    `json:"gateway"`
	Status       Status    `json:"status"`
	Flow         Flow      `json:"flow"`
	RequestID    string    `json:"request_id"`
	SavedMandate string    `json:"saved_mandate"`
	CreatedAt    time.Time `json:"created_at"`
}

// MandateSnapshot is a read-only copy of a mandate.
type MandateSnapshot struct {
	Name      string         `json:"name"`
	Reference string         `json:"reference"`
	Status    string         `json:"status"`
	PayerKey  string         `json:"payer_key"`
	Currency  string         `json:"currency"`
	Details   map[string]any `json:"details,omitempty"`
}

// State is the context handed to controller and hook calls. Values only; nothing
// a handler does to it is persisted.
type State struct {
	Transaction Snapshot
	TxData      TxData
	Response    map[string]any
	Mandate     *MandateSnapshot
}

// ResponseString reads a string field of the response payload.
func (s State) ResponseString(key string) string {
	return lookupString(s.Response, key)
}

// EventOutcome returns the canonical outcome the dispatcher attached to a webhook payload.
func (s State) EventOutcome() (EventOutcome, bool) {
	v := lookupString(s.Response, EventOutcomeKey)
	return EventOutcome(v), v != ""
}

// MandateUpdate changes the mandate attached to the transaction.
type MandateUpdate struct {
	Reference string
	Status    string
	Details   map[string]any
}

// HandlerResult is what a controller reports after processing a provider response.
// StatusChangedTo is in the controller's own vocabulary and is required.
// Status optionally pins the canonical status (e.g. Cancelled instead of Failed).
type HandlerResult struct {
	StatusChangedTo string
	Status          Status
	Custom          *ProcessResult
	Output          map[string]any
	Mandate         *MandateUpdate
}

// Controller is the capability every gateway adapter implements.
type Controller interface {
	Provider() string
	States() StateSets
	// ValidateTxData runs when the reference document is submitted, before any provider call.
	ValidateTxData(ctx context.Context, data TxData) error
	InitiateCharge(ctx context.Context, st State) (Initiation, error)
	// ValidateResponse authenticates and sanity-checks an inbound response payload.
	ValidateResponse(ctx context.Context, st State) error
	ProcessCharge(ctx context.Context, st State) (HandlerResult, error)
}

// MandateController is implemented by gateways that charge against stored mandates.
type MandateController interface {
	Controller
	ShouldHaveMandate(st State) bool
	MandatePayerKey(data TxData) string
	InitiateMandateAcquisition(ctx context.Context, st State) (Initiation, error)
	InitiateMandatedCharge(ctx context.Context, st State) (Initiation, error)
	ProcessMandateAcquisition(ctx context.Context, st State) (HandlerResult, error)
	ProcessMandatedCharge(ctx context.Context, st State) (HandlerResult, error)
}

// FlowDelegator is implemented by gateways where the reference document owner,
// not the payer's browser, starts the payment flow.
type FlowDelegator interface {
	IsUserFlowInitiationDelegated(tx Snapshot) bool
}

// NameGenerator lets a gateway choose transaction names, e.g. a short pin code.
type NameGenerator interface {
	TransactionName() (string, error)
}

// ReturnRequest is a browser return translated into engine terms.
type ReturnRequest struct {
	Transaction string
	Flow        Flow
	Payload     map[string]any
}

// ReturnTranslator turns a provider's browser redirect into a ReturnRequest.
type ReturnTranslator interface {
	TranslateReturn(query map[string]string, body []byte) (ReturnRequest, error)
}

// WebhookReceiver is implemented by gateways that post server-to-server notifications.
type WebhookReceiver interface {
	Authenticate(header http.Header, body []byte) error
	ParseEvents(body []byte) ([]WebhookEvent, error)
	ActionTable() map[string]EventOutcome
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
