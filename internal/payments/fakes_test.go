package payments_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/payments"
	"github.com/example/paygate/internal/repository/memory"
)

const testDoctype = "Order"

type fakeController struct {
	provider string
	sets     payments.StateSets
	validate func(st payments.State) error
	charge   func(st payments.State) (payments.HandlerResult, error)
	calls    atomic.Int32
}

func newFakeController() *fakeController {
	return &fakeController{
		provider: "Fake",
		sets:     payments.StateSets{Success: []string{"Completed"}},
	}
}

func (c *fakeController) Provider() string             { return c.provider }
func (c *fakeController) States() payments.StateSets { return c.sets }

func (c *fakeController) ValidateTxData(ctx context.Context, data payments.TxData) error {
	if data.Currency != "IDR" && data.Currency != "EUR" {
		return payments.ValidationError("currency not supported")
	}
	return nil
}

func (c *fakeController) InitiateCharge(ctx context.Context, st payments.State) (payments.Initiation, error) {
	return payments.Initiation{
		CorrelationID: "req-" + st.Transaction.Name,
		Payload:       map[string]any{"checkout_url": "https://pay.example.test/" + st.Transaction.Name},
	}, nil
}

func (c *fakeController) ValidateResponse(ctx context.Context, st payments.State) error {
	if c.validate != nil {
		return c.validate(st)
	}
	return nil
}

func (c *fakeController) ProcessCharge(ctx context.Context, st payments.State) (payments.HandlerResult, error) {
	c.calls.Add(1)
	if c.charge != nil {
		return c.charge(st)
	}
	return statusFromResponse(st), nil
}

func statusFromResponse(st payments.State) payments.HandlerResult {
	status := st.ResponseString("status")
	if outcome, ok := st.EventOutcome(); ok {
		status = string(outcome)
	}
	res := payments.HandlerResult{StatusChangedTo: status}
	if status == string(payments.StatusCancelled) {
		res.Status = payments.StatusCancelled
	}
	return res
}

type fakeMandateController struct {
	*fakeController
	acquisitions atomic.Int32
}

func newFakeMandateController() *fakeMandateController {
	c := newFakeController()
	c.provider = "FakeDebit"
	c.sets = payments.StateSets{
		Success:       []string{"active", "Completed"},
		PreAuthorized: []string{"pending_customer_approval", "submitted"},
	}
	return &fakeMandateController{fakeController: c}
}

func (c *fakeMandateController) ShouldHaveMandate(st payments.State) bool { return true }

func (c *fakeMandateController) MandatePayerKey(data payments.TxData) string {
	return data.PayerEmail()
}

func (c *fakeMandateController) InitiateMandateAcquisition(ctx context.Context, st payments.State) (payments.Initiation, error) {
	return payments.Initiation{
		CorrelationID: "flow-" + st.Transaction.Name,
		Payload:       map[string]any{"redirect_url": "https://debit.example.test/flow"},
	}, nil
}

func (c *fakeMandateController) InitiateMandatedCharge(ctx context.Context, st payments.State) (payments.Initiation, error) {
	return payments.Initiation{CorrelationID: "pm-" + st.Transaction.Name}, nil
}

func (c *fakeMandateController) ProcessMandateAcquisition(ctx context.Context, st payments.State) (payments.HandlerResult, error) {
	c.acquisitions.Add(1)
	status := st.ResponseString("status")
	return payments.HandlerResult{
		StatusChangedTo: status,
		Mandate: &payments.MandateUpdate{
			Reference: st.ResponseString("mandate"),
			Status:    payments.MandatePending,
		},
	}, nil
}

func (c *fakeMandateController) ProcessMandatedCharge(ctx context.Context, st payments.State) (payments.HandlerResult, error) {
	return statusFromResponse(st), nil
}

// fakeWebhookController accepts deliveries carrying the X-Token header.
type fakeWebhookController struct {
	*fakeMandateController
}

type fakeEvent struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	RequestID string `json:"request_id"`
	Mandate   string `json:"mandate"`
	Flow      string `json:"flow"`
	Tx        string `json:"transaction"`
}

func (c *fakeWebhookController) Authenticate(header http.Header, body []byte) error {
	if !payments.VerifyToken(header.Get("X-Token"), []string{"old-secret", "secret"}) {
		return payments.AuthenticationError("invalid token")
	}
	return nil
}

func (c *fakeWebhookController) ParseEvents(body []byte) ([]payments.WebhookEvent, error) {
	var raw []fakeEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	out := make([]payments.WebhookEvent, 0, len(raw))
	for _, e := range raw {
		out = append(out, payments.WebhookEvent{
			ID:               e.ID,
			Action:           e.Action,
			Flow:             payments.Flow(e.Flow),
			Transaction:      e.Tx,
			RequestID:        e.RequestID,
			MandateReference: e.Mandate,
			Payload:          map[string]any{"id": e.ID},
		})
	}
	return out, nil
}

func (c *fakeWebhookController) ActionTable() map[string]payments.EventOutcome {
	return map[string]payments.EventOutcome{
		"payment.paid":      payments.EventCompleted,
		"payment.failed":    payments.EventFailed,
		"payment.cancelled": payments.EventCancelled,
		"mandate.active":    payments.EventMandateActive,
		"mandate.revoked":   payments.EventMandateDisabled,
	}
}

type hookCalls struct {
	charge, mandated, acquisition, authorized int
	authorizedStatus                          string
}

// fakeDoc records every hook invocation.
type fakeDoc struct {
	mu       sync.Mutex
	name     string
	calls    hookCalls
	redirect string
	result   *payments.ProcessResult
	hookErr  error
	panicMsg string
}

func (d *fakeDoc) Doctype() string { return testDoctype }
func (d *fakeDoc) Docname() string { return d.name }

func (d *fakeDoc) OnPaymentAuthorized(ctx context.Context, status string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls.authorized++
	d.calls.authorizedStatus = status
	return d.redirect, nil
}

func (d *fakeDoc) OnPaymentChargeProcessed(ctx context.Context, flags payments.Flags, st payments.State) (*payments.ProcessResult, error) {
	d.mu.Lock()
	d.calls.charge++
	d.mu.Unlock()
	if d.panicMsg != "" {
		panic(d.panicMsg)
	}
	return d.result, d.hookErr
}

func (d *fakeDoc) OnPaymentMandatedChargeProcessed(ctx context.Context, flags payments.Flags, st payments.State) (*payments.ProcessResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls.mandated++
	return nil, nil
}

func (d *fakeDoc) OnPaymentMandateAcquisitionProcessed(ctx context.Context, flags payments.Flags, st payments.State) (*payments.ProcessResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls.acquisition++
	return nil, nil
}

func (d *fakeDoc) snapshot() hookCalls {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeDocs struct {
	mu   sync.Mutex
	docs map[string]*fakeDoc
}

func (r *fakeDocs) Resolve(ctx context.Context, doctype, docname string) (payments.RefDoc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[docname]
	if !ok {
		return nil, errors.New("order not found")
	}
	return doc, nil
}

func (r *fakeDocs) add(name string) *fakeDoc {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc := &fakeDoc{name: name}
	r.docs[name] = doc
	return doc
}

// flakyTransactions fails the next failUpdates calls to Update.
type flakyTransactions struct {
	*memory.Transactions
	failUpdates atomic.Int32
}

func (s *flakyTransactions) Update(ctx context.Context, tx *models.PaymentTransaction) error {
	if s.failUpdates.Add(-1) >= 0 {
		return errors.New("database is read-only")
	}
	s.failUpdates.Store(0)
	return s.Transactions.Update(ctx, tx)
}

type harness struct {
	engine   *payments.Engine
	txs      *flakyTransactions
	mandates *memory.Mandates
	errors   *memory.ErrorLogs
	events   *memory.Events
	docs     *fakeDocs
	locker   *payments.MemoryLocker
}

func newHarness(t *testing.T, controllers map[string]payments.Controller) *harness {
	t.Helper()
	registry := payments.NewRegistry()
	for name, c := range controllers {
		require.NoError(t, registry.Register(name, name+" settings", c))
	}
	h := &harness{
		txs:      &flakyTransactions{Transactions: memory.NewTransactions()},
		mandates: memory.NewMandates(),
		errors:   memory.NewErrorLogs(),
		events:   memory.NewEvents(),
		docs:     &fakeDocs{docs: map[string]*fakeDoc{}},
		locker:   payments.NewMemoryLocker(),
	}
	engine, err := payments.NewEngine(payments.Config{
		Registry:     registry,
		Transactions: h.txs,
		Mandates:     h.mandates,
		RefDocs:      payments.Resolvers{testDoctype: h.docs},
		Locker:       h.locker,
		Reporter:     h.errors,
		Logger:       zaptest.NewLogger(t),
		LockWait:     50 * time.Millisecond,
	})
	require.NoError(t, err)
	h.engine = engine
	return h
}

func orderData(docname, currency string, amount int64) payments.TxData {
	return payments.TxData{
		Amount:           decimal.NewFromInt(amount),
		Currency:         currency,
		ReferenceDoctype: testDoctype,
		ReferenceDocname: docname,
		PayerContact:     map[string]any{"email_id": "payer@example.test", "full_name": "Test Payer"},
	}
}

// initiated creates an order document and a proceeded transaction for it.
func (h *harness) initiated(t *testing.T, gateway, docname string) (string, *fakeDoc) {
	t.Helper()
	doc := h.docs.add(docname)
	name, err := h.engine.InitiatePayment(context.Background(), gateway, orderData(docname, "IDR", 500000), "", "")
	require.NoError(t, err)
	_, err = h.engine.Proceed(context.Background(), name, nil)
	require.NoError(t, err)
	return name, doc
}
