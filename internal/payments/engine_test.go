package payments_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/payments"
	"github.com/example/paygate/internal/repository/memory"
)

func TestNewEngineRequiresMandateStoreForMandateGateways(t *testing.T) {
	registry := payments.NewRegistry()
	require.NoError(t, registry.Register("FakeDebit-Main", "", newFakeMandateController()))

	_, err := payments.NewEngine(payments.Config{
		Registry:     registry,
		Transactions: memory.NewTransactions(),
		RefDocs:      payments.Resolvers{},
	})
	assert.True(t, payments.IsKind(err, payments.KindConfiguration))
}

func TestOnRefDocSubmission(t *testing.T) {
	h := newHarness(t, map[string]payments.Controller{"Fake-Main": newFakeController()})
	ctx := context.Background()

	assert.NoError(t, h.engine.OnRefDocSubmission(ctx, "Fake-Main", orderData("ORD-1", "IDR", 100)))

	err := h.engine.OnRefDocSubmission(ctx, "Fake-Main", orderData("ORD-1", "USD", 100))
	assert.True(t, payments.IsKind(err, payments.KindValidation))

	zero := orderData("ORD-1", "IDR", 0)
	err = h.engine.OnRefDocSubmission(ctx, "Fake-Main", zero)
	assert.True(t, payments.IsKind(err, payments.KindValidation))

	err = h.engine.OnRefDocSubmission(ctx, "Missing", orderData("ORD-1", "IDR", 100))
	assert.ErrorIs(t, err, payments.ErrGatewayNotFound)
}

func TestCurrencyIsNormalizedBeforeGatewayChecks(t *testing.T) {
	h := newHarness(t, map[string]payments.Controller{"Fake-Main": newFakeController()})
	ctx := context.Background()

	assert.NoError(t, h.engine.OnRefDocSubmission(ctx, "Fake-Main", orderData("ORD-1", " idr", 100)))

	for _, bad := range []string{"1$x", "ID", "IDRR", "ID-"} {
		err := h.engine.OnRefDocSubmission(ctx, "Fake-Main", orderData("ORD-1", bad, 100))
		assert.True(t, payments.IsKind(err, payments.KindValidation), bad)
		_, err = h.engine.InitiatePayment(ctx, "Fake-Main", orderData("ORD-1", bad, 100), "", "")
		assert.True(t, payments.IsKind(err, payments.KindValidation), bad)
	}
}

func TestInitiatePaymentCreatesQueuedTransaction(t *testing.T) {
	h := newHarness(t, map[string]payments.Controller{"Fake-Main": newFakeController()})
	ctx := context.Background()

	data := orderData("ORD-1", "idr", 500000)
	name, err := h.engine.InitiatePayment(ctx, "Fake-Main", data, "", "")
	require.NoError(t, err)
	assert.Contains(t, name, "PAY-")

	tx, err := h.engine.Transaction(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, string(payments.StatusQueued), tx.Status)
	assert.Equal(t, "Fake-Main", tx.Gateway)
	assert.Equal(t, "IDR", tx.Currency)
	assert.True(t, decimal.NewFromInt(500000).Equal(tx.Amount))
	assert.Equal(t, "ORD-1", tx.ReferenceDocname)
	assert.Empty(t, tx.RequestID)

	named, err := h.engine.InitiatePayment(ctx, "Fake-Main", data, "pre-issued", "PIN-123456")
	require.NoError(t, err)
	assert.Equal(t, "PIN-123456", named)
	tx, err = h.engine.Transaction(ctx, named)
	require.NoError(t, err)
	assert.Equal(t, "pre-issued", tx.RequestID)
}

func TestProceedCharge(t *testing.T) {
	h := newHarness(t, map[string]payments.Controller{"Fake-Main": newFakeController()})
	ctx := context.Background()

	name, err := h.engine.InitiatePayment(ctx, "Fake-Main", orderData("ORD-1", "IDR", 500000), "", "")
	require.NoError(t, err)

	res, err := h.engine.Proceed(ctx, name, map[string]any{"locale": "id"})
	require.NoError(t, err)
	assert.Equal(t, payments.FlowCharge, res.Type)
	assert.Nil(t, res.Mandate)
	assert.Equal(t, "https://pay.example.test/"+name, res.Payload["checkout_url"])
	assert.Equal(t, "id", res.TxData.ExtraString("locale"))

	tx, err := h.engine.Transaction(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "req-"+name, tx.RequestID)
	assert.Equal(t, string(payments.FlowCharge), tx.Flow)
	assert.Equal(t, string(payments.StatusQueued), tx.Status)

	located, err := h.engine.Locate(ctx, "Fake-Main", "req-"+name)
	require.NoError(t, err)
	assert.Equal(t, name, located.Name)
}

func TestProceedRejectsProcessedTransaction(t *testing.T) {
	h := newHarness(t, map[string]payments.Controller{"Fake-Main": newFakeController()})
	ctx := context.Background()
	name, _ := h.initiated(t, "Fake-Main", "ORD-1")

	h.engine.ProcessResponseForCharge(ctx, name, map[string]any{"status": "Completed"})

	_, err := h.engine.Proceed(ctx, name, nil)
	assert.True(t, payments.IsKind(err, payments.KindValidation))
}

func TestProceedProviderErrorIsReported(t *testing.T) {
	ctrl := &failingInitiator{fakeController: newFakeController()}
	h := newHarness(t, map[string]payments.Controller{"Fake-Main": ctrl})
	ctx := context.Background()

	name, err := h.engine.InitiatePayment(ctx, "Fake-Main", orderData("ORD-1", "IDR", 500000), "", "")
	require.NoError(t, err)

	_, err = h.engine.Proceed(ctx, name, nil)
	var pe *payments.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, payments.KindProvider, pe.Kind)
	assert.NotEmpty(t, pe.Reference)
	assert.Contains(t, pe.Message, "server's configuration for Fake-Main")
	assert.NotContains(t, pe.Message, "upstream exploded")

	logs := h.errors.All()
	require.Len(t, logs, 1)
	assert.Equal(t, pe.Reference, logs[0].Reference)
	assert.Contains(t, logs[0].Message, "upstream exploded")
}

type failingInitiator struct {
	*fakeController
}

func (c *failingInitiator) InitiateCharge(ctx context.Context, st payments.State) (payments.Initiation, error) {
	return payments.Initiation{}, errors.New("upstream exploded")
}

// reissuingInitiator opens a new provider session on every call.
type reissuingInitiator struct {
	*fakeController
	issued int
}

func (c *reissuingInitiator) InitiateCharge(ctx context.Context, st payments.State) (payments.Initiation, error) {
	c.issued++
	id := fmt.Sprintf("sess-%d", c.issued)
	return payments.Initiation{CorrelationID: id, Payload: map[string]any{"session": id}}, nil
}

func TestProceedAgainReusesTrackedSession(t *testing.T) {
	h := newHarness(t, map[string]payments.Controller{"Fake-Main": newFakeController()})
	ctx := context.Background()
	name, _ := h.initiated(t, "Fake-Main", "ORD-1")

	again, err := h.engine.Proceed(ctx, name, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.test/"+name, again.Payload["checkout_url"])

	tx, err := h.engine.Transaction(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "req-"+name, tx.RequestID)
}

func TestProceedAgainWithNewSessionIsRejected(t *testing.T) {
	ctrl := &reissuingInitiator{fakeController: newFakeController()}
	h := newHarness(t, map[string]payments.Controller{"Fake-Main": ctrl})
	ctx := context.Background()

	name, err := h.engine.InitiatePayment(ctx, "Fake-Main", orderData("ORD-1", "IDR", 500000), "", "")
	require.NoError(t, err)

	first, err := h.engine.Proceed(ctx, name, nil)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", first.Payload["session"])

	second, err := h.engine.Proceed(ctx, name, nil)
	assert.Nil(t, second)
	var pe *payments.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, payments.KindConcurrent, pe.Kind)
	assert.NotEmpty(t, pe.Reference)
	assert.NotContains(t, pe.Message, "sess-2")

	tx, err := h.engine.Transaction(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", tx.RequestID)
	assert.Equal(t, string(payments.StatusQueued), tx.Status)
}

func TestProceedMandateAcquisitionThenMandatedCharge(t *testing.T) {
	ctrl := newFakeMandateController()
	h := newHarness(t, map[string]payments.Controller{"FakeDebit-Main": ctrl})
	ctx := context.Background()

	first, doc := h.initiated(t, "FakeDebit-Main", "ORD-1")
	tx, err := h.engine.Transaction(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, string(payments.FlowMandateAcquisition), tx.Flow)
	require.NotEmpty(t, tx.SavedMandate)

	mandate, err := h.mandates.Get(ctx, tx.SavedMandate)
	require.NoError(t, err)
	assert.Equal(t, payments.MandateDraft, mandate.Status)
	assert.Equal(t, "payer@example.test", mandate.PayerKey)

	out := h.engine.ProcessResponseForMandateAcquisition(ctx, first, map[string]any{
		"status":  "pending_customer_approval",
		"mandate": "MD0001",
	})
	result, ok := payments.ResultOf(out)
	require.True(t, ok)
	assert.Equal(t, "Payment mandate successfully authorized", result.Message)
	assert.Equal(t, payments.StatusAuthorized, result.Status)

	calls := doc.snapshot()
	assert.Equal(t, 1, calls.acquisition)
	assert.Equal(t, 1, calls.authorized)
	assert.Equal(t, string(payments.StatusAuthorized), calls.authorizedStatus)

	mandate, err = h.mandates.Get(ctx, tx.SavedMandate)
	require.NoError(t, err)
	assert.Equal(t, payments.MandatePending, mandate.Status)
	assert.Equal(t, "MD0001", mandate.Reference)

	// Same transaction moves on to charge the mandate it just acquired.
	res, err := h.engine.Proceed(ctx, first, nil)
	require.NoError(t, err)
	assert.Equal(t, payments.FlowMandatedCharge, res.Type)
	require.NotNil(t, res.Mandate)
	assert.Equal(t, "MD0001", res.Mandate.Reference)

	tx, err = h.engine.Transaction(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, string(payments.StatusAuthorized), tx.Status)
	assert.Equal(t, "pm-"+first, tx.RequestID)

	out = h.engine.ProcessResponseForMandatedCharge(ctx, first, map[string]any{"status": "Completed"})
	result, ok = payments.ResultOf(out)
	require.True(t, ok)
	assert.Equal(t, "Payment mandate charge succeeded", result.Message)
	assert.Equal(t, payments.StatusCompleted, result.Status)
	assert.Equal(t, 1, doc.snapshot().mandated)

	// A later payment by the same payer reuses the mandate.
	second, _ := h.initiated(t, "FakeDebit-Main", "ORD-2")
	tx, err = h.engine.Transaction(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, string(payments.FlowMandatedCharge), tx.Flow)
	assert.Equal(t, mandate.Name, tx.SavedMandate)
}

func TestProceedReusesDraftMandate(t *testing.T) {
	h := newHarness(t, map[string]payments.Controller{"FakeDebit-Main": newFakeMandateController()})
	ctx := context.Background()

	name, _ := h.initiated(t, "FakeDebit-Main", "ORD-1")
	tx, err := h.engine.Transaction(ctx, name)
	require.NoError(t, err)
	draft := tx.SavedMandate

	_, err = h.engine.Proceed(ctx, name, nil)
	require.NoError(t, err)
	tx, err = h.engine.Transaction(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, draft, tx.SavedMandate)
	assert.Equal(t, "flow-"+name, tx.RequestID)
}

func TestUpdateMandateStatus(t *testing.T) {
	h := newHarness(t, map[string]payments.Controller{"FakeDebit-Main": newFakeMandateController()})
	ctx := context.Background()

	m := &models.Mandate{Name: "MDT-1", Gateway: "FakeDebit-Main", Reference: "MD9", Status: payments.MandatePending, PayerKey: "p@example.test"}
	require.NoError(t, h.mandates.Create(ctx, m))

	require.NoError(t, h.engine.UpdateMandateStatus(ctx, "FakeDebit-Main", "MD9", payments.MandateDisabled, map[string]any{"cause": "bank_account_closed"}))

	got, err := h.mandates.Get(ctx, "MDT-1")
	require.NoError(t, err)
	assert.Equal(t, payments.MandateDisabled, got.Status)
	var details map[string]any
	require.NoError(t, models.DecodeJSON(got.Details, &details))
	assert.Equal(t, "bank_account_closed", details["cause"])

	err = h.engine.UpdateMandateStatus(ctx, "FakeDebit-Main", "unknown", payments.MandateActive, nil)
	assert.ErrorIs(t, err, payments.ErrMandateNotFound)
}

func TestIsUserFlowInitiationDelegated(t *testing.T) {
	h := newHarness(t, map[string]payments.Controller{
		"Fake-Main":      newFakeController(),
		"Delegated-Main": &delegatedController{fakeController: newFakeController()},
	})
	ctx := context.Background()

	plain, err := h.engine.InitiatePayment(ctx, "Fake-Main", orderData("ORD-1", "IDR", 10), "", "")
	require.NoError(t, err)
	delegated, err := h.engine.InitiatePayment(ctx, "Delegated-Main", orderData("ORD-2", "IDR", 10), "", "")
	require.NoError(t, err)
	assert.Equal(t, "123456", delegated)

	ok, err := h.engine.IsUserFlowInitiationDelegated(ctx, plain)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.engine.IsUserFlowInitiationDelegated(ctx, delegated)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = h.engine.IsUserFlowInitiationDelegated(ctx, "nope")
	assert.True(t, payments.IsKind(err, payments.KindNotFound))
}

type delegatedController struct {
	*fakeController
}

func (c *delegatedController) IsUserFlowInitiationDelegated(tx payments.Snapshot) bool { return true }
func (c *delegatedController) TransactionName() (string, error)                       { return "123456", nil }
