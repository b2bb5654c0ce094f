package payme

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/paygate/internal/payments"
	"github.com/example/paygate/internal/payments/paymentstest"
	"github.com/example/paygate/internal/repository/memory"
)

const gateway = "Payme-Main"

type fixture struct {
	h        *paymentstest.Harness
	merchant *Merchant
	store    *memory.Payme
	clock    time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewPayme()
	ctrl := New(Config{MerchantID: "65f0merchant", ReturnURL: "https://shop.example.test/payments/return"}, store)
	h := paymentstest.New(t, map[string]payments.Controller{gateway: ctrl})
	f := &fixture{
		h:        h,
		store:    store,
		merchant: NewMerchant(h.Engine, store, gateway, zaptest.NewLogger(t)),
		clock:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.merchant.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) order(t *testing.T, docname string) string {
	t.Helper()
	ctx := context.Background()
	name, err := f.h.Engine.InitiatePayment(ctx, gateway, paymentstest.TxData(docname, "UZS", "15000"), "", "")
	require.NoError(t, err)
	_, err = f.h.Engine.Proceed(ctx, name, nil)
	require.NoError(t, err)
	return name
}

func (f *fixture) create(t *testing.T, paymeID, name string) *CreateTransactionResult {
	t.Helper()
	res, err := f.merchant.CreateTransaction(context.Background(), CreateTransactionParams{
		Account: Account{OrderID: name},
		Time:    f.clock.UnixMilli(),
		Amount:  1500000,
		ID:      paymeID,
	}, 1)
	require.NoError(t, err)
	return res
}

func requireCode(t *testing.T, err error, code int) *TransactionError {
	t.Helper()
	var te *TransactionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, code, te.Info.Code)
	return te
}

func TestProceedBuildsCheckoutLink(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	name, err := f.h.Engine.InitiatePayment(ctx, gateway, paymentstest.TxData("ORD-4000", "UZS", "15000"), "", "")
	require.NoError(t, err)

	res, err := f.h.Engine.Proceed(ctx, name, nil)
	require.NoError(t, err)
	assert.Equal(t, payments.FlowCharge, res.Type)

	link, _ := res.Payload["checkout_url"].(string)
	require.True(t, strings.HasPrefix(link, defaultCheckoutURL+"/"))
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(link, defaultCheckoutURL+"/"))
	require.NoError(t, err)
	assert.Equal(t, "m=65f0merchant;ac.order_id="+name+";a=1500000;c=https://shop.example.test/payments/return?tx="+name, string(raw))
}

func TestPerformCompletesPayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	name := f.order(t, "ORD-4001")

	require.NoError(t, f.merchant.CheckPerformTransaction(ctx, CheckPerformParams{
		Amount:  1500000,
		Account: Account{OrderID: name},
	}, 1))

	created := f.create(t, "pm-1", name)
	assert.Equal(t, StatePending, created.State)
	assert.Equal(t, f.clock.UnixMilli(), created.CreateTime)

	f.clock = f.clock.Add(time.Minute)
	performed, err := f.merchant.PerformTransaction(ctx, PerformTransactionParams{ID: "pm-1"}, 2)
	require.NoError(t, err)
	assert.Equal(t, StatePaid, performed.State)
	assert.Equal(t, created.Transaction, performed.Transaction)
	assert.Equal(t, payments.StatusCompleted, f.h.Status(t, name))

	doc := f.h.Doc("ORD-4001")
	charged, _, _, authorized := doc.Calls()
	assert.Equal(t, 1, charged)
	assert.Equal(t, 1, authorized)
	assert.Equal(t, StatusPerformed, doc.LastFlags.StatusChangedTo)
	assert.Equal(t, "pm-1", doc.LastState.Response["payme_id"])

	f.clock = f.clock.Add(time.Minute)
	again, err := f.merchant.PerformTransaction(ctx, PerformTransactionParams{ID: "pm-1"}, 3)
	require.NoError(t, err)
	assert.Equal(t, performed.PerformTime, again.PerformTime)
	charged, _, _, _ = doc.Calls()
	assert.Equal(t, 1, charged)

	err = f.merchant.CheckPerformTransaction(ctx, CheckPerformParams{Amount: 1500000, Account: Account{OrderID: name}}, 4)
	requireCode(t, err, ErrorAlreadyDone.Code)
}

func TestCreateTransactionIsIdempotent(t *testing.T) {
	f := setup(t)
	name := f.order(t, "ORD-4002")

	first := f.create(t, "pm-2", name)
	f.clock = f.clock.Add(30 * time.Second)
	second := f.create(t, "pm-2", name)
	assert.Equal(t, first, second)

	_, err := f.merchant.CreateTransaction(context.Background(), CreateTransactionParams{
		Account: Account{OrderID: name},
		Amount:  1500000,
		ID:      "pm-other",
	}, 5)
	requireCode(t, err, ErrorPending.Code)
}

func TestWrongAmountIsRejected(t *testing.T) {
	f := setup(t)
	name := f.order(t, "ORD-4003")

	err := f.merchant.CheckPerformTransaction(context.Background(), CheckPerformParams{
		Amount:  100,
		Account: Account{OrderID: name},
	}, 1)
	requireCode(t, err, ErrorInvalidAmount.Code)
}

func TestUnknownOrderIsNotFound(t *testing.T) {
	f := setup(t)

	err := f.merchant.CheckPerformTransaction(context.Background(), CheckPerformParams{
		Amount:  1500000,
		Account: Account{OrderID: "TX-missing"},
	}, 1)
	te := requireCode(t, err, ErrorTransactionNotFound.Code)
	assert.Equal(t, "order_id", te.Data)

	_, err = f.merchant.PerformTransaction(context.Background(), PerformTransactionParams{ID: "pm-unknown"}, 2)
	requireCode(t, err, ErrorTransactionNotFound.Code)
}

func TestPendingTransactionTimesOut(t *testing.T) {
	f := setup(t)
	name := f.order(t, "ORD-4004")
	f.create(t, "pm-4", name)

	f.clock = f.clock.Add(13 * time.Minute)
	_, err := f.merchant.PerformTransaction(context.Background(), PerformTransactionParams{ID: "pm-4"}, 2)
	requireCode(t, err, ErrorCantDoOperation.Code)

	txn, err := f.store.GetByPaymeID(context.Background(), "pm-4")
	require.NoError(t, err)
	assert.Equal(t, StatePendingCanceled, txn.State)
	require.NotNil(t, txn.Reason)
	assert.Equal(t, reasonTimeout, *txn.Reason)
	assert.Equal(t, payments.StatusQueued, f.h.Status(t, name))

	// A fresh attempt is allowed once the stale one is cancelled.
	f.create(t, "pm-4b", name)
}

func TestCancelPendingCancelsPayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	name := f.order(t, "ORD-4005")
	f.create(t, "pm-5", name)

	f.clock = f.clock.Add(2 * time.Minute)
	res, err := f.merchant.CancelTransaction(ctx, CancelTransactionParams{ID: "pm-5", Reason: 3}, 2)
	require.NoError(t, err)
	assert.Equal(t, StatePendingCanceled, res.State)
	assert.Equal(t, f.clock.UnixMilli(), res.CancelTime)
	assert.Equal(t, payments.StatusCancelled, f.h.Status(t, name))

	again, err := f.merchant.CancelTransaction(ctx, CancelTransactionParams{ID: "pm-5", Reason: 3}, 3)
	require.NoError(t, err)
	assert.Equal(t, res, again)

	check, err := f.merchant.CheckTransaction(ctx, CheckTransactionParams{ID: "pm-5"}, 4)
	require.NoError(t, err)
	require.NotNil(t, check.Reason)
	assert.Equal(t, 3, *check.Reason)

	err = f.merchant.CheckPerformTransaction(ctx, CheckPerformParams{Amount: 1500000, Account: Account{OrderID: name}}, 5)
	requireCode(t, err, ErrorCantDoOperation.Code)
}

func TestCancelPerformedIsRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	name := f.order(t, "ORD-4006")
	f.create(t, "pm-6", name)
	_, err := f.merchant.PerformTransaction(ctx, PerformTransactionParams{ID: "pm-6"}, 2)
	require.NoError(t, err)

	_, err = f.merchant.CancelTransaction(ctx, CancelTransactionParams{ID: "pm-6", Reason: 5}, 3)
	requireCode(t, err, ErrorCantCancel.Code)
	assert.Equal(t, payments.StatusCompleted, f.h.Status(t, name))
}

func TestCheckTransactionAcceptsNumericID(t *testing.T) {
	f := setup(t)
	name := f.order(t, "ORD-4007")
	created := f.create(t, "700", name)

	res, err := f.merchant.CheckTransaction(context.Background(), CheckTransactionParams{ID: float64(700)}, 2)
	require.NoError(t, err)
	assert.Equal(t, created.Transaction, res.Transaction)
	assert.Equal(t, StatePending, res.State)
	assert.Nil(t, res.Reason)

	_, err = f.merchant.CheckTransaction(context.Background(), CheckTransactionParams{ID: true}, 3)
	requireCode(t, err, ErrorTransactionNotFound.Code)
}

func TestGetStatementListsRange(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	from := f.clock.UnixMilli()

	first := f.order(t, "ORD-4008")
	f.create(t, "pm-8", first)
	f.clock = f.clock.Add(time.Hour)
	second := f.order(t, "ORD-4009")
	f.create(t, "pm-9", second)

	all, err := f.merchant.GetStatement(ctx, StatementParams{From: from, To: f.clock.UnixMilli()})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "pm-8", all[0].ID)
	assert.Equal(t, first, all[0].Account.OrderID)
	assert.Equal(t, int64(1500000), all[1].Amount)

	early, err := f.merchant.GetStatement(ctx, StatementParams{From: from, To: from + 1000})
	require.NoError(t, err)
	require.Len(t, early, 1)
	assert.Equal(t, "pm-8", early[0].ID)
}

func TestBrowserReturnReadsLedger(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	name := f.order(t, "ORD-4010")

	out := f.h.Engine.ProcessResponseForCharge(ctx, name, map[string]any{})
	failure, ok := out.(payments.Failure)
	require.True(t, ok)
	assert.Equal(t, payments.KindValidation, failure.Kind)

	f.create(t, "pm-10", name)
	_, err := f.merchant.PerformTransaction(ctx, PerformTransactionParams{ID: "pm-10"}, 2)
	require.NoError(t, err)

	out = f.h.Engine.ProcessResponseForCharge(ctx, name, map[string]any{})
	result, ok := payments.ResultOf(out)
	require.True(t, ok)
	assert.Equal(t, payments.StatusCompleted, result.Status)
}

func TestValidateTxDataRequiresSum(t *testing.T) {
	ctrl := New(Config{MerchantID: "m"}, memory.NewPayme())
	err := ctrl.ValidateTxData(context.Background(), paymentstest.TxData("ORD-1", "USD", "10"))
	require.Error(t, err)
	assert.True(t, payments.IsKind(err, payments.KindValidation))
	assert.NoError(t, ctrl.ValidateTxData(context.Background(), paymentstest.TxData("ORD-1", "UZS", "10")))
}
