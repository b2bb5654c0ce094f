// Package paymentstest wires an engine on in-memory stores for gateway tests.
package paymentstest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/paygate/internal/payments"
	"github.com/example/paygate/internal/repository/memory"
)

const Doctype = "Order"

// Doc is a reference document that counts hook calls.
type Doc struct {
	mu         sync.Mutex
	name       string
	Charged    int
	Mandated   int
	Acquired   int
	Authorized int
	LastFlags  payments.Flags
	LastState  payments.State
}

func (d *Doc) Doctype() string { return Doctype }
func (d *Doc) Docname() string { return d.name }

func (d *Doc) OnPaymentAuthorized(ctx context.Context, status string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Authorized++
	return "", nil
}

func (d *Doc) OnPaymentChargeProcessed(ctx context.Context, flags payments.Flags, st payments.State) (*payments.ProcessResult, error) {
	d.record(&d.Charged, flags, st)
	return nil, nil
}

func (d *Doc) OnPaymentMandatedChargeProcessed(ctx context.Context, flags payments.Flags, st payments.State) (*payments.ProcessResult, error) {
	d.record(&d.Mandated, flags, st)
	return nil, nil
}

func (d *Doc) OnPaymentMandateAcquisitionProcessed(ctx context.Context, flags payments.Flags, st payments.State) (*payments.ProcessResult, error) {
	d.record(&d.Acquired, flags, st)
	return nil, nil
}

func (d *Doc) record(counter *int, flags payments.Flags, st payments.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	*counter++
	d.LastFlags = flags
	d.LastState = st
}

// Calls returns a copy of the counters.
func (d *Doc) Calls() (charged, mandated, acquired, authorized int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Charged, d.Mandated, d.Acquired, d.Authorized
}

type docs struct {
	mu   sync.Mutex
	byID map[string]*Doc
}

func (r *docs) Resolve(ctx context.Context, doctype, docname string) (payments.RefDoc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.byID[docname]
	if !ok {
		doc = &Doc{name: docname}
		r.byID[docname] = doc
	}
	return doc, nil
}

type Harness struct {
	Engine       *payments.Engine
	Dispatcher   *payments.Dispatcher
	Transactions *memory.Transactions
	Mandates     *memory.Mandates
	Events       *memory.Events
	ErrorLogs    *memory.ErrorLogs
	docs         *docs
}

// New registers gateways and builds an engine and dispatcher over fresh stores.
func New(t testing.TB, gateways map[string]payments.Controller) *Harness {
	t.Helper()
	registry := payments.NewRegistry()
	for name, c := range gateways {
		require.NoError(t, registry.Register(name, name, c))
	}
	h := &Harness{
		Transactions: memory.NewTransactions(),
		Mandates:     memory.NewMandates(),
		Events:       memory.NewEvents(),
		ErrorLogs:    memory.NewErrorLogs(),
		docs:         &docs{byID: map[string]*Doc{}},
	}
	log := zaptest.NewLogger(t)
	engine, err := payments.NewEngine(payments.Config{
		Registry:     registry,
		Transactions: h.Transactions,
		Mandates:     h.Mandates,
		RefDocs:      payments.Resolvers{Doctype: h.docs},
		Reporter:     h.ErrorLogs,
		Logger:       log,
		LockWait:     200 * time.Millisecond,
	})
	require.NoError(t, err)
	h.Engine = engine
	h.Dispatcher = payments.NewDispatcher(engine, h.Events, time.Hour, log)
	return h
}

// Doc returns the reference document named docname.
func (h *Harness) Doc(docname string) *Doc {
	doc, _ := h.docs.Resolve(context.Background(), Doctype, docname)
	return doc.(*Doc)
}

// TxData builds order payment data with a payer contact.
func TxData(docname, currency, amount string) payments.TxData {
	return payments.TxData{
		Amount:           decimal.RequireFromString(amount),
		Currency:         currency,
		ReferenceDoctype: Doctype,
		ReferenceDocname: docname,
		PayerContact: map[string]any{
			"email_id":   "payer@example.test",
			"first_name": "Siti",
			"last_name":  "Rahma",
			"mobile_no":  "+998901234567",
		},
		PayerAddress: map[string]any{
			"address_line1": "Jl. Sudirman 1",
			"city":          "Jakarta",
			"pincode":       "10220",
			"country":       "ID",
		},
	}
}

// Status reads the stored status of a transaction.
func (h *Harness) Status(t testing.TB, name string) payments.Status {
	t.Helper()
	tx, err := h.Transactions.Get(context.Background(), name)
	require.NoError(t, err)
	return payments.Status(tx.Status)
}
