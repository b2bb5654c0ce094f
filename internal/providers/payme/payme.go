// Package payme accepts payments through the Payme merchant API. The payer is
// sent to a Payme checkout page; Payme then drives the transaction with JSON-RPC
// calls served by Merchant.
package payme

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/payments"
	"github.com/example/paygate/internal/repository"
)

const Provider = "Payme"

// Transaction states as Payme defines them.
const (
	StatePaid            = 2
	StatePending         = 1
	StatePendingCanceled = -1
	StatePaidCanceled    = -2
)

// Reported statuses.
const (
	StatusPerformed = "performed"
	StatusCancelled = "cancelled"
)

const defaultCheckoutURL = "https://checkout.payme.uz"

// Store keeps the Payme side of each transaction. Lookups return repository.ErrNotFound.
type Store interface {
	Create(ctx context.Context, txn *models.PaymeTransaction) error
	GetByPaymeID(ctx context.Context, paymeID string) (*models.PaymeTransaction, error)
	FindOpen(ctx context.Context, gateway, transactionName string) (*models.PaymeTransaction, error)
	Update(ctx context.Context, txn *models.PaymeTransaction) error
	ListByCreateTime(ctx context.Context, gateway string, from, to int64) ([]models.PaymeTransaction, error)
}

type Config struct {
	MerchantID  string
	CheckoutURL string
	// ReturnURL is where Payme sends the payer back; tx is appended.
	ReturnURL string
}

// Controller implements payments.Controller and ReturnTranslator.
type Controller struct {
	cfg   Config
	store Store
}

func New(cfg Config, store Store) *Controller {
	if cfg.CheckoutURL == "" {
		cfg.CheckoutURL = defaultCheckoutURL
	}
	cfg.CheckoutURL = strings.TrimRight(cfg.CheckoutURL, "/")
	return &Controller{cfg: cfg, store: store}
}

func (c *Controller) Provider() string { return Provider }

func (c *Controller) States() payments.StateSets {
	return payments.StateSets{Success: []string{StatusPerformed}}
}

func (c *Controller) ValidateTxData(ctx context.Context, data payments.TxData) error {
	if data.Currency != "UZS" {
		return payments.ValidationError(fmt.Sprintf("Please select another payment method. Payme does not support transactions in currency '%s'", data.Currency))
	}
	return nil
}

// InitiateCharge builds the checkout link. Payme issues its own transaction id
// later, in CreateTransaction, so there is no correlation id yet.
func (c *Controller) InitiateCharge(ctx context.Context, st payments.State) (payments.Initiation, error) {
	if c.cfg.MerchantID == "" {
		return payments.Initiation{}, payments.ConfigurationError("payme merchant id is not configured")
	}
	payload := fmt.Sprintf("m=%s;ac.order_id=%s;a=%d", c.cfg.MerchantID, st.Transaction.Name, Tiyin(st.TxData))
	if c.cfg.ReturnURL != "" {
		payload += ";c=" + c.returnURL(st.Transaction.Name)
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(payload))
	return payments.Initiation{
		Payload: map[string]any{
			"checkout_url": c.cfg.CheckoutURL + "/" + encoded,
		},
	}, nil
}

func (c *Controller) ValidateResponse(ctx context.Context, st payments.State) error {
	if amount, ok := st.Response["amount"].(int64); ok && amount != Tiyin(st.TxData) {
		return payments.ValidationError("payme amount does not match this payment")
	}
	return nil
}

// ProcessCharge applies a Perform or Cancel call. A browser return only reads the
// ledger, since Payme reports the outcome through the merchant API.
func (c *Controller) ProcessCharge(ctx context.Context, st payments.State) (payments.HandlerResult, error) {
	if outcome, ok := st.EventOutcome(); ok {
		output := map[string]any{"payme_id": st.ResponseString("payme_id")}
		switch outcome {
		case payments.EventCompleted:
			return payments.HandlerResult{StatusChangedTo: StatusPerformed, Output: output}, nil
		case payments.EventCancelled:
			return payments.HandlerResult{StatusChangedTo: StatusCancelled, Status: payments.StatusCancelled, Output: output}, nil
		}
		return payments.HandlerResult{}, payments.ValidationError(fmt.Sprintf("unexpected payme outcome %q", outcome))
	}

	txn, err := c.store.FindOpen(ctx, st.Transaction.Gateway, st.Transaction.Name)
	if errors.Is(err, repository.ErrNotFound) {
		return payments.HandlerResult{}, payments.ValidationError("payment has not been started at Payme")
	}
	if err != nil {
		return payments.HandlerResult{}, err
	}
	if txn.State != StatePaid {
		return payments.HandlerResult{}, payments.ValidationError("payment is still pending at Payme")
	}
	return payments.HandlerResult{StatusChangedTo: StatusPerformed, Output: map[string]any{"payme_id": txn.PaymeID}}, nil
}

func (c *Controller) TranslateReturn(query map[string]string, body []byte) (payments.ReturnRequest, error) {
	name := query["tx"]
	if name == "" {
		return payments.ReturnRequest{}, payments.ValidationError("missing transaction")
	}
	return payments.ReturnRequest{Transaction: name, Flow: payments.FlowCharge, Payload: map[string]any{}}, nil
}

func (c *Controller) returnURL(name string) string {
	sep := "?"
	if strings.Contains(c.cfg.ReturnURL, "?") {
		sep = "&"
	}
	// Payme splits the checkout parameters on ';' and '=', so the query is not escaped.
	return c.cfg.ReturnURL + sep + "tx=" + name
}

// Tiyin converts the amount to tiyin, the unit Payme counts in.
func Tiyin(data payments.TxData) int64 {
	return data.MinorUnits(2)
}
