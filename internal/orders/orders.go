// Package orders is the reference document payments are made against. It builds
// payment data from an order and moves the order along as payments settle.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/notify"
	"github.com/example/paygate/internal/payments"
	"github.com/example/paygate/internal/repository"
)

const Doctype = "Order"

// Store persists orders. GetByNumber returns repository.ErrNotFound.
type Store interface {
	Create(ctx context.Context, order *models.Order) error
	GetByNumber(ctx context.Context, number string) (*models.Order, error)
	Update(ctx context.Context, order *models.Order) error
	List(ctx context.Context, limit, offset int) ([]models.Order, int64, error)
}

type Notifier interface {
	NotifyPayment(ctx context.Context, p notify.PaymentNotification) error
}

type Service struct {
	store    Store
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
}

func NewService(store Store, notifier Notifier, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, notifier: notifier, log: log.Named("orders"), now: time.Now}
}

type CreateInput struct {
	Number        string          `json:"number"`
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CustomerName  string          `json:"customer_name"`
	CustomerEmail string          `json:"customer_email"`
	CustomerPhone string          `json:"customer_phone"`
	AddressLine   string          `json:"address_line"`
	City          string          `json:"city"`
	Country       string          `json:"country"`
	SuccessURL    string          `json:"success_url"`
}

// Create stores a new unpaid order. A number is generated when none is given.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Order, error) {
	if !in.Amount.IsPositive() {
		return nil, payments.ValidationError("amount must be positive")
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if len(currency) != 3 {
		return nil, payments.ValidationError("currency must be a 3 letter code")
	}
	number := strings.TrimSpace(in.Number)
	if number == "" {
		number = "ORD-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	}

	order := &models.Order{
		Number:        number,
		Status:        models.OrderStatusUnpaid,
		Description:   in.Description,
		Amount:        in.Amount,
		Currency:      currency,
		CustomerName:  in.CustomerName,
		CustomerEmail: in.CustomerEmail,
		CustomerPhone: in.CustomerPhone,
		AddressLine:   in.AddressLine,
		City:          in.City,
		Country:       in.Country,
		SuccessURL:    in.SuccessURL,
	}
	if err := s.store.Create(ctx, order); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, payments.ValidationError(fmt.Sprintf("order %s already exists", number))
		}
		return nil, err
	}
	s.log.Info("order created", zap.String("order", number), zap.String("amount", order.Amount.String()), zap.String("currency", currency))
	return order, nil
}

func (s *Service) Get(ctx context.Context, number string) (*models.Order, error) {
	order, err := s.store.GetByNumber(ctx, number)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &payments.Error{Kind: payments.KindNotFound, Message: fmt.Sprintf("order %s not found", number), Err: err}
	}
	return order, err
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]models.Order, int64, error) {
	return s.store.List(ctx, limit, offset)
}

// TxData builds the payment data for order.
func TxData(order *models.Order) payments.TxData {
	contact := map[string]any{}
	if order.CustomerName != "" {
		contact["full_name"] = order.CustomerName
	}
	if order.CustomerEmail != "" {
		contact["email_id"] = order.CustomerEmail
	}
	if order.CustomerPhone != "" {
		contact["mobile_no"] = order.CustomerPhone
	}
	address := map[string]any{}
	if order.AddressLine != "" {
		address["address_line1"] = order.AddressLine
	}
	if order.City != "" {
		address["city"] = order.City
	}
	if order.Country != "" {
		address["country"] = order.Country
	}
	data := payments.TxData{
		Amount:           order.Amount,
		Currency:         order.Currency,
		ReferenceDoctype: Doctype,
		ReferenceDocname: order.Number,
		PayerContact:     contact,
		PayerAddress:     address,
	}
	if order.Description != "" {
		data.Extra = map[string]any{"description": order.Description}
	}
	return data
}

// AttachPayment records the transaction started for order.
func (s *Service) AttachPayment(ctx context.Context, order *models.Order, gateway, transaction string) error {
	if order.Status == models.OrderStatusPaid {
		return payments.ValidationError(fmt.Sprintf("order %s is already paid", order.Number))
	}
	order.PaymentGateway = gateway
	order.PaymentTransaction = transaction
	order.FailedReason = ""
	if order.Status != models.OrderStatusAuthorized {
		order.Status = models.OrderStatusUnpaid
	}
	return s.store.Update(ctx, order)
}

// Resolve implements payments.RefDocResolver.
func (s *Service) Resolve(ctx context.Context, doctype, docname string) (payments.RefDoc, error) {
	if doctype != Doctype {
		return nil, payments.ConfigurationError(fmt.Sprintf("orders cannot resolve doctype %q", doctype))
	}
	order, err := s.Get(ctx, docname)
	if err != nil {
		return nil, err
	}
	return &Document{svc: s, order: order}, nil
}

// Document is an order seen by the payment engine.
type Document struct {
	svc   *Service
	order *models.Order
}

func (d *Document) Doctype() string { return Doctype }
func (d *Document) Docname() string { return d.order.Number }

// OnPaymentAuthorized sends the payer to the order's success page, if it has one.
func (d *Document) OnPaymentAuthorized(ctx context.Context, status string) (string, error) {
	return d.order.SuccessURL, nil
}

func (d *Document) OnPaymentChargeProcessed(ctx context.Context, flags payments.Flags, st payments.State) (*payments.ProcessResult, error) {
	return d.settle(ctx, flags, st)
}

func (d *Document) OnPaymentMandatedChargeProcessed(ctx context.Context, flags payments.Flags, st payments.State) (*payments.ProcessResult, error) {
	return d.settle(ctx, flags, st)
}

// OnPaymentMandateAcquisitionProcessed keeps the order open while the mandate is
// charged. Only a failed acquisition settles it.
func (d *Document) OnPaymentMandateAcquisitionProcessed(ctx context.Context, flags payments.Flags, st payments.State) (*payments.ProcessResult, error) {
	if flags.Classification != payments.ClassFailed {
		d.order.PaymentTransaction = st.Transaction.Name
		d.order.PaymentGateway = st.Transaction.Gateway
		if err := d.svc.store.Update(ctx, d.order); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return d.settle(ctx, flags, st)
}

func (d *Document) settle(ctx context.Context, flags payments.Flags, st payments.State) (*payments.ProcessResult, error) {
	order := d.order
	if order.Status == models.OrderStatusPaid {
		d.svc.log.Warn("payment processed for an order that is already paid",
			zap.String("order", order.Number),
			zap.String("transaction", st.Transaction.Name),
		)
		return nil, nil
	}

	switch flags.Status {
	case payments.StatusCompleted:
		now := d.svc.now()
		order.Status = models.OrderStatusPaid
		order.PaidAt = &now
		order.FailedReason = ""
	case payments.StatusAuthorized:
		order.Status = models.OrderStatusAuthorized
	case payments.StatusCancelled:
		order.Status = models.OrderStatusCancelled
		order.FailedReason = st.ResponseString(payments.FailureReasonKey)
	default:
		order.Status = models.OrderStatusFailed
		order.FailedReason = st.ResponseString(payments.FailureReasonKey)
	}
	order.PaymentTransaction = st.Transaction.Name
	order.PaymentGateway = st.Transaction.Gateway
	order.PaymentRequestID = st.Transaction.RequestID

	if err := d.svc.store.Update(ctx, order); err != nil {
		return nil, fmt.Errorf("update order %s: %w", order.Number, err)
	}
	d.svc.log.Info("order payment settled",
		zap.String("order", order.Number),
		zap.String("transaction", st.Transaction.Name),
		zap.String("status", order.Status),
	)

	if d.svc.notifier != nil {
		err := d.svc.notifier.NotifyPayment(ctx, notify.PaymentNotification{
			OrderNumber: order.Number,
			Transaction: st.Transaction.Name,
			Gateway:     st.Transaction.Gateway,
			Amount:      order.Amount,
			Currency:    order.Currency,
			Status:      string(flags.Status),
			Reason:      order.FailedReason,
		})
		if err != nil {
			d.svc.log.Warn("payment notification failed", zap.String("order", order.Number), zap.Error(err))
		}
	}

	if flags.Classification == payments.ClassFailed && order.FailedReason != "" {
		return &payments.ProcessResult{
			Message: "Payment failed: " + order.FailedReason,
			Action:  payments.Action{RedirectTo: "/"},
		}, nil
	}
	return nil, nil
}
