package payme

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/payments"
	"github.com/example/paygate/internal/repository"
)

// Transactions left pending longer than this are cancelled with reason 4.
const pendingTimeout = 12 * time.Minute

const reasonTimeout = 4

// Merchant serves the Payme merchant API for one gateway.
type Merchant struct {
	engine  *payments.Engine
	store   Store
	gateway string
	log     *zap.Logger
	now     func() time.Time
}

func NewMerchant(engine *payments.Engine, store Store, gateway string, log *zap.Logger) *Merchant {
	if log == nil {
		log = zap.NewNop()
	}
	return &Merchant{
		engine:  engine,
		store:   store,
		gateway: gateway,
		log:     log.With(zap.String("gateway", gateway)),
		now:     time.Now,
	}
}

type Account struct {
	OrderID string `json:"order_id"`
}

type CheckPerformParams struct {
	Amount  int64   `json:"amount"`
	Account Account `json:"account"`
}

type CheckTransactionParams struct {
	ID any `json:"id"`
}

type CreateTransactionParams struct {
	Account Account `json:"account"`
	Time    int64   `json:"time"`
	Amount  int64   `json:"amount"`
	ID      string  `json:"id"`
}

type PerformTransactionParams struct {
	ID string `json:"id"`
}

type CancelTransactionParams struct {
	ID     string `json:"id"`
	Reason int    `json:"reason"`
}

type StatementParams struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type CheckTransactionResult struct {
	CreateTime  int64  `json:"create_time"`
	PerformTime int64  `json:"perform_time"`
	CancelTime  int64  `json:"cancel_time"`
	Transaction string `json:"transaction"`
	State       int    `json:"state"`
	Reason      *int   `json:"reason"`
}

type CreateTransactionResult struct {
	CreateTime  int64  `json:"create_time"`
	Transaction string `json:"transaction"`
	State       int    `json:"state"`
}

type PerformTransactionResult struct {
	PerformTime int64  `json:"perform_time"`
	Transaction string `json:"transaction"`
	State       int    `json:"state"`
}

type CancelTransactionResult struct {
	CancelTime  int64  `json:"cancel_time"`
	Transaction string `json:"transaction"`
	State       int    `json:"state"`
}

type StatementTransaction struct {
	ID          string  `json:"id"`
	Time        int64   `json:"time"`
	Amount      int64   `json:"amount"`
	Account     Account `json:"account"`
	CreateTime  int64   `json:"create_time"`
	PerformTime int64   `json:"perform_time"`
	CancelTime  int64   `json:"cancel_time"`
	Transaction string  `json:"transaction"`
	State       int     `json:"state"`
	Reason      *int    `json:"reason"`
}

// CheckPerformTransaction validates that the payment exists, is still open and
// the amount matches.
func (m *Merchant) CheckPerformTransaction(ctx context.Context, params CheckPerformParams, id any) error {
	tx, err := m.engine.Transaction(ctx, params.Account.OrderID)
	if err != nil {
		if payments.IsKind(err, payments.KindNotFound) {
			return &TransactionError{Info: ErrorTransactionNotFound, ID: id, Data: "order_id"}
		}
		return err
	}
	if tx.Gateway != m.gateway {
		return &TransactionError{Info: ErrorTransactionNotFound, ID: id, Data: "order_id"}
	}

	switch payments.Status(tx.Status) {
	case payments.StatusCompleted:
		return &TransactionError{Info: ErrorAlreadyDone, ID: id}
	case payments.StatusCancelled, payments.StatusFailed:
		return &TransactionError{Info: ErrorCantDoOperation, ID: id}
	}

	if tx.Amount.Shift(2).IntPart() != params.Amount {
		return &TransactionError{Info: ErrorInvalidAmount, ID: id}
	}
	return nil
}

// CheckTransaction returns transaction state by Payme transaction id.
func (m *Merchant) CheckTransaction(ctx context.Context, params CheckTransactionParams, id any) (*CheckTransactionResult, error) {
	var lookupID string
	switch v := params.ID.(type) {
	case string:
		lookupID = v
	case float64:
		lookupID = strconv.FormatInt(int64(v), 10)
	default:
		return nil, &TransactionError{Info: ErrorTransactionNotFound, ID: id}
	}

	txn, err := m.find(ctx, lookupID, id)
	if err != nil {
		return nil, err
	}

	var reason *int
	if txn.Reason != nil && *txn.Reason != 0 {
		reason = txn.Reason
	}
	return &CheckTransactionResult{
		CreateTime:  txn.CreateTime,
		PerformTime: txn.PerformTime,
		CancelTime:  txn.CancelTime,
		Transaction: txn.ID.String(),
		State:       txn.State,
		Reason:      reason,
	}, nil
}

// CreateTransaction creates or reuses a pending Payme transaction for the payment.
func (m *Merchant) CreateTransaction(ctx context.Context, params CreateTransactionParams, id any) (*CreateTransactionResult, error) {
	if err := m.CheckPerformTransaction(ctx, CheckPerformParams{
		Amount:  params.Amount,
		Account: params.Account,
	}, id); err != nil {
		return nil, err
	}

	currentTime := m.now().UnixMilli()

	existing, err := m.store.GetByPaymeID(ctx, params.ID)
	if err == nil {
		if existing.State != StatePending {
			return nil, &TransactionError{Info: ErrorCantDoOperation, ID: id}
		}
		if m.expired(existing, currentTime) {
			if err := m.expire(ctx, existing, currentTime); err != nil {
				return nil, err
			}
			return nil, &TransactionError{Info: ErrorCantDoOperation, ID: id}
		}
		return &CreateTransactionResult{
			CreateTime:  existing.CreateTime,
			Transaction: existing.ID.String(),
			State:       StatePending,
		}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	open, err := m.store.FindOpen(ctx, m.gateway, params.Account.OrderID)
	if err == nil {
		if open.State == StatePaid {
			return nil, &TransactionError{Info: ErrorAlreadyDone, ID: id}
		}
		if !m.expired(open, currentTime) {
			return nil, &TransactionError{Info: ErrorPending, ID: id}
		}
		if err := m.expire(ctx, open, currentTime); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	txn := &models.PaymeTransaction{
		PaymeID:         params.ID,
		Gateway:         m.gateway,
		TransactionName: params.Account.OrderID,
		State:           StatePending,
		Amount:          params.Amount,
		Time:            params.Time,
		CreateTime:      currentTime,
	}
	if err := m.store.Create(ctx, txn); err != nil {
		return nil, err
	}
	m.log.Info("payme transaction created",
		zap.String("payme_id", params.ID),
		zap.String("transaction", params.Account.OrderID),
		zap.Int64("amount", params.Amount),
	)

	return &CreateTransactionResult{
		CreateTime:  currentTime,
		Transaction: txn.ID.String(),
		State:       StatePending,
	}, nil
}

// PerformTransaction completes the payment. Repeated calls return the first result.
func (m *Merchant) PerformTransaction(ctx context.Context, params PerformTransactionParams, id any) (*PerformTransactionResult, error) {
	currentTime := m.now().UnixMilli()

	txn, err := m.find(ctx, params.ID, id)
	if err != nil {
		return nil, err
	}

	if txn.State != StatePending {
		if txn.State != StatePaid {
			return nil, &TransactionError{Info: ErrorCantDoOperation, ID: id}
		}
		return &PerformTransactionResult{
			PerformTime: txn.PerformTime,
			Transaction: txn.ID.String(),
			State:       StatePaid,
		}, nil
	}

	if m.expired(txn, currentTime) {
		if err := m.expire(ctx, txn, currentTime); err != nil {
			return nil, err
		}
		return nil, &TransactionError{Info: ErrorCantDoOperation, ID: id}
	}

	out := m.engine.ProcessResponseForCharge(ctx, txn.TransactionName, m.payload(txn, payments.EventCompleted, "PerformTransaction"))
	if err := m.checkOutcome(out, payments.StatusCompleted, txn, id); err != nil {
		return nil, err
	}

	txn.State = StatePaid
	txn.PerformTime = currentTime
	if err := m.store.Update(ctx, txn); err != nil {
		return nil, err
	}
	return &PerformTransactionResult{
		PerformTime: currentTime,
		Transaction: txn.ID.String(),
		State:       StatePaid,
	}, nil
}

// CancelTransaction cancels a pending transaction. Performed transactions cannot
// be cancelled since refunds are not supported.
func (m *Merchant) CancelTransaction(ctx context.Context, params CancelTransactionParams, id any) (*CancelTransactionResult, error) {
	txn, err := m.find(ctx, params.ID, id)
	if err != nil {
		return nil, err
	}

	currentTime := m.now().UnixMilli()

	switch txn.State {
	case StatePaid:
		return nil, &TransactionError{Info: ErrorCantCancel, ID: id}
	case StatePending:
		out := m.engine.ProcessResponseForCharge(ctx, txn.TransactionName, m.payload(txn, payments.EventCancelled, "CancelTransaction"))
		if err := m.checkOutcome(out, payments.StatusCancelled, txn, id); err != nil {
			return nil, err
		}
		reason := params.Reason
		txn.State = StatePendingCanceled
		txn.Reason = &reason
		txn.CancelTime = currentTime
		if err := m.store.Update(ctx, txn); err != nil {
			return nil, err
		}
	}

	cancelTime := txn.CancelTime
	if cancelTime == 0 {
		cancelTime = currentTime
	}
	return &CancelTransactionResult{
		CancelTime:  cancelTime,
		Transaction: txn.ID.String(),
		State:       -1 * intAbs(txn.State),
	}, nil
}

// GetStatement returns transactions created in the given time range.
func (m *Merchant) GetStatement(ctx context.Context, params StatementParams) ([]StatementTransaction, error) {
	txns, err := m.store.ListByCreateTime(ctx, m.gateway, params.From, params.To)
	if err != nil {
		return nil, err
	}

	result := make([]StatementTransaction, 0, len(txns))
	for _, t := range txns {
		result = append(result, StatementTransaction{
			ID:          t.PaymeID,
			Time:        t.Time,
			Amount:      t.Amount,
			Account:     Account{OrderID: t.TransactionName},
			CreateTime:  t.CreateTime,
			PerformTime: t.PerformTime,
			CancelTime:  t.CancelTime,
			Transaction: t.ID.String(),
			State:       t.State,
			Reason:      t.Reason,
		})
	}
	return result, nil
}

func (m *Merchant) find(ctx context.Context, paymeID string, id any) (*models.PaymeTransaction, error) {
	txn, err := m.store.GetByPaymeID(ctx, paymeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &TransactionError{Info: ErrorTransactionNotFound, ID: id}
		}
		return nil, err
	}
	if txn.Gateway != m.gateway {
		return nil, &TransactionError{Info: ErrorTransactionNotFound, ID: id}
	}
	return txn, nil
}

func (m *Merchant) expired(txn *models.PaymeTransaction, now int64) bool {
	return time.Duration(now-txn.CreateTime)*time.Millisecond >= pendingTimeout
}

func (m *Merchant) expire(ctx context.Context, txn *models.PaymeTransaction, now int64) error {
	reason := reasonTimeout
	txn.State = StatePendingCanceled
	txn.Reason = &reason
	txn.CancelTime = now
	m.log.Info("payme transaction timed out", zap.String("payme_id", txn.PaymeID), zap.String("transaction", txn.TransactionName))
	return m.store.Update(ctx, txn)
}

func (m *Merchant) payload(txn *models.PaymeTransaction, outcome payments.EventOutcome, method string) map[string]any {
	return map[string]any{
		"payme_id":               txn.PaymeID,
		"amount":                 txn.Amount,
		payments.EventIDKey:      txn.PaymeID + ":" + method,
		payments.EventActionKey:  method,
		payments.EventOutcomeKey: string(outcome),
	}
}

// checkOutcome maps an engine outcome to a Payme error. Contention and provider
// failures become system errors so that Payme retries the call.
func (m *Merchant) checkOutcome(out payments.Outcome, want payments.Status, txn *models.PaymeTransaction, id any) error {
	if result, ok := payments.ResultOf(out); ok {
		if result.Status == want {
			return nil
		}
		m.log.Warn("payme call hit a settled payment",
			zap.String("payme_id", txn.PaymeID),
			zap.String("transaction", txn.TransactionName),
			zap.String("status", string(result.Status)),
		)
		return &TransactionError{Info: ErrorCantDoOperation, ID: id}
	}

	f, _ := out.(payments.Failure)
	m.log.Error("payme call not applied",
		zap.String("payme_id", txn.PaymeID),
		zap.String("transaction", txn.TransactionName),
		zap.String("kind", string(f.Kind)),
		zap.String("reference", f.Reference),
	)
	switch f.Kind {
	case payments.KindConcurrent, payments.KindProvider, payments.KindConfiguration:
		return &TransactionError{Info: ErrorSystem, ID: id, Data: f.Reference}
	}
	return &TransactionError{Info: ErrorCantDoOperation, ID: id}
}

func intAbs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
