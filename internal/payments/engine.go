package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/paygate/internal/models"
)

// Config wires an Engine. Mandates is only needed when a registered gateway
// implements MandateController.
type Config struct {
	Registry     *Registry
	Transactions TransactionStore
	Mandates     MandateStore
	RefDocs      RefDocResolver
	Locker       Locker
	Reporter     ErrorReporter
	Logger       *zap.Logger
	LockWait     time.Duration
}

// Engine runs the gateway controller protocol on top of the registered controllers.
type Engine struct {
	registry *Registry
	txs      TransactionStore
	mandates MandateStore
	refdocs  RefDocResolver
	locker   Locker
	reporter ErrorReporter
	log      *zap.Logger
	lockWait time.Duration
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Registry == nil || cfg.Transactions == nil || cfg.RefDocs == nil {
		return nil, ConfigurationError("engine requires a registry, a transaction store and reference document resolvers")
	}
	e := &Engine{
		registry: cfg.Registry,
		txs:      cfg.Transactions,
		mandates: cfg.Mandates,
		refdocs:  cfg.RefDocs,
		locker:   cfg.Locker,
		reporter: cfg.Reporter,
		log:      cfg.Logger,
		lockWait: cfg.LockWait,
	}
	if e.locker == nil {
		e.locker = NewMemoryLocker()
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.lockWait <= 0 {
		e.lockWait = DefaultLockWait
	}
	for _, reg := range cfg.Registry.Registrations() {
		if _, ok := reg.Controller.(MandateController); ok && cfg.Mandates == nil {
			return nil, ConfigurationError(fmt.Sprintf("gateway %s uses mandates but no mandate store is configured", reg.Name))
		}
	}
	return e, nil
}

func (e *Engine) Registry() *Registry { return e.registry }

// ProceedResult is returned to the frontend that drives the payer through the provider.
type ProceedResult struct {
	Type    Flow             `json:"type"`
	Mandate *MandateSnapshot `json:"mandate,omitempty"`
	TxData  TxData           `json:"txdata"`
	Payload map[string]any   `json:"payload"`
}

// OnRefDocSubmission validates transaction data for gateway before anything is created.
func (e *Engine) OnRefDocSubmission(ctx context.Context, gateway string, data TxData) error {
	ctrl, err := e.registry.Get(gateway)
	if err != nil {
		return err
	}
	data = data.Normalized()
	if err := data.Validate(); err != nil {
		return err
	}
	return ctrl.ValidateTxData(ctx, data)
}

// InitiatePayment creates a Queued transaction and returns its name. correlationID
// may carry an id the provider issued up front; name overrides the generated name.
func (e *Engine) InitiatePayment(ctx context.Context, gateway string, data TxData, correlationID, name string) (string, error) {
	ctrl, err := e.registry.Get(gateway)
	if err != nil {
		return "", err
	}
	data = data.Normalized()
	if err := data.Validate(); err != nil {
		return "", err
	}

	if name == "" {
		if gen, ok := ctrl.(NameGenerator); ok {
			if name, err = e.generatedName(ctx, gen); err != nil {
				return "", err
			}
		} else {
			name = newTransactionName()
		}
	}

	raw, err := models.EncodeJSON(data)
	if err != nil {
		return "", fmt.Errorf("encode transaction data: %w", err)
	}
	contact, err := models.EncodeJSON(data.PayerContact)
	if err != nil {
		return "", fmt.Errorf("encode payer contact: %w", err)
	}
	address, err := models.EncodeJSON(data.PayerAddress)
	if err != nil {
		return "", fmt.Errorf("encode payer address: %w", err)
	}

	tx := &models.PaymentTransaction{
		Name:             name,
		Gateway:          gateway,
		ReferenceDoctype: data.ReferenceDoctype,
		ReferenceDocname: data.ReferenceDocname,
		Amount:           data.Amount,
		Currency:         data.Currency,
		PayerContact:     contact,
		PayerAddress:     address,
		Data:             raw,
		Status:           string(StatusQueued),
		RequestID:        correlationID,
	}
	if err := e.txs.Create(ctx, tx); err != nil {
		return "", fmt.Errorf("create transaction: %w", err)
	}

	e.log.Info("payment initiated",
		zap.String("transaction", name),
		zap.String("gateway", gateway),
		zap.String("reference", data.ReferenceDoctype+"/"+data.ReferenceDocname),
		zap.String("amount", data.Amount.String()),
		zap.String("currency", data.Currency),
	)
	return name, nil
}

// IsUserFlowInitiationDelegated reports whether the reference document owner is
// expected to start the payer's flow.
func (e *Engine) IsUserFlowInitiationDelegated(ctx context.Context, name string) (bool, error) {
	tx, err := e.txs.Get(ctx, name)
	if err != nil {
		return false, lookupError(err)
	}
	ctrl, err := e.registry.Get(tx.Gateway)
	if err != nil {
		return false, err
	}
	if d, ok := ctrl.(FlowDelegator); ok {
		return d.IsUserFlowInitiationDelegated(snapshot(tx)), nil
	}
	return false, nil
}

// Proceed hands the transaction to the provider. It elects mandate acquisition,
// mandated charge or plain charge and persists the provider's correlation id.
// Provider failures come back as *Error with a reference and a sanitized message.
func (e *Engine) Proceed(ctx context.Context, name string, updates map[string]any) (*ProceedResult, error) {
	tx, err := e.txs.Get(ctx, name)
	if err != nil {
		return nil, lookupError(err)
	}
	ctrl, err := e.registry.Get(tx.Gateway)
	if err != nil {
		return nil, e.fail(ctx, tx, "", KindConfiguration, err, func(ref string) string {
			return configurationMessage(tx.Gateway, ref)
		})
	}

	current := Status(tx.Status)
	if current.Terminal() {
		return nil, ValidationError("this payment has already been processed")
	}

	data, err := decodeTxData(tx)
	if err != nil {
		return nil, e.fail(ctx, tx, "", KindProvider, err, func(ref string) string {
			return supportMessage("payment", ref)
		})
	}
	data = data.merge(updates)
	if tx.Data, err = models.EncodeJSON(data); err != nil {
		return nil, ValidationError("invalid transaction update")
	}
	if current != StatusAuthorized {
		tx.Status = string(StatusQueued)
	}
	if err := e.txs.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("update transaction: %w", err)
	}

	st := State{Transaction: snapshot(tx), TxData: data}

	var (
		flow    Flow
		init    Initiation
		mandate *models.Mandate
	)
	mc, mandated := ctrl.(MandateController)
	if mandated {
		if mandate, err = e.usableMandate(ctx, tx.Gateway, mc.MandatePayerKey(data)); err != nil {
			return nil, e.fail(ctx, tx, "", KindProvider, err, func(ref string) string {
				return configurationMessage(tx.Gateway, ref)
			})
		}
	}

	switch {
	case mandated && mandate == nil && mc.ShouldHaveMandate(st):
		flow = FlowMandateAcquisition
		if mandate, err = e.draftMandate(ctx, tx, mc, data); err == nil {
			st.Mandate = mandateSnapshot(mandate)
			init, err = mc.InitiateMandateAcquisition(ctx, st)
		}
	case mandated && mandate != nil:
		flow = FlowMandatedCharge
		st.Mandate = mandateSnapshot(mandate)
		init, err = mc.InitiateMandatedCharge(ctx, st)
	default:
		flow = FlowCharge
		init, err = ctrl.InitiateCharge(ctx, st)
	}
	if err != nil {
		if IsKind(err, KindValidation) {
			return nil, err
		}
		return nil, e.fail(ctx, tx, flow, KindProvider, err, func(ref string) string {
			return configurationMessage(tx.Gateway, ref)
		})
	}

	if err := e.setCorrelation(tx, flow, init.CorrelationID); err != nil {
		return nil, e.fail(ctx, tx, flow, KindConcurrent, err, func(ref string) string {
			return supportMessage("payment", ref)
		})
	}
	tx.Flow = string(flow)
	if mandate != nil {
		tx.SavedMandate = mandate.Name
	}
	if err := e.txs.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("update transaction: %w", err)
	}

	e.log.Info("payment proceeded",
		zap.String("transaction", tx.Name),
		zap.String("gateway", tx.Gateway),
		zap.String("flow", string(flow)),
		zap.String("request_id", tx.RequestID),
	)

	result := &ProceedResult{Type: flow, TxData: data, Payload: init.Payload}
	if mandate != nil {
		result.Mandate = mandateSnapshot(mandate)
	}
	return result, nil
}

// Transaction loads a transaction by name.
func (e *Engine) Transaction(ctx context.Context, name string) (*models.PaymentTransaction, error) {
	tx, err := e.txs.Get(ctx, name)
	if err != nil {
		return nil, lookupError(err)
	}
	return tx, nil
}

// Locate finds the transaction a provider correlation id belongs to.
func (e *Engine) Locate(ctx context.Context, gateway, requestID string) (*models.PaymentTransaction, error) {
	if requestID == "" {
		return nil, ErrTransactionNotFound
	}
	return e.txs.FindByRequestID(ctx, gateway, requestID)
}

// UpdateMandateStatus applies a provider-side mandate status change.
func (e *Engine) UpdateMandateStatus(ctx context.Context, gateway, reference, status string, details map[string]any) error {
	if e.mandates == nil {
		return ConfigurationError("no mandate store configured")
	}
	release, err := e.locker.Acquire(ctx, "mandate:"+gateway+":"+reference, e.lockWait)
	if err != nil {
		return err
	}
	defer release()

	m, err := e.mandates.FindByReference(ctx, gateway, reference)
	if err != nil {
		return err
	}
	if m.Status == status {
		return nil
	}
	m.Status = status
	if m.Details, err = mergeJSON(m.Details, details); err != nil {
		return err
	}
	if err := e.mandates.Update(ctx, m); err != nil {
		return err
	}
	e.log.Info("mandate status changed",
		zap.String("mandate", m.Name),
		zap.String("gateway", gateway),
		zap.String("status", status),
	)
	return nil
}

// setCorrelation stores id as the transaction's request id. A flow stage that
// already tracks another id is an error.
func (e *Engine) setCorrelation(tx *models.PaymentTransaction, flow Flow, id string) error {
	if id == "" {
		return nil
	}
	if tx.Flow == string(flow) && tx.RequestID != "" && tx.RequestID != id {
		return fmt.Errorf("gateway %s returned %s for %s stage already tracking %s", tx.Gateway, id, flow, tx.RequestID)
	}
	tx.RequestID = id
	return nil
}

func (e *Engine) usableMandate(ctx context.Context, gateway, payerKey string) (*models.Mandate, error) {
	if payerKey == "" {
		return nil, nil
	}
	m, err := e.mandates.FindUsable(ctx, gateway, payerKey)
	if errors.Is(err, ErrMandateNotFound) {
		return nil, nil
	}
	return m, err
}

func (e *Engine) draftMandate(ctx context.Context, tx *models.PaymentTransaction, mc MandateController, data TxData) (*models.Mandate, error) {
	if tx.SavedMandate != "" {
		if m, err := e.mandates.Get(ctx, tx.SavedMandate); err == nil && m.Status == MandateDraft {
			return m, nil
		}
	}
	payer, err := models.EncodeJSON(data.PayerContact)
	if err != nil {
		return nil, err
	}
	m := &models.Mandate{
		Name:     newMandateName(),
		Gateway:  tx.Gateway,
		PayerKey: mc.MandatePayerKey(data),
		Status:   MandateDraft,
		Currency: data.Currency,
		Payer:    payer,
	}
	if err := e.mandates.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("create mandate: %w", err)
	}
	return m, nil
}

// fail records cause under a fresh reference and returns the sanitized error.
func (e *Engine) fail(ctx context.Context, tx *models.PaymentTransaction, flow Flow, kind ErrorKind, cause error, message func(ref string) string) *Error {
	ref := e.report(ctx, tx, flow, kind, cause)
	return &Error{Kind: kind, Reference: ref, Message: message(ref), Err: cause}
}

func (e *Engine) report(ctx context.Context, tx *models.PaymentTransaction, flow Flow, kind ErrorKind, cause error) string {
	ref := newReference()
	e.log.Error("payment processing error",
		zap.String("reference", ref),
		zap.String("transaction", tx.Name),
		zap.String("gateway", tx.Gateway),
		zap.String("flow", string(flow)),
		zap.String("kind", string(kind)),
		zap.Error(cause),
	)
	if e.reporter == nil {
		return ref
	}
	entry := &models.ErrorLog{
		Reference:   ref,
		Transaction: tx.Name,
		Gateway:     tx.Gateway,
		Flow:        string(flow),
		Kind:        string(kind),
		Message:     cause.Error(),
		Details:     fmt.Sprintf("%T: %v", cause, cause),
	}
	if err := e.reporter.Report(ctx, entry); err != nil {
		e.log.Warn("failed to store error log", zap.String("reference", ref), zap.Error(err))
	}
	return ref
}

func lookupError(err error) error {
	if errors.Is(err, ErrTransactionNotFound) {
		return &Error{Kind: KindNotFound, Message: "payment transaction not found", Err: err}
	}
	return err
}

func decodeTxData(tx *models.PaymentTransaction) (TxData, error) {
	var data TxData
	if err := models.DecodeJSON(tx.Data, &data); err != nil {
		return TxData{}, fmt.Errorf("decode transaction data: %w", err)
	}
	if data.ReferenceDoctype == "" {
		data.ReferenceDoctype = tx.ReferenceDoctype
		data.ReferenceDocname = tx.ReferenceDocname
	}
	if data.Currency == "" {
		data.Currency = tx.Currency
		data.Amount = tx.Amount
	}
	return data, nil
}

func snapshot(tx *models.PaymentTransaction) Snapshot {
	return Snapshot{
		Name:         tx.Name,
		Gateway:      tx.Gateway,
		Status:       Status(tx.Status),
		Flow:         Flow(tx.Flow),
		RequestID:    tx.RequestID,
		SavedMandate: tx.SavedMandate,
		CreatedAt:    tx.CreatedAt,
	}
}

func mandateSnapshot(m *models.Mandate) *MandateSnapshot {
	if m == nil {
		return nil
	}
	var details map[string]any
	_ = models.DecodeJSON(m.Details, &details)
	return &MandateSnapshot{
		Name:      m.Name,
		Reference: m.Reference,
		Status:    m.Status,
		PayerKey:  m.PayerKey,
		Currency:  m.Currency,
		Details:   details,
	}
}

func mergeJSON(raw []byte, extra map[string]any) ([]byte, error) {
	if len(extra) == 0 {
		return raw, nil
	}
	current := map[string]any{}
	if err := models.DecodeJSON(raw, &current); err != nil {
		return nil, err
	}
	for k, v := range extra {
		current[k] = v
	}
	return models.EncodeJSON(current)
}

func newTransactionName() string {
	return "PAY-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
}

func newMandateName() string {
	return "MDT-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

func newReference() string {
	return "ERR-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}

// generatedName asks gen for a name that is not taken yet. Short codes collide,
// so a few draws are tried.
func (e *Engine) generatedName(ctx context.Context, gen NameGenerator) (string, error) {
	for range 5 {
		name, err := gen.TransactionName()
		if err != nil {
			return "", fmt.Errorf("generate transaction name: %w", err)
		}
		_, err = e.txs.Get(ctx, name)
		if errors.Is(err, ErrTransactionNotFound) {
			return name, nil
		}
		if err != nil {
			return "", fmt.Errorf("check transaction name: %w", err)
		}
	}
	return "", errors.New("generate transaction name: no free name found")
}
