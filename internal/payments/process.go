package payments

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/paygate/internal/models"
)

func (e *Engine) ProcessResponseForCharge(ctx context.Context, name string, payload map[string]any) Outcome {
	return e.process(ctx, name, FlowCharge, payload)
}

func (e *Engine) ProcessResponseForMandatedCharge(ctx context.Context, name string, payload map[string]any) Outcome {
	return e.process(ctx, name, FlowMandatedCharge, payload)
}

func (e *Engine) ProcessResponseForMandateAcquisition(ctx context.Context, name string, payload map[string]any) Outcome {
	return e.process(ctx, name, FlowMandateAcquisition, payload)
}

// Process routes to the process call for flow.
func (e *Engine) Process(ctx context.Context, name string, flow Flow, payload map[string]any) Outcome {
	if !flow.Valid() {
		return Failure{Kind: KindValidation, Message: fmt.Sprintf("unknown payment flow %q", flow)}
	}
	return e.process(ctx, name, flow, payload)
}

// process runs one provider response through the controller while holding the
// transaction's lock. A delivery that cannot get the lock in time gets the saved
// result of the delivery holding it.
func (e *Engine) process(ctx context.Context, name string, flow Flow, payload map[string]any) Outcome {
	if _, err := e.txs.Get(ctx, name); err != nil {
		return lookupFailure(err)
	}

	release, err := e.locker.Acquire(ctx, "tx:"+name, e.lockWait)
	if err != nil {
		if errors.Is(err, ErrLockNotAcquired) {
			return e.replay(ctx, name, flow)
		}
		e.log.Warn("transaction lock failed", zap.String("transaction", name), zap.Error(err))
		return Failure{Kind: KindConcurrent, Message: "Your payment is still being processed. Please check back in a moment."}
	}
	defer release()

	tx, err := e.txs.Get(ctx, name)
	if err != nil {
		return lookupFailure(err)
	}
	return e.processLocked(ctx, tx, flow, payload)
}

func (e *Engine) replay(ctx context.Context, name string, flow Flow) Outcome {
	tx, err := e.txs.Get(ctx, name)
	if err == nil {
		if saved, ok := savedResult(tx, flow); ok {
			e.log.Info("replaying saved result for concurrent delivery",
				zap.String("transaction", name),
				zap.String("flow", string(flow)),
			)
			return outcomeOf(saved)
		}
	}
	return Failure{Kind: KindConcurrent, Message: "Your payment is still being processed. Please check back in a moment."}
}

func (e *Engine) processLocked(ctx context.Context, tx *models.PaymentTransaction, flow Flow, payload map[string]any) Outcome {
	current := Status(tx.Status)
	if saved, ok := savedResult(tx, flow); ok && (current.Terminal() || flow == FlowMandateAcquisition) {
		return outcomeOf(saved)
	}
	if current.Terminal() {
		return Failure{Kind: KindValidation, Message: "This payment has already been processed."}
	}

	ctrl, err := e.registry.Get(tx.Gateway)
	if err != nil {
		return e.failure(ctx, tx, flow, KindConfiguration, err, supportMessage(flow.label(), "%s"))
	}
	mc, mandated := ctrl.(MandateController)
	if flow != FlowCharge && !mandated {
		return e.failure(ctx, tx, flow, KindConfiguration,
			fmt.Errorf("%s controller does not support %s", ctrl.Provider(), flow), supportMessage(flow.label(), "%s"))
	}

	data, err := decodeTxData(tx)
	if err != nil {
		return e.failure(ctx, tx, flow, KindProvider, err, supportMessage(flow.label(), "%s"))
	}
	st := State{Transaction: snapshot(tx), TxData: data, Response: copyMap(payload)}
	if tx.SavedMandate != "" && e.mandates != nil {
		if m, err := e.mandates.Get(ctx, tx.SavedMandate); err == nil {
			st.Mandate = mandateSnapshot(m)
		}
	}

	if err := ctrl.ValidateResponse(ctx, st); err != nil {
		kind := KindOf(err)
		if kind != KindAuthentication {
			kind = KindValidation
		}
		return e.failure(ctx, tx, flow, kind, err, "There's been an issue with your payment. Reference: %s")
	}

	doc, err := e.refdocs.Resolve(ctx, tx.ReferenceDoctype, tx.ReferenceDocname)
	if err != nil {
		return e.failure(ctx, tx, flow, KindOf(err), err, supportMessage(flow.label(), "%s"))
	}

	var res HandlerResult
	switch flow {
	case FlowMandatedCharge:
		res, err = mc.ProcessMandatedCharge(ctx, st)
	case FlowMandateAcquisition:
		res, err = mc.ProcessMandateAcquisition(ctx, st)
	default:
		res, err = ctrl.ProcessCharge(ctx, st)
	}
	if err != nil {
		return e.failure(ctx, tx, flow, KindOf(err), err, supportMessage(flow.label(), "%s"))
	}
	if res.StatusChangedTo == "" {
		return e.failure(ctx, tx, flow, KindConfiguration,
			fmt.Errorf("%s controller did not report a status for %s", ctrl.Provider(), flow), supportMessage(flow.label(), "%s"))
	}

	sets := ctrl.States()
	class := sets.classify(flow, res.StatusChangedTo)
	next := canonicalStatus(class, res.Status)
	if next == current {
		if saved, ok := savedResult(tx, flow); ok {
			return outcomeOf(saved)
		}
	}
	if !CanTransition(current, next) {
		return e.failure(ctx, tx, flow, KindValidation,
			fmt.Errorf("illegal status transition %s -> %s", current, next), supportMessage(flow.label(), "%s"))
	}

	if res.Mandate != nil {
		if err := e.applyMandateUpdate(ctx, tx, res.Mandate); err != nil {
			e.log.Warn("mandate update failed", zap.String("transaction", tx.Name), zap.Error(err))
		} else if m, err := e.mandates.Get(ctx, tx.SavedMandate); err == nil {
			st.Mandate = mandateSnapshot(m)
		}
	}

	detail, err := models.EncodeJSON(mergeMaps(payload, res.Output))
	if err != nil {
		return e.failure(ctx, tx, flow, KindProvider, err, supportMessage(flow.label(), "%s"))
	}
	if class == ClassFailed {
		tx.Error = detail
	} else {
		tx.Output = detail
	}
	tx.Status = string(next)
	tx.Flow = string(flow)

	flags := Flags{
		Flow:                flow,
		StatusChangedTo:     res.StatusChangedTo,
		SuccessStates:       sets.Success,
		PreAuthorizedStates: sets.PreAuthorized,
		Classification:      class,
		Status:              next,
	}
	st.Transaction = snapshot(tx)
	st.Response = mergeMaps(payload, res.Output)

	result := res.Custom
	hookResult, hookErr := e.runHooks(ctx, doc, flags, st)
	if hookErr != nil {
		ref := e.report(ctx, tx, flow, KindProvider, hookErr)
		result = &ProcessResult{
			Message: supportMessage(flow.label()+" (via reference document hook)", ref),
			Action:  Action{RedirectTo: "/"},
		}
	} else if hookResult != nil {
		result = hookResult
	}

	final := defaultResult(flow, class)
	if result != nil {
		final = *result
	}
	final.Status = next

	// Status and saved result go out in one write.
	if err := storeResult(tx, flow, final); err != nil {
		e.log.Error("encode saved result", zap.String("transaction", tx.Name), zap.Error(err))
	}
	if err := e.txs.Update(ctx, tx); err != nil {
		return e.failure(ctx, tx, flow, KindProvider, err, supportMessage(flow.label(), "%s"))
	}

	e.log.Info("payment response processed",
		zap.String("transaction", tx.Name),
		zap.String("gateway", tx.Gateway),
		zap.String("flow", string(flow)),
		zap.String("status_changed_to", res.StatusChangedTo),
		zap.String("status", string(next)),
	)
	if saved, ok := savedResult(tx, flow); ok {
		return outcomeOf(saved)
	}
	return outcomeOf(final)
}

// runHooks calls the flow's processed hook and, unless the payment failed, the
// authorized hook. Panics in hooks are turned into errors.
func (e *Engine) runHooks(ctx context.Context, doc RefDoc, flags Flags, st State) (result *ProcessResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reference document hook panicked: %v", r)
		}
	}()

	if hook := processedHook(doc, flags.Flow); hook != nil {
		if result, err = hook(ctx, flags, st); err != nil {
			return nil, fmt.Errorf("%s processed hook: %w", flags.Flow, err)
		}
	}
	if flags.Classification == ClassFailed {
		return result, nil
	}
	h, ok := doc.(PaymentAuthorizedHook)
	if !ok {
		return result, nil
	}
	redirect, err := h.OnPaymentAuthorized(ctx, string(flags.Status))
	if err != nil {
		return nil, fmt.Errorf("payment authorized hook: %w", err)
	}
	if redirect != "" {
		r := defaultResult(flags.Flow, flags.Classification)
		if result != nil {
			r = *result
		}
		r.Action.RedirectTo = redirect
		result = &r
	}
	return result, nil
}

func (e *Engine) applyMandateUpdate(ctx context.Context, tx *models.PaymentTransaction, upd *MandateUpdate) error {
	if e.mandates == nil || tx.SavedMandate == "" {
		return ErrMandateNotFound
	}
	m, err := e.mandates.Get(ctx, tx.SavedMandate)
	if err != nil {
		return err
	}
	if upd.Reference != "" {
		m.Reference = upd.Reference
	}
	if upd.Status != "" {
		m.Status = upd.Status
	}
	if m.Details, err = mergeJSON(m.Details, upd.Details); err != nil {
		return err
	}
	return e.mandates.Update(ctx, m)
}

// failure reports cause and renders message, which may contain one %s for the reference.
func (e *Engine) failure(ctx context.Context, tx *models.PaymentTransaction, flow Flow, kind ErrorKind, cause error, message string) Failure {
	ref := e.report(ctx, tx, flow, kind, cause)
	return Failure{Kind: kind, Reference: ref, Message: fmt.Sprintf(message, ref)}
}

func lookupFailure(err error) Failure {
	if errors.Is(err, ErrTransactionNotFound) {
		return Failure{Kind: KindNotFound, Message: "payment transaction not found"}
	}
	return Failure{Kind: KindProvider, Message: "Our server had an issue looking up your payment."}
}

func canonicalStatus(class Classification, pinned Status) Status {
	switch class {
	case ClassSucceeded:
		if pinned == StatusAuthorized {
			return StatusAuthorized
		}
		return StatusCompleted
	case ClassAuthorized:
		return StatusAuthorized
	}
	if pinned == StatusCancelled {
		return StatusCancelled
	}
	return StatusFailed
}

func savedResult(tx *models.PaymentTransaction, flow Flow) (ProcessResult, bool) {
	var saved map[Flow]ProcessResult
	if err := models.DecodeJSON(tx.SavedReturnValue, &saved); err != nil {
		return ProcessResult{}, false
	}
	r, ok := saved[flow]
	return r, ok
}

func storeResult(tx *models.PaymentTransaction, flow Flow, r ProcessResult) error {
	saved := map[Flow]ProcessResult{}
	if err := models.DecodeJSON(tx.SavedReturnValue, &saved); err != nil {
		saved = map[Flow]ProcessResult{}
	}
	saved[flow] = r
	raw, err := models.EncodeJSON(saved)
	if err != nil {
		return err
	}
	tx.SavedReturnValue = raw
	return nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeMaps(base, extra map[string]any) map[string]any {
	out := copyMap(base)
	for k, v := range extra {
		out[k] = v
	}
	return out
}
