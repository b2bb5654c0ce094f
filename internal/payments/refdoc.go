package payments

import (
	"context"
	"fmt"
)

// RefDoc is the business document a payment is made against. The hooks below are
// all optional and detected by type assertion.
type RefDoc interface {
	Doctype() string
	Docname() string
}

// Flags describe how the engine classified a handler result.
type Flags struct {
	Flow                Flow           `json:"flow"`
	StatusChangedTo     string         `json:"status_changed_to"`
	SuccessStates       []string       `json:"success_states"`
	PreAuthorizedStates []string       `json:"pre_authorized_states"`
	Classification      Classification `json:"classification"`
	Status              Status         `json:"status"`
}

// PaymentAuthorizedHook runs once when a payment succeeds or is authorized.
// A non-empty redirect replaces the default action.
type PaymentAuthorizedHook interface {
	OnPaymentAuthorized(ctx context.Context, status string) (redirectTo string, err error)
}

type ChargeProcessedHook interface {
	OnPaymentChargeProcessed(ctx context.Context, flags Flags, st State) (*ProcessResult, error)
}

type MandatedChargeProcessedHook interface {
	OnPaymentMandatedChargeProcessed(ctx context.Context, flags Flags, st State) (*ProcessResult, error)
}

type MandateAcquisitionProcessedHook interface {
	OnPaymentMandateAcquisitionProcessed(ctx context.Context, flags Flags, st State) (*ProcessResult, error)
}

// RefDocResolver loads reference documents.
type RefDocResolver interface {
	Resolve(ctx context.Context, doctype, docname string) (RefDoc, error)
}

// Resolvers routes resolution by doctype.
type Resolvers map[string]RefDocResolver

func (r Resolvers) Resolve(ctx context.Context, doctype, docname string) (RefDoc, error) {
	resolver, ok := r[doctype]
	if !ok {
		return nil, ConfigurationError(fmt.Sprintf("no resolver for doctype %q", doctype))
	}
	return resolver.Resolve(ctx, doctype, docname)
}

func processedHook(doc RefDoc, flow Flow) func(context.Context, Flags, State) (*ProcessResult, error) {
	switch flow {
	case FlowCharge:
		if h, ok := doc.(ChargeProcessedHook); ok {
			return h.OnPaymentChargeProcessed
		}
	case FlowMandatedCharge:
		if h, ok := doc.(MandatedChargeProcessedHook); ok {
			return h.OnPaymentMandatedChargeProcessed
		}
	case FlowMandateAcquisition:
		if h, ok := doc.(MandateAcquisitionProcessedHook); ok {
			return h.OnPaymentMandateAcquisitionProcessed
		}
	}
	return nil
}
