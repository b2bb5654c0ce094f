package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/paygate/internal/models"
)

// EventOutcome is the canonical meaning of a provider webhook action.
type EventOutcome string

const (
	EventCompleted       EventOutcome = "Completed"
	EventAuthorized      EventOutcome = "Authorized"
	EventCancelled       EventOutcome = "Cancelled"
	EventFailed          EventOutcome = "Failed"
	EventMandateActive   EventOutcome = "mandate-active"
	EventMandateDisabled EventOutcome = "mandate-disabled"
)

// Keys the dispatcher adds to the payload handed to controllers.
const (
	EventIDKey      = "event_id"
	EventActionKey  = "event_action"
	EventOutcomeKey = "event_outcome"
	// FailureReasonKey carries the provider's human readable failure description.
	FailureReasonKey = "failure_reason"
)

// WebhookEvent is one provider notification, already parsed. Action is looked up
// in the receiver's ActionTable. Transaction is set when the provider echoes our
// transaction name back; otherwise RequestID is matched against the stored
// correlation id.
type WebhookEvent struct {
	ID               string
	Action           string
	Flow             Flow
	Transaction      string
	RequestID        string
	MandateReference string
	Payload          map[string]any
}

// DispatchResult summarizes what happened to the events of one delivery.
type DispatchResult struct {
	Received   int `json:"received"`
	Applied    int `json:"applied"`
	Duplicates int `json:"duplicates"`
	Ignored    int `json:"ignored"`
}

// Dispatcher authenticates webhook deliveries and applies each event exactly once.
type Dispatcher struct {
	engine *Engine
	events ProcessedEventStore
	ttl    time.Duration
	log    *zap.Logger
}

func NewDispatcher(engine *Engine, events ProcessedEventStore, ttl time.Duration, log *zap.Logger) *Dispatcher {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{engine: engine, events: events, ttl: ttl, log: log}
}

// Handle processes a raw webhook delivery for gateway. Nothing is read or written
// before the delivery is authenticated.
func (d *Dispatcher) Handle(ctx context.Context, gateway string, header http.Header, body []byte) (DispatchResult, error) {
	var result DispatchResult

	ctrl, err := d.engine.registry.Get(gateway)
	if err != nil {
		return result, err
	}
	receiver, ok := ctrl.(WebhookReceiver)
	if !ok {
		return result, ConfigurationError(fmt.Sprintf("gateway %s does not accept webhooks", gateway))
	}

	if err := receiver.Authenticate(header, body); err != nil {
		d.log.Warn("webhook rejected", zap.String("gateway", gateway), zap.Error(err))
		if IsKind(err, KindAuthentication) {
			return result, err
		}
		return result, &Error{Kind: KindAuthentication, Message: "webhook authentication failed", Err: err}
	}

	events, err := receiver.ParseEvents(body)
	if err != nil {
		return result, &Error{Kind: KindValidation, Message: "malformed webhook payload", Err: err}
	}
	table := receiver.ActionTable()
	result.Received = len(events)

	var firstErr error
	for _, ev := range events {
		applied, err := d.apply(ctx, gateway, table, ev)
		switch {
		case err != nil:
			d.log.Error("webhook event failed",
				zap.String("gateway", gateway),
				zap.String("event_id", ev.ID),
				zap.String("action", ev.Action),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		case applied == applyDuplicate:
			result.Duplicates++
		case applied == applyIgnored:
			result.Ignored++
		default:
			result.Applied++
		}
	}
	return result, firstErr
}

type applyResult int

const (
	applyDone applyResult = iota
	applyDuplicate
	applyIgnored
)

func (d *Dispatcher) apply(ctx context.Context, gateway string, table map[string]EventOutcome, ev WebhookEvent) (applyResult, error) {
	key := gateway + ":" + ev.ID
	if ev.ID != "" && d.events != nil {
		seen, err := d.events.IsProcessed(ctx, key)
		if err != nil {
			return applyIgnored, err
		}
		if seen {
			return applyDuplicate, nil
		}
	}

	outcome, ok := table[ev.Action]
	if !ok {
		d.log.Info("webhook action not mapped, ignoring",
			zap.String("gateway", gateway),
			zap.String("event_id", ev.ID),
			zap.String("action", ev.Action),
		)
		return applyIgnored, nil
	}

	done := applyDone
	switch outcome {
	case EventMandateActive, EventMandateDisabled:
		status := MandateActive
		if outcome == EventMandateDisabled {
			status = MandateDisabled
		}
		err := d.engine.UpdateMandateStatus(ctx, gateway, ev.MandateReference, status, ev.Payload)
		if errors.Is(err, ErrMandateNotFound) {
			d.log.Warn("webhook for unknown mandate", zap.String("gateway", gateway), zap.String("mandate", ev.MandateReference))
			return applyIgnored, nil
		}
		if err != nil {
			return applyIgnored, err
		}
	default:
		tx, err := d.locate(ctx, gateway, ev)
		if errors.Is(err, ErrTransactionNotFound) {
			d.log.Warn("webhook for unknown transaction",
				zap.String("gateway", gateway),
				zap.String("transaction", ev.Transaction),
				zap.String("request_id", ev.RequestID),
			)
			return applyIgnored, nil
		}
		if err != nil {
			return applyIgnored, err
		}

		payload := copyMap(ev.Payload)
		payload[EventIDKey] = ev.ID
		payload[EventActionKey] = ev.Action
		payload[EventOutcomeKey] = string(outcome)

		flow := ev.Flow
		if flow == "" {
			flow = FlowCharge
		}
		if f, ok := d.engine.process(ctx, tx.Name, flow, payload).(Failure); ok {
			switch f.Kind {
			case KindConcurrent, KindProvider, KindConfiguration:
				return applyIgnored, &Error{Kind: f.Kind, Reference: f.Reference, Message: f.Message}
			}
			// Rejected by validation or authentication: a redelivery carries the
			// same payload, so the event is still marked processed.
			d.log.Warn("webhook event not applied",
				zap.String("gateway", gateway),
				zap.String("transaction", tx.Name),
				zap.String("kind", string(f.Kind)),
				zap.String("reference", f.Reference),
			)
			done = applyIgnored
		}
	}

	if ev.ID != "" && d.events != nil {
		if err := d.events.MarkProcessed(ctx, key, d.ttl); err != nil {
			return done, err
		}
	}
	return done, nil
}

func (d *Dispatcher) locate(ctx context.Context, gateway string, ev WebhookEvent) (*models.PaymentTransaction, error) {
	if ev.Transaction == "" {
		return d.engine.Locate(ctx, gateway, ev.RequestID)
	}
	tx, err := d.engine.txs.Get(ctx, ev.Transaction)
	if err != nil {
		return nil, err
	}
	if tx.Gateway != gateway {
		return nil, ErrTransactionNotFound
	}
	return tx, nil
}
