package payments

// Status is the canonical lifecycle state of a payment transaction.
type Status string

const (
	StatusQueued     Status = "Queued"
	StatusAuthorized Status = "Authorized"
	StatusCompleted  Status = "Completed"
	StatusCancelled  Status = "Cancelled"
	StatusFailed     Status = "Failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	"":               {StatusQueued},
	StatusQueued:     {StatusQueued, StatusAuthorized, StatusCompleted, StatusCancelled, StatusFailed},
	StatusAuthorized: {StatusAuthorized, StatusCompleted, StatusCancelled, StatusFailed},
}

// CanTransition reports whether a record in from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Flow names one of the three processing stages a transaction can go through.
type Flow string

const (
	FlowCharge             Flow = "charge"
	FlowMandatedCharge     Flow = "mandated_charge"
	FlowMandateAcquisition Flow = "mandate_acquisition"
)

func (f Flow) label() string {
	switch f {
	case FlowMandatedCharge:
		return "mandated charge"
	case FlowMandateAcquisition:
		return "mandate acquisition"
	}
	return "charge"
}

// Valid reports whether f is one of the known flows.
func (f Flow) Valid() bool {
	switch f {
	case FlowCharge, FlowMandatedCharge, FlowMandateAcquisition:
		return true
	}
	return false
}

// Mandate statuses.
const (
	MandateDraft    = "draft"
	MandatePending  = "pending"
	MandateActive   = "active"
	MandateDisabled = "disabled"
)

// MandateUsable reports whether a mandate in status can back a charge.
func MandateUsable(status string) bool {
	return status == MandatePending || status == MandateActive
}

// Classification is how the engine read a handler's reported status.
type Classification string

const (
	ClassSucceeded  Classification = "succeeded"
	ClassAuthorized Classification = "authorized"
	ClassFailed     Classification = "failed"
)
