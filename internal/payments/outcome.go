package payments

// Action tells the caller where to send the user next.
type Action struct {
	RedirectTo string `json:"redirect_to,omitempty"`
}

// ProcessResult is the user-facing result of processing a provider response.
// It is memoized on the transaction and replayed verbatim for duplicate deliveries.
type ProcessResult struct {
	Message string         `json:"message"`
	Action  Action         `json:"action"`
	Payload map[string]any `json:"payload"`
	Status  Status         `json:"status,omitempty"`
}

// Outcome is what a process call returns: Redirect, Success or Failure.
type Outcome interface {
	outcome()
}

// Redirect sends the user to URL after processing.
type Redirect struct {
	URL    string
	Result ProcessResult
}

// Success carries a result that has no follow-up navigation.
type Success struct {
	Result ProcessResult
}

// Failure reports a sanitized error. Reference points at the stored error log entry.
type Failure struct {
	Kind      ErrorKind
	Reference string
	Message   string
}

func (Redirect) outcome() {}
func (Success) outcome()  {}
func (Failure) outcome()  {}

// ResultOf extracts the process result from o, if it carries one.
func ResultOf(o Outcome) (ProcessResult, bool) {
	switch v := o.(type) {
	case Redirect:
		return v.Result, true
	case Success:
		return v.Result, true
	}
	return ProcessResult{}, false
}

func outcomeOf(r ProcessResult) Outcome {
	if r.Action.RedirectTo != "" {
		return Redirect{URL: r.Action.RedirectTo, Result: r}
	}
	return Success{Result: r}
}

func defaultResult(flow Flow, class Classification) ProcessResult {
	var msg string
	switch flow {
	case FlowMandateAcquisition:
		switch class {
		case ClassSucceeded:
			msg = "Payment mandate successfully acquired"
		case ClassAuthorized:
			msg = "Payment mandate successfully authorized"
		default:
			msg = "Payment mandate acquisition failed"
		}
	case FlowMandatedCharge:
		if class == ClassSucceeded {
			msg = "Payment mandate charge succeeded"
		} else {
			msg = "Payment mandate charge failed"
		}
	default:
		if class == ClassSucceeded {
			msg = "Payment charge succeeded"
		} else {
			msg = "Payment charge failed"
		}
	}
	return ProcessResult{Message: msg, Action: Action{RedirectTo: "/"}}
}
