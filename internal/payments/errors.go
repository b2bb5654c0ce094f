package payments

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the engine.
type ErrorKind string

const (
	KindConfiguration  ErrorKind = "configuration"
	KindValidation     ErrorKind = "validation"
	KindProvider       ErrorKind = "provider"
	KindAuthentication ErrorKind = "authentication"
	KindConcurrent     ErrorKind = "concurrent"
	KindNotFound       ErrorKind = "not_found"
)

var (
	ErrTransactionNotFound = errors.New("payments: transaction not found")
	ErrMandateNotFound     = errors.New("payments: mandate not found")
	ErrGatewayNotFound     = errors.New("payments: gateway not registered")
	ErrLockNotAcquired     = errors.New("payments: lock not acquired")
)

// Error is a classified payment error. Message is safe to show to end users;
// Err carries the internal cause and never leaves the server.
type Error struct {
	Kind      ErrorKind
	Reference string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func ConfigurationError(msg string) *Error {
	return &Error{Kind: KindConfiguration, Message: msg}
}

func ValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func AuthenticationError(msg string) *Error {
	return &Error{Kind: KindAuthentication, Message: msg}
}

// ProviderError wraps a failed provider call.
func ProviderError(msg string, err error) *Error {
	return &Error{Kind: KindProvider, Message: msg, Err: err}
}

// KindOf returns the kind of err, falling back to provider for unclassified errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrMandateNotFound), errors.Is(err, ErrGatewayNotFound):
		return KindNotFound
	case errors.Is(err, ErrLockNotAcquired):
		return KindConcurrent
	}
	return KindProvider
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

func supportMessage(subject, reference string) string {
	return fmt.Sprintf("Our server had an issue processing your %s. Please contact customer support mentioning: %s", subject, reference)
}

func configurationMessage(gateway, reference string) string {
	return fmt.Sprintf("There has been an issue with the server's configuration for %s. Please contact customer care mentioning: %s", gateway, reference)
}
