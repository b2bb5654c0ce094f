package payments

import (
	"context"
	"time"

	"github.com/example/paygate/internal/models"
)

// TransactionStore persists transaction records. Get and FindByRequestID return
// ErrTransactionNotFound when nothing matches.
type TransactionStore interface {
	Create(ctx context.Context, tx *models.PaymentTransaction) error
	Get(ctx context.Context, name string) (*models.PaymentTransaction, error)
	FindByRequestID(ctx context.Context, gateway, requestID string) (*models.PaymentTransaction, error)
	Update(ctx context.Context, tx *models.PaymentTransaction) error
}

// MandateStore persists mandates. Lookups return ErrMandateNotFound when nothing matches.
type MandateStore interface {
	Create(ctx context.Context, m *models.Mandate) error
	Get(ctx context.Context, name string) (*models.Mandate, error)
	FindUsable(ctx context.Context, gateway, payerKey string) (*models.Mandate, error)
	FindByReference(ctx context.Context, gateway, reference string) (*models.Mandate, error)
	Update(ctx context.Context, m *models.Mandate) error
}

// ProcessedEventStore remembers applied webhook events.
type ProcessedEventStore interface {
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) error
	IsProcessed(ctx context.Context, key string) (bool, error)
}

// ErrorReporter stores error details under the reference shown to users.
type ErrorReporter interface {
	Report(ctx context.Context, entry *models.ErrorLog) error
}
