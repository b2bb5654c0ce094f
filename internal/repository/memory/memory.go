// Package memory holds in-process stores for development mode and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/payments"
	"github.com/example/paygate/internal/repository"
)

func stamp(base *models.BaseModel, now time.Time) {
	if base.ID == uuid.Nil {
		base.ID = uuid.New()
	}
	if base.CreatedAt.IsZero() {
		base.CreatedAt = now
	}
	base.UpdatedAt = now
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// Transactions implements payments.TransactionStore.
type Transactions struct {
	mu   sync.RWMutex
	byID map[string]models.PaymentTransaction
}

func NewTransactions() *Transactions {
	return &Transactions{byID: make(map[string]models.PaymentTransaction)}
}

func (s *Transactions) Create(ctx context.Context, tx *models.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[tx.Name]; exists {
		return repository.ErrDuplicate
	}
	stamp(&tx.BaseModel, time.Now())
	s.byID[tx.Name] = *tx
	return nil
}

func (s *Transactions) Get(ctx context.Context, name string) (*models.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.byID[name]
	if !ok {
		return nil, payments.ErrTransactionNotFound
	}
	return &tx, nil
}

func (s *Transactions) FindByRequestID(ctx context.Context, gateway, requestID string) (*models.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.PaymentTransaction
	for _, tx := range s.byID {
		if tx.Gateway == gateway && tx.RequestID == requestID {
			if found == nil || tx.CreatedAt.After(found.CreatedAt) {
				t := tx
				found = &t
			}
		}
	}
	if found == nil {
		return nil, payments.ErrTransactionNotFound
	}
	return found, nil
}

func (s *Transactions) Update(ctx context.Context, tx *models.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[tx.Name]; !ok {
		return payments.ErrTransactionNotFound
	}
	tx.UpdatedAt = time.Now()
	s.byID[tx.Name] = *tx
	return nil
}

func (s *Transactions) List(ctx context.Context, f repository.TransactionFilter) ([]models.PaymentTransaction, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PaymentTransaction
	for _, tx := range s.byID {
		if f.Gateway != "" && tx.Gateway != f.Gateway {
			continue
		}
		if f.Status != "" && tx.Status != f.Status {
			continue
		}
		if f.ReferenceDoctype != "" && tx.ReferenceDoctype != f.ReferenceDoctype {
			continue
		}
		if f.ReferenceDocname != "" && tx.ReferenceDocname != f.ReferenceDocname {
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, f.Limit, f.Offset), int64(len(out)), nil
}

// Mandates implements payments.MandateStore.
type Mandates struct {
	mu     sync.RWMutex
	byName map[string]models.Mandate
}

func NewMandates() *Mandates {
	return &Mandates{byName: make(map[string]models.Mandate)}
}

func (s *Mandates) Create(ctx context.Context, m *models.Mandate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[m.Name]; exists {
		return repository.ErrDuplicate
	}
	stamp(&m.BaseModel, time.Now())
	s.byName[m.Name] = *m
	return nil
}

func (s *Mandates) Get(ctx context.Context, name string) (*models.Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byName[name]
	if !ok {
		return nil, payments.ErrMandateNotFound
	}
	return &m, nil
}

func (s *Mandates) FindUsable(ctx context.Context, gateway, payerKey string) (*models.Mandate, error) {
	return s.find(func(m models.Mandate) bool {
		return m.Gateway == gateway && m.PayerKey == payerKey && payments.MandateUsable(m.Status)
	})
}

func (s *Mandates) FindByReference(ctx context.Context, gateway, reference string) (*models.Mandate, error) {
	return s.find(func(m models.Mandate) bool {
		return m.Gateway == gateway && m.Reference == reference
	})
}

func (s *Mandates) Update(ctx context.Context, m *models.Mandate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[m.Name]; !ok {
		return payments.ErrMandateNotFound
	}
	m.UpdatedAt = time.Now()
	s.byName[m.Name] = *m
	return nil
}

func (s *Mandates) find(match func(models.Mandate) bool) (*models.Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.Mandate
	for _, m := range s.byName {
		if match(m) && (found == nil || m.UpdatedAt.After(found.UpdatedAt)) {
			c := m
			found = &c
		}
	}
	if found == nil {
		return nil, payments.ErrMandateNotFound
	}
	return found, nil
}

// Events implements payments.ProcessedEventStore with lazy expiry.
type Events struct {
	mu     sync.Mutex
	events map[string]time.Time
}

func NewEvents() *Events {
	return &Events{events: make(map[string]time.Time)}
}

func (s *Events) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupExpiredLocked()
	s.events[key] = time.Now().Add(ttl)
	return nil
}

func (s *Events) IsProcessed(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.events[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiresAt) {
		delete(s.events, key)
		return false, nil
	}
	return true, nil
}

func (s *Events) cleanupExpiredLocked() {
	now := time.Now()
	for key, expiresAt := range s.events {
		if now.After(expiresAt) {
			delete(s.events, key)
		}
	}
}

// ErrorLogs implements payments.ErrorReporter.
type ErrorLogs struct {
	mu    sync.RWMutex
	byRef map[string]models.ErrorLog
}

func NewErrorLogs() *ErrorLogs {
	return &ErrorLogs{byRef: make(map[string]models.ErrorLog)}
}

func (s *ErrorLogs) Report(ctx context.Context, entry *models.ErrorLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp(&entry.BaseModel, time.Now())
	s.byRef[entry.Reference] = *entry
	return nil
}

func (s *ErrorLogs) GetByReference(ctx context.Context, reference string) (*models.ErrorLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.byRef[reference]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &entry, nil
}

// All returns every stored entry, for assertions in tests.
func (s *ErrorLogs) All() []models.ErrorLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ErrorLog, 0, len(s.byRef))
	for _, e := range s.byRef {
		out = append(out, e)
	}
	return out
}
