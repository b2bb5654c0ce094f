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

type Orders struct {
	mu       sync.RWMutex
	byNumber map[string]models.Order
}

func NewOrders() *Orders {
	return &Orders{byNumber: make(map[string]models.Order)}
}

func (s *Orders) Create(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byNumber[order.Number]; exists {
		return repository.ErrDuplicate
	}
	stamp(&order.BaseModel, time.Now())
	s.byNumber[order.Number] = *order
	return nil
}

func (s *Orders) GetByNumber(ctx context.Context, number string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.byNumber[number]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &order, nil
}

func (s *Orders) Update(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byNumber[order.Number]; !ok {
		return repository.ErrNotFound
	}
	order.UpdatedAt = time.Now()
	s.byNumber[order.Number] = *order
	return nil
}

func (s *Orders) List(ctx context.Context, limit, offset int) ([]models.Order, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Order, 0, len(s.byNumber))
	for _, o := range s.byNumber {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), int64(len(out)), nil
}

type Operators struct {
	mu         sync.RWMutex
	byUsername map[string]models.Operator
}

func NewOperators() *Operators {
	return &Operators{byUsername: make(map[string]models.Operator)}
}

func (s *Operators) FindByUsername(ctx context.Context, username string) (*models.Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.byUsername[username]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &op, nil
}

func (s *Operators) Create(ctx context.Context, op *models.Operator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byUsername[op.Username]; exists {
		return repository.ErrDuplicate
	}
	stamp(&op.BaseModel, time.Now())
	s.byUsername[op.Username] = *op
	return nil
}

func (s *Operators) TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, op := range s.byUsername {
		if op.ID == id {
			op.LastLoginAt = &at
			s.byUsername[name] = op
			return nil
		}
	}
	return repository.ErrNotFound
}

type Gateways struct {
	mu   sync.RWMutex
	rows map[string]models.PaymentGateway
}

func NewGateways() *Gateways {
	return &Gateways{rows: make(map[string]models.PaymentGateway)}
}

func (s *Gateways) Sync(ctx context.Context, regs []payments.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	seen := make(map[string]bool, len(regs))
	for _, reg := range regs {
		seen[reg.Name] = true
		row := s.rows[reg.Name]
		row.Name = reg.Name
		row.Provider = reg.Provider
		row.Settings = reg.Settings
		row.Controller = reg.Name
		row.Enabled = true
		stamp(&row.BaseModel, now)
		s.rows[reg.Name] = row
	}
	for name, row := range s.rows {
		if !seen[name] {
			row.Enabled = false
			s.rows[name] = row
		}
	}
	return nil
}

func (s *Gateways) List(ctx context.Context) ([]models.PaymentGateway, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PaymentGateway, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Payme is the in-memory Payme merchant ledger.
type Payme struct {
	mu   sync.RWMutex
	byID map[string]models.PaymeTransaction
}

func NewPayme() *Payme {
	return &Payme{byID: make(map[string]models.PaymeTransaction)}
}

func (s *Payme) Create(ctx context.Context, txn *models.PaymeTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[txn.PaymeID]; exists {
		return repository.ErrDuplicate
	}
	stamp(&txn.BaseModel, time.Now())
	s.byID[txn.PaymeID] = *txn
	return nil
}

func (s *Payme) GetByPaymeID(ctx context.Context, paymeID string) (*models.PaymeTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	txn, ok := s.byID[paymeID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &txn, nil
}

func (s *Payme) FindOpen(ctx context.Context, gateway, transactionName string) (*models.PaymeTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.PaymeTransaction
	for _, txn := range s.byID {
		if txn.Gateway == gateway && txn.TransactionName == transactionName && txn.State > 0 {
			if found == nil || txn.CreateTime > found.CreateTime {
				t := txn
				found = &t
			}
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (s *Payme) Update(ctx context.Context, txn *models.PaymeTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[txn.PaymeID]; !ok {
		return repository.ErrNotFound
	}
	txn.UpdatedAt = time.Now()
	s.byID[txn.PaymeID] = *txn
	return nil
}

func (s *Payme) ListByCreateTime(ctx context.Context, gateway string, from, to int64) ([]models.PaymeTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PaymeTransaction
	for _, txn := range s.byID {
		if txn.Gateway == gateway && txn.CreateTime >= from && txn.CreateTime <= to {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateTime < out[j].CreateTime })
	return out, nil
}
