package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/payments"
)

var (
	// ErrNotFound is returned by lookups outside the payments core.
	ErrNotFound  = errors.New("repository: record not found")
	ErrDuplicate = errors.New("repository: duplicate record")
)

// TransactionFilter narrows admin listings. Empty fields are ignored.
type TransactionFilter struct {
	Gateway          string
	Status           string
	ReferenceDoctype string
	ReferenceDocname string
	Limit            int
	Offset           int
}

// TransactionRepository stores payment transactions with gorm.
type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *models.PaymentTransaction) error {
	return r.db.WithContext(ctx).Create(tx).Error
}

func (r *TransactionRepository) Get(ctx context.Context, name string) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&tx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payments.ErrTransactionNotFound
		}
		return nil, err
	}
	return &tx, nil
}

func (r *TransactionRepository) FindByRequestID(ctx context.Context, gateway, requestID string) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	if err := r.db.WithContext(ctx).
		Where("gateway = ? AND request_id = ?", gateway, requestID).
		Order("created_at desc").
		First(&tx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payments.ErrTransactionNotFound
		}
		return nil, err
	}
	return &tx, nil
}

func (r *TransactionRepository) Update(ctx context.Context, tx *models.PaymentTransaction) error {
	return r.db.WithContext(ctx).Save(tx).Error
}

// List returns one page of transactions, newest first, and the total match count.
func (r *TransactionRepository) List(ctx context.Context, f TransactionFilter) ([]models.PaymentTransaction, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.PaymentTransaction{})
	if f.Gateway != "" {
		query = query.Where("gateway = ?", f.Gateway)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.ReferenceDoctype != "" {
		query = query.Where("reference_doctype = ?", f.ReferenceDoctype)
	}
	if f.ReferenceDocname != "" {
		query = query.Where("reference_docname = ?", f.ReferenceDocname)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if f.Limit > 0 {
		query = query.Limit(f.Limit).Offset(f.Offset)
	}

	var txs []models.PaymentTransaction
	if err := query.Order("created_at desc").Find(&txs).Error; err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}
