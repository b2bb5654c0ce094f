package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/example/paygate/internal/models"
)

// PaymeRepository keeps the Payme merchant ledger.
type PaymeRepository struct {
	db *gorm.DB
}

func NewPaymeRepository(db *gorm.DB) *PaymeRepository {
	return &PaymeRepository{db: db}
}

func (r *PaymeRepository) Create(ctx context.Context, txn *models.PaymeTransaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *PaymeRepository) GetByPaymeID(ctx context.Context, paymeID string) (*models.PaymeTransaction, error) {
	var txn models.PaymeTransaction
	if err := r.db.WithContext(ctx).Where("payme_id = ?", paymeID).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// FindOpen returns the pending or performed Payme transaction for one of our transactions.
func (r *PaymeRepository) FindOpen(ctx context.Context, gateway, transactionName string) (*models.PaymeTransaction, error) {
	var txn models.PaymeTransaction
	if err := r.db.WithContext(ctx).
		Where("gateway = ? AND transaction_name = ? AND state > 0", gateway, transactionName).
		Order("create_time desc").
		First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &txn, nil
}

func (r *PaymeRepository) Update(ctx context.Context, txn *models.PaymeTransaction) error {
	return r.db.WithContext(ctx).Save(txn).Error
}

func (r *PaymeRepository) ListByCreateTime(ctx context.Context, gateway string, from, to int64) ([]models.PaymeTransaction, error) {
	var txns []models.PaymeTransaction
	if err := r.db.WithContext(ctx).
		Where("gateway = ? AND create_time >= ? AND create_time <= ?", gateway, from, to).
		Order("create_time asc").
		Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}
