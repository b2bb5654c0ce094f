package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/paygate/internal/models"
)

type OperatorRepository struct {
	db *gorm.DB
}

func NewOperatorRepository(db *gorm.DB) *OperatorRepository {
	return &OperatorRepository{db: db}
}

func (r *OperatorRepository) FindByUsername(ctx context.Context, username string) (*models.Operator, error) {
	var op models.Operator
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&op).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &op, nil
}

func (r *OperatorRepository) Create(ctx context.Context, op *models.Operator) error {
	return r.db.WithContext(ctx).Create(op).Error
}

func (r *OperatorRepository) TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Operator{}).
		Where("id = ?", id).
		Update("last_login_at", at).Error
}
