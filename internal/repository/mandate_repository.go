package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/payments"
)

type MandateRepository struct {
	db *gorm.DB
}

func NewMandateRepository(db *gorm.DB) *MandateRepository {
	return &MandateRepository{db: db}
}

func (r *MandateRepository) Create(ctx context.Context, m *models.Mandate) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *MandateRepository) Get(ctx context.Context, name string) (*models.Mandate, error) {
	return r.first(ctx, "name = ?", name)
}

// FindUsable returns the most recently updated pending or active mandate of a payer.
func (r *MandateRepository) FindUsable(ctx context.Context, gateway, payerKey string) (*models.Mandate, error) {
	return r.first(ctx, "gateway = ? AND payer_key = ? AND status IN ?",
		gateway, payerKey, []string{payments.MandatePending, payments.MandateActive})
}

func (r *MandateRepository) FindByReference(ctx context.Context, gateway, reference string) (*models.Mandate, error) {
	return r.first(ctx, "gateway = ? AND reference = ?", gateway, reference)
}

func (r *MandateRepository) Update(ctx context.Context, m *models.Mandate) error {
	return r.db.WithContext(ctx).Save(m).Error
}

func (r *MandateRepository) first(ctx context.Context, query string, args ...any) (*models.Mandate, error) {
	var m models.Mandate
	if err := r.db.WithContext(ctx).Where(query, args...).Order("updated_at desc").First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payments.ErrMandateNotFound
		}
		return nil, err
	}
	return &m, nil
}
