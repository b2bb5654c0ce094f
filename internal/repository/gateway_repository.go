package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/example/paygate/internal/models"
	"github.com/example/paygate/internal/payments"
)

// GatewayRepository persists the gateway registrations made at startup.
type GatewayRepository struct {
	db *gorm.DB
}

func NewGatewayRepository(db *gorm.DB) *GatewayRepository {
	return &GatewayRepository{db: db}
}

// Sync upserts one row per registration and disables rows of gateways no longer configured.
func (r *GatewayRepository) Sync(ctx context.Context, regs []payments.Registration) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		names := make([]string, 0, len(regs))
		for _, reg := range regs {
			names = append(names, reg.Name)
			row := models.PaymentGateway{Name: reg.Name}
			if err := tx.Where("name = ?", reg.Name).
				Assign(models.PaymentGateway{
					Provider:   reg.Provider,
					Settings:   reg.Settings,
					Controller: reg.Name,
					Enabled:    true,
				}).
				FirstOrCreate(&row).Error; err != nil {
				return err
			}
		}

		query := tx.Model(&models.PaymentGateway{})
		if len(names) > 0 {
			query = query.Where("name NOT IN ?", names)
		} else {
			query = query.Where("1 = 1")
		}
		return query.Update("enabled", false).Error
	})
}

func (r *GatewayRepository) List(ctx context.Context) ([]models.PaymentGateway, error) {
	var rows []models.PaymentGateway
	if err := r.db.WithContext(ctx).Order("name asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
