package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/paygate/internal/models"
)

// ErrorLogRepository stores error details behind user-facing references.
type ErrorLogRepository struct {
	db *gorm.DB
}

func NewErrorLogRepository(db *gorm.DB) *ErrorLogRepository {
	return &ErrorLogRepository{db: db}
}

func (r *ErrorLogRepository) Report(ctx context.Context, entry *models.ErrorLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *ErrorLogRepository) GetByReference(ctx context.Context, reference string) (*models.ErrorLog, error) {
	var entry models.ErrorLog
	if err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// EventRepository is a database-backed processed webhook event store.
type EventRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db, now: time.Now}
}

func (r *EventRepository) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	now := r.now()
	event := models.ProcessedEvent{Key: key, ExpiresAt: now.Add(ttl), CreatedAt: now}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"expires_at"}),
		}).
		Create(&event).Error
}

func (r *EventRepository) IsProcessed(ctx context.Context, key string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.ProcessedEvent{}).
		Where("event_key = ? AND expires_at > ?", key, r.now()).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Purge deletes expired events.
func (r *EventRepository) Purge(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", r.now()).Delete(&models.ProcessedEvent{})
	return res.RowsAffected, res.Error
}
