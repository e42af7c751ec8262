package repository

import (
	"context"
	"time"

	"esl-sync-service/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ScheduleRepository handles database operations for price adjustment schedules
type ScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository creates a new schedule repository
func NewScheduleRepository(db *gorm.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// Create creates a new schedule
func (r *ScheduleRepository) Create(ctx context.Context, schedule *models.PriceAdjustmentSchedule) error {
	return r.db.WithContext(ctx).Create(schedule).Error
}

// GetByID retrieves a schedule by ID
func (r *ScheduleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PriceAdjustmentSchedule, error) {
	var schedule models.PriceAdjustmentSchedule
	if err := r.db.WithContext(ctx).First(&schedule, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &schedule, nil
}

// ListDue returns active schedules whose next boundary is at or before now
func (r *ScheduleRepository) ListDue(ctx context.Context, now time.Time) ([]models.PriceAdjustmentSchedule, error) {
	var schedules []models.PriceAdjustmentSchedule
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND next_trigger_at IS NOT NULL AND next_trigger_at <= ?", true, now.UTC()).
		Order("next_trigger_at ASC").
		Find(&schedules).Error
	return schedules, err
}

// UpdateTriggerState persists the scheduler-owned fields of a schedule
func (r *ScheduleRepository) UpdateTriggerState(ctx context.Context, schedule *models.PriceAdjustmentSchedule) error {
	return r.db.WithContext(ctx).
		Model(&models.PriceAdjustmentSchedule{}).
		Where("id = ?", schedule.ID).
		Updates(map[string]interface{}{
			"last_triggered_at": schedule.LastTriggeredAt,
			"last_trigger_type": schedule.LastTriggerType,
			"next_trigger_at":   schedule.NextTriggerAt,
			"updated_at":        time.Now().UTC(),
		}).Error
}

// Deactivate disables a schedule
func (r *ScheduleRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.PriceAdjustmentSchedule{}).
		Where("id = ?", id).
		Update("is_active", false).Error
}
