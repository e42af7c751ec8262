package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"esl-sync-service/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SyncRepository handles database operations for the sync queue and its audit log
type SyncRepository struct {
	db *gorm.DB
}

// NewSyncRepository creates a new sync repository
func NewSyncRepository(db *gorm.DB) *SyncRepository {
	return &SyncRepository{db: db}
}

// WithTx returns a repository bound to tx
func (r *SyncRepository) WithTx(tx *gorm.DB) *SyncRepository {
	return &SyncRepository{db: tx}
}

// mergeOperation decides which operation a deduplicated pending item keeps
func mergeOperation(existing, incoming models.SyncOperation) models.SyncOperation {
	switch {
	case incoming == models.OperationDelete:
		return models.OperationDelete
	case existing == models.OperationCreate && incoming == models.OperationUpdate:
		return models.OperationCreate
	default:
		return incoming
	}
}

// Enqueue adds a pending item for (product, store) or folds the request into the
// existing pending item for that target. It returns the pending item and whether a new row was created.
func (r *SyncRepository) Enqueue(ctx context.Context, productID, mappingID uuid.UUID, op models.SyncOperation) (*models.SyncQueueItem, bool, error) {
	item, created, err := r.enqueueOnce(ctx, productID, mappingID, op)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost a race against another producer; fold into the row it inserted
		item, created, err = r.enqueueOnce(ctx, productID, mappingID, op)
	}
	return item, created, err
}

func (r *SyncRepository) enqueueOnce(ctx context.Context, productID, mappingID uuid.UUID, op models.SyncOperation) (*models.SyncQueueItem, bool, error) {
	var (
		item    models.SyncQueueItem
		created bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("product_id = ? AND store_mapping_id = ? AND status = ?",
			productID, mappingID, models.QueueStatusPending).
			First(&item).Error
		if err == nil {
			merged := mergeOperation(item.Operation, op)
			if merged == item.Operation {
				return nil
			}
			item.Operation = merged
			return tx.Model(&models.SyncQueueItem{}).
				Where("id = ? AND status = ?", item.ID, models.QueueStatusPending).
				Update("operation", merged).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		item = models.SyncQueueItem{
			ProductID:      productID,
			StoreMappingID: mappingID,
			Operation:      op,
			Status:         models.QueueStatusPending,
			NextAttemptAt:  time.Now().UTC(),
		}
		if err := tx.Create(&item).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &item, created, nil
}

// GetByID retrieves a queue item by ID
func (r *SyncRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	if err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

// ListPendingForTarget returns the pending items for one (product, store) pair
func (r *SyncRepository) ListPendingForTarget(ctx context.Context, productID, mappingID uuid.UUID) ([]models.SyncQueueItem, error) {
	var items []models.SyncQueueItem
	err := r.db.WithContext(ctx).
		Where("product_id = ? AND store_mapping_id = ? AND status = ?", productID, mappingID, models.QueueStatusPending).
		Find(&items).Error
	return items, err
}

// ListByMapping returns queue items of a tenant, newest first
func (r *SyncRepository) ListByMapping(ctx context.Context, mappingID uuid.UUID, status models.QueueStatus) ([]models.SyncQueueItem, error) {
	var items []models.SyncQueueItem
	query := r.db.WithContext(ctx).Where("store_mapping_id = ?", mappingID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	err := query.Order("created_at DESC").Find(&items).Error
	return items, err
}

// ListDue returns pending items whose backoff has elapsed, oldest first
func (r *SyncRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]models.SyncQueueItem, error) {
	var items []models.SyncQueueItem
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", models.QueueStatusPending, now.UTC()).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&items).Error
	return items, err
}

// ClaimPending atomically moves an item from pending to processing.
// It reports false when another worker claimed it first.
func (r *SyncRepository) ClaimPending(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	claimedAt := now.UTC()
	result := r.db.WithContext(ctx).
		Model(&models.SyncQueueItem{}).
		Where("id = ? AND status = ?", id, models.QueueStatusPending).
		Updates(map[string]interface{}{
			"status":     models.QueueStatusProcessing,
			"claimed_at": &claimedAt,
			"updated_at": claimedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkSucceeded completes a processing item
func (r *SyncRepository) MarkSucceeded(ctx context.Context, id uuid.UUID, now time.Time) error {
	completedAt := now.UTC()
	return r.db.WithContext(ctx).
		Model(&models.SyncQueueItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.QueueStatusSucceeded,
			"error_message": "",
			"completed_at":  &completedAt,
			"updated_at":    completedAt,
		}).Error
}

// ScheduleRetry returns a processing item to pending with a backoff.
// If a newer pending item for the same target exists, that item already carries the latest state
// and this one is closed as superseded instead.
func (r *SyncRepository) ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, errorMessage string) error {
	err := r.db.WithContext(ctx).
		Model(&models.SyncQueueItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          models.QueueStatusPending,
			"retry_count":     retryCount,
			"error_message":   errorMessage,
			"next_attempt_at": nextAttemptAt.UTC(),
			"claimed_at":      nil,
			"updated_at":      time.Now().UTC(),
		}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return r.MarkFailed(ctx, id, retryCount, "superseded by newer pending item: "+errorMessage)
	}
	return err
}

// MarkFailed terminally fails an item
func (r *SyncRepository) MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, errorMessage string) error {
	completedAt := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&models.SyncQueueItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.QueueStatusFailed,
			"retry_count":   retryCount,
			"error_message": errorMessage,
			"completed_at":  &completedAt,
			"updated_at":    completedAt,
		}).Error
}

// ReleaseStale returns items stuck in processing longer than lease to pending
func (r *SyncRepository) ReleaseStale(ctx context.Context, lease time.Duration, now time.Time) (int, error) {
	var stale []models.SyncQueueItem
	err := r.db.WithContext(ctx).
		Where("status = ? AND claimed_at < ?", models.QueueStatusProcessing, now.Add(-lease).UTC()).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}

	released := 0
	for _, item := range stale {
		if err := r.ScheduleRetry(ctx, item.ID, item.RetryCount, now, "processing lease expired"); err != nil {
			return released, fmt.Errorf("failed to release queue item %s: %w", item.ID, err)
		}
		released++
	}
	return released, nil
}

// RequeueFailed moves a terminally failed item back to pending with a fresh retry budget.
// It is a no-op when the target already has a pending item.
func (r *SyncRepository) RequeueFailed(ctx context.Context, id uuid.UUID) (*models.SyncQueueItem, error) {
	item, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != models.QueueStatusFailed {
		return nil, fmt.Errorf("queue item %s is %s, only failed items can be retried", id, item.Status)
	}

	pending, err := r.ListPendingForTarget(ctx, item.ProductID, item.StoreMappingID)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return &pending[0], nil
	}

	now := time.Now().UTC()
	err = r.db.WithContext(ctx).
		Model(&models.SyncQueueItem{}).
		Where("id = ? AND status = ?", id, models.QueueStatusFailed).
		Updates(map[string]interface{}{
			"status":          models.QueueStatusPending,
			"retry_count":     0,
			"next_attempt_at": now,
			"completed_at":    nil,
			"updated_at":      now,
		}).Error
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// CountByStatus returns queue counts per status
func (r *SyncRepository) CountByStatus(ctx context.Context) (map[models.QueueStatus]int64, error) {
	var rows []struct {
		Status models.QueueStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.SyncQueueItem{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[models.QueueStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// CreateLog appends an audit entry. Log entries are never updated.
func (r *SyncRepository) CreateLog(ctx context.Context, entry *models.SyncLogEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListLogs returns the audit trail of a queue item in attempt order
func (r *SyncRepository) ListLogs(ctx context.Context, queueItemID uuid.UUID) ([]models.SyncLogEntry, error) {
	var logs []models.SyncLogEntry
	err := r.db.WithContext(ctx).
		Where("queue_item_id = ?", queueItemID).
		Order("created_at ASC, attempt ASC").
		Find(&logs).Error
	return logs, err
}
