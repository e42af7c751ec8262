package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SyncOperation is the ESL operation a queue item performs
type SyncOperation string

const (
	OperationCreate SyncOperation = "create"
	OperationUpdate SyncOperation = "update"
	OperationDelete SyncOperation = "delete"
)

// QueueStatus represents the status of a sync queue item
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusSucceeded  QueueStatus = "succeeded"
	QueueStatusFailed     QueueStatus = "failed"
)

// SyncOutcome is the result of one delivery attempt
type SyncOutcome string

const (
	OutcomeSucceeded SyncOutcome = "succeeded"
	OutcomeRetrying  SyncOutcome = "retrying"
	OutcomeFailed    SyncOutcome = "failed"
)

// SyncQueueItem is a pending or processed ESL write for one product in one store.
// At most one pending item exists per (product_id, store_mapping_id).
type SyncQueueItem struct {
	ID             uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	ProductID      uuid.UUID     `gorm:"type:uuid;not null;uniqueIndex:idx_sync_queue_pending_target,priority:1,where:status = 'pending'" json:"productId"`
	StoreMappingID uuid.UUID     `gorm:"type:uuid;not null;index;uniqueIndex:idx_sync_queue_pending_target,priority:2,where:status = 'pending'" json:"storeMappingId"`
	Operation      SyncOperation `gorm:"type:varchar(20);not null" json:"operation"`
	Status         QueueStatus   `gorm:"type:varchar(20);not null;default:'pending';index:idx_sync_queue_status_next,priority:1" json:"status"`
	RetryCount     int           `gorm:"not null;default:0" json:"retryCount"`
	ErrorMessage   string        `gorm:"type:text" json:"errorMessage,omitempty"`
	NextAttemptAt  time.Time     `gorm:"index:idx_sync_queue_status_next,priority:2" json:"nextAttemptAt"`
	ClaimedAt      *time.Time    `json:"claimedAt,omitempty"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (SyncQueueItem) TableName() string {
	return "sync_queue"
}

func (q *SyncQueueItem) BeforeCreate(tx *gorm.DB) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	if q.NextAttemptAt.IsZero() {
		q.NextAttemptAt = time.Now().UTC()
	}
	return nil
}

// SyncLogEntry is an append-only audit record of one delivery attempt
type SyncLogEntry struct {
	ID             uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	QueueItemID    uuid.UUID     `gorm:"type:uuid;not null;index" json:"queueItemId"`
	ProductID      uuid.UUID     `gorm:"type:uuid;not null;index" json:"productId"`
	StoreMappingID uuid.UUID     `gorm:"type:uuid;not null" json:"storeMappingId"`
	Operation      SyncOperation `gorm:"type:varchar(20);not null" json:"operation"`
	Outcome        SyncOutcome   `gorm:"type:varchar(20);not null" json:"outcome"`
	Attempt        int           `gorm:"not null" json:"attempt"`
	ErrorMessage   string        `gorm:"type:text" json:"errorMessage,omitempty"`
	DurationMs     int64         `json:"durationMs"`
	CreatedAt      time.Time     `gorm:"index" json:"createdAt"`
}

// TableName specifies the table name
func (SyncLogEntry) TableName() string {
	return "sync_logs"
}

func (l *SyncLogEntry) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
