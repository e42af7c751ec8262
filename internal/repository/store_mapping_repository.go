package repository

import (
	"context"
	"errors"
	"fmt"

	"esl-sync-service/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("record not found")

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// StoreMappingRepository handles database operations for store mappings
type StoreMappingRepository struct {
	db *gorm.DB
}

// NewStoreMappingRepository creates a new store mapping repository
func NewStoreMappingRepository(db *gorm.DB) *StoreMappingRepository {
	return &StoreMappingRepository{db: db}
}

// Create creates a new store mapping
func (r *StoreMappingRepository) Create(ctx context.Context, mapping *models.StoreMapping) error {
	return r.db.WithContext(ctx).Create(mapping).Error
}

// GetByID retrieves a mapping by ID
func (r *StoreMappingRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.StoreMapping, error) {
	var mapping models.StoreMapping
	if err := r.db.WithContext(ctx).First(&mapping, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &mapping, nil
}

// GetBySourceStore retrieves the mapping for a tenant
func (r *StoreMappingRepository) GetBySourceStore(ctx context.Context, sourceSystem, sourceStoreID string) (*models.StoreMapping, error) {
	var mapping models.StoreMapping
	err := r.db.WithContext(ctx).
		Where("source_system = ? AND source_store_id = ?", sourceSystem, sourceStoreID).
		First(&mapping).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &mapping, nil
}

// ListActive retrieves active mappings for a source system
func (r *StoreMappingRepository) ListActive(ctx context.Context, sourceSystem string) ([]models.StoreMapping, error) {
	var mappings []models.StoreMapping
	err := r.db.WithContext(ctx).
		Where("source_system = ? AND is_active = ?", sourceSystem, true).
		Order("created_at ASC").
		Find(&mappings).Error
	return mappings, err
}

// UpdateMetadata applies mutate to the stored metadata inside a row-locked transaction,
// so concurrent writers never overwrite each other's keys.
func (r *StoreMappingRepository) UpdateMetadata(ctx context.Context, id uuid.UUID, mutate func(meta models.JSONB) error) (*models.StoreMapping, error) {
	var updated models.StoreMapping
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&updated, "id = ?", id).Error; err != nil {
			return notFound(err)
		}

		meta := updated.Metadata.Clone()
		if err := mutate(meta); err != nil {
			return err
		}

		if err := tx.Model(&models.StoreMapping{}).Where("id = ?", id).Update("metadata", meta).Error; err != nil {
			return fmt.Errorf("failed to update metadata: %w", err)
		}
		updated.Metadata = meta
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// SetActive activates or deactivates a mapping. Mappings are never deleted.
func (r *StoreMappingRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return r.db.WithContext(ctx).
		Model(&models.StoreMapping{}).
		Where("id = ?", id).
		Update("is_active", active).Error
}

// SetESLStoreCode assigns the ESL store a mapping publishes to
func (r *StoreMappingRepository) SetESLStoreCode(ctx context.Context, id uuid.UUID, code string) error {
	return r.db.WithContext(ctx).
		Model(&models.StoreMapping{}).
		Where("id = ?", id).
		Update("esl_store_code", code).Error
}
