package repository

import (
	"context"
	"time"

	"esl-sync-service/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ProductRepository handles database operations for local products
type ProductRepository struct {
	db *gorm.DB
}

// NewProductRepository creates a new product repository
func NewProductRepository(db *gorm.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// DB exposes the handle so services can run multi-repository transactions
func (r *ProductRepository) DB() *gorm.DB {
	return r.db
}

// WithTx returns a repository bound to tx
func (r *ProductRepository) WithTx(tx *gorm.DB) *ProductRepository {
	return &ProductRepository{db: tx}
}

// GetByID retrieves a product by ID
func (r *ProductRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var product models.Product
	if err := r.db.WithContext(ctx).First(&product, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

// GetByIdentity retrieves a product by its unique source identity
func (r *ProductRepository) GetByIdentity(ctx context.Context, sourceSystem, sourceID, sourceVariantID, sourceStoreID string) (*models.Product, error) {
	var product models.Product
	err := r.db.WithContext(ctx).
		Where("source_system = ? AND source_id = ? AND source_variant_id = ? AND source_store_id = ?",
			sourceSystem, sourceID, sourceVariantID, sourceStoreID).
		First(&product).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

// Create inserts a new product
func (r *ProductRepository) Create(ctx context.Context, product *models.Product) error {
	return r.db.WithContext(ctx).Create(product).Error
}

// Save updates every column of an existing product
func (r *ProductRepository) Save(ctx context.Context, product *models.Product) error {
	return r.db.WithContext(ctx).Omit("published_code").Save(product).Error
}

// SetPublishedCode records the code the product's label currently has on the ESL side
func (r *ProductRepository) SetPublishedCode(ctx context.Context, id uuid.UUID, code string) error {
	return r.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ?", id).
		UpdateColumn("published_code", code).Error
}

// ListBySourceItem retrieves the non-deleted products (variants) of one source item
func (r *ProductRepository) ListBySourceItem(ctx context.Context, mappingID uuid.UUID, sourceID string) ([]models.Product, error) {
	var products []models.Product
	err := r.db.WithContext(ctx).
		Where("store_mapping_id = ? AND source_id = ? AND status <> ?", mappingID, sourceID, models.ProductDeleted).
		Find(&products).Error
	return products, err
}

// ListNotDeleted retrieves every non-deleted product of a tenant
func (r *ProductRepository) ListNotDeleted(ctx context.Context, mappingID uuid.UUID) ([]models.Product, error) {
	var products []models.Product
	err := r.db.WithContext(ctx).
		Where("store_mapping_id = ? AND status <> ?", mappingID, models.ProductDeleted).
		Order("source_id ASC, source_variant_id ASC").
		Find(&products).Error
	return products, err
}

// FindByCode retrieves the non-deleted products of a tenant matching a product code
// (barcode, SKU or source id, in that order of preference)
func (r *ProductRepository) FindByCode(ctx context.Context, mappingID uuid.UUID, code string) ([]models.Product, error) {
	for _, column := range []string{"barcode", "sku", "source_id"} {
		var products []models.Product
		err := r.db.WithContext(ctx).
			Where("store_mapping_id = ? AND status <> ? AND "+column+" = ?", mappingID, models.ProductDeleted, code).
			Find(&products).Error
		if err != nil {
			return nil, err
		}
		if len(products) > 0 {
			return products, nil
		}
	}
	return nil, nil
}

// MarkDeleted flags a product deleted. Products are never hard-removed.
func (r *ProductRepository) MarkDeleted(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     models.ProductDeleted,
			"updated_at": time.Now().UTC(),
		}).Error
}

// UpdatePrice changes only the price (and the derived content hash) of a product
func (r *ProductRepository) UpdatePrice(ctx context.Context, id uuid.UUID, price decimal.Decimal, contentHash string) error {
	return r.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"price":        price,
			"content_hash": contentHash,
			"updated_at":   time.Now().UTC(),
		}).Error
}

// CountByStatus returns product counts per status for a tenant
func (r *ProductRepository) CountByStatus(ctx context.Context, mappingID uuid.UUID) (map[models.ProductStatus]int64, error) {
	var rows []struct {
		Status models.ProductStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.Product{}).
		Select("status, COUNT(*) AS count").
		Where("store_mapping_id = ?", mappingID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[models.ProductStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
