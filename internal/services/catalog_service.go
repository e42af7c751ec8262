package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"esl-sync-service/internal/clients"
	"esl-sync-service/internal/metrics"
	"esl-sync-service/internal/models"
	"esl-sync-service/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ApplyResult summarizes what ingesting one source item changed
type ApplyResult struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Invalid   int `json:"invalid"`
	Deleted   int `json:"deleted"`
	Enqueued  int `json:"enqueued"`
}

// Add accumulates other into r
func (r *ApplyResult) Add(other *ApplyResult) {
	if other == nil {
		return
	}
	r.Created += other.Created
	r.Updated += other.Updated
	r.Unchanged += other.Unchanged
	r.Invalid += other.Invalid
	r.Deleted += other.Deleted
	r.Enqueued += other.Enqueued
}

// CatalogService upserts normalized products and feeds the sync queue
type CatalogService struct {
	productRepo *repository.ProductRepository
	syncRepo    *repository.SyncRepository
	logger      *logrus.Entry
}

// NewCatalogService creates a new catalog service
func NewCatalogService(productRepo *repository.ProductRepository, syncRepo *repository.SyncRepository, logger *logrus.Logger) *CatalogService {
	return &CatalogService{
		productRepo: productRepo,
		syncRepo:    syncRepo,
		logger:      logger.WithField("component", "catalog"),
	}
}

// transaction runs fn with repositories bound to one database transaction
func (s *CatalogService) transaction(ctx context.Context, fn func(products *repository.ProductRepository, queue *repository.SyncRepository) error) error {
	return s.productRepo.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.productRepo.WithTx(tx), s.syncRepo.WithTx(tx))
	})
}

// IngestItem applies one observed source item: deletions mark products deleted, everything else is normalized and upserted
func (s *CatalogService) IngestItem(ctx context.Context, adapter clients.SourceAdapter, mapping *models.StoreMapping, item clients.SourceItem) (*ApplyResult, error) {
	if item.Deleted {
		deleted, err := s.MarkSourceItemDeleted(ctx, mapping, item.ID)
		if err != nil {
			return nil, err
		}
		return &ApplyResult{Deleted: deleted, Enqueued: deleted}, nil
	}

	products, err := adapter.Normalize(item)
	if err != nil {
		return nil, &clients.ValidationError{Op: "normalize " + item.ID, Reasons: []string{err.Error()}}
	}
	return s.ApplyItem(ctx, adapter, mapping, item.ID, products)
}

// ApplyItem upserts the normalized products of one source item. A queue item is enqueued only
// when a product is new, resurrected or its content changed. Local variants missing from
// products are marked deleted.
func (s *CatalogService) ApplyItem(ctx context.Context, adapter clients.SourceAdapter, mapping *models.StoreMapping, sourceID string, products []clients.NormalizedProduct) (*ApplyResult, error) {
	result := &ApplyResult{}
	err := s.transaction(ctx, func(productRepo *repository.ProductRepository, queue *repository.SyncRepository) error {
		seen := make(map[string]bool, len(products))
		for _, np := range products {
			if np.SourceID == "" {
				np.SourceID = sourceID
			}
			seen[np.SourceVariantID] = true

			product, op, err := s.upsert(ctx, productRepo, adapter, mapping, np, result)
			if err != nil {
				return err
			}
			if op == "" {
				continue
			}
			if _, _, err := queue.Enqueue(ctx, product.ID, mapping.ID, op); err != nil {
				return fmt.Errorf("failed to enqueue %s for product %s: %w", op, product.ID, err)
			}
			result.Enqueued++
		}

		existing, err := productRepo.ListBySourceItem(ctx, mapping.ID, sourceID)
		if err != nil {
			return err
		}
		for i := range existing {
			if seen[existing[i].SourceVariantID] {
				continue
			}
			if err := markDeleted(ctx, productRepo, queue, &existing[i]); err != nil {
				return err
			}
			result.Deleted++
			result.Enqueued++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply %s item %s: %w", mapping.SourceSystem, sourceID, err)
	}
	return result, nil
}

// upsert writes one normalized product and returns it with the queue operation it requires, if any
func (s *CatalogService) upsert(ctx context.Context, productRepo *repository.ProductRepository, adapter clients.SourceAdapter, mapping *models.StoreMapping, np clients.NormalizedProduct, result *ApplyResult) (*models.Product, models.SyncOperation, error) {
	existing, err := productRepo.GetByIdentity(ctx, mapping.SourceSystem, np.SourceID, np.SourceVariantID, mapping.SourceStoreID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, "", err
	}

	product := existing
	if product == nil {
		product = &models.Product{
			StoreMappingID:  mapping.ID,
			SourceSystem:    mapping.SourceSystem,
			SourceID:        np.SourceID,
			SourceVariantID: np.SourceVariantID,
			SourceStoreID:   mapping.SourceStoreID,
		}
	}
	previousStatus := product.Status
	previousHash := product.ContentHash
	applyNormalized(product, np, mapping)

	valid, reasons := adapter.Validate(np)
	if !valid {
		product.Status = models.ProductPending
		product.ValidationErrors = strings.Join(reasons, "; ")
		product.ContentHash = ""
		result.Invalid++
		s.logger.WithFields(logrus.Fields{
			"source":    mapping.SourceSystem,
			"store":     mapping.SourceStoreID,
			"source_id": np.SourceID,
			"variant":   np.SourceVariantID,
			"reasons":   reasons,
		}).Warn("Product failed validation")
		return product, "", save(ctx, productRepo, product, existing == nil)
	}

	hash := product.ComputeContentHash()
	switch {
	case existing == nil:
		result.Created++
	case previousStatus == models.ProductValidated && previousHash == hash:
		result.Unchanged++
		return product, "", nil
	default:
		result.Updated++
	}

	op := models.OperationUpdate
	if existing == nil || previousStatus != models.ProductValidated {
		op = models.OperationCreate
	}
	product.Status = models.ProductValidated
	product.ValidationErrors = ""
	product.ContentHash = hash
	if err := save(ctx, productRepo, product, existing == nil); err != nil {
		return nil, "", err
	}
	return product, op, nil
}

func save(ctx context.Context, productRepo *repository.ProductRepository, product *models.Product, create bool) error {
	if create {
		return productRepo.Create(ctx, product)
	}
	return productRepo.Save(ctx, product)
}

// applyNormalized copies the normalized attributes onto a local product
func applyNormalized(product *models.Product, np clients.NormalizedProduct, mapping *models.StoreMapping) {
	product.Title = np.Title
	product.Barcode = np.Barcode
	product.SKU = np.SKU
	product.Price = np.Price.Round(2)
	product.Currency = np.Currency
	product.ImageURL = np.ImageURL

	payload := models.JSONB{}
	for k, v := range np.Payload {
		payload[k] = v
	}
	if _, ok := payload["category"]; !ok {
		if category := mapping.Metadata.String(models.MetaDefaultCategory); category != "" {
			payload["category"] = category
		}
	}
	product.Payload = payload
}

func markDeleted(ctx context.Context, productRepo *repository.ProductRepository, queue *repository.SyncRepository, product *models.Product) error {
	if err := productRepo.MarkDeleted(ctx, product.ID); err != nil {
		return fmt.Errorf("failed to mark product %s deleted: %w", product.ID, err)
	}
	if _, _, err := queue.Enqueue(ctx, product.ID, product.StoreMappingID, models.OperationDelete); err != nil {
		return fmt.Errorf("failed to enqueue delete for product %s: %w", product.ID, err)
	}
	product.Status = models.ProductDeleted
	return nil
}

// MarkSourceItemDeleted marks every product of a source item deleted and enqueues their deletes
func (s *CatalogService) MarkSourceItemDeleted(ctx context.Context, mapping *models.StoreMapping, sourceID string) (int, error) {
	deleted := 0
	err := s.transaction(ctx, func(productRepo *repository.ProductRepository, queue *repository.SyncRepository) error {
		products, err := productRepo.ListBySourceItem(ctx, mapping.ID, sourceID)
		if err != nil {
			return err
		}
		for i := range products {
			if err := markDeleted(ctx, productRepo, queue, &products[i]); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// CleanupGhosts marks every non-deleted local product whose source id is absent from activeIDs
// as deleted and enqueues its delete. It returns the removed products.
func (s *CatalogService) CleanupGhosts(ctx context.Context, mapping *models.StoreMapping, activeIDs map[string]struct{}) ([]models.Product, error) {
	var ghosts []models.Product
	err := s.transaction(ctx, func(productRepo *repository.ProductRepository, queue *repository.SyncRepository) error {
		local, err := productRepo.ListNotDeleted(ctx, mapping.ID)
		if err != nil {
			return err
		}
		for i := range local {
			if _, ok := activeIDs[local[i].SourceID]; ok {
				continue
			}
			if err := markDeleted(ctx, productRepo, queue, &local[i]); err != nil {
				return err
			}
			ghosts = append(ghosts, local[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(ghosts) > 0 {
		metrics.GhostItems.WithLabelValues(mapping.SourceSystem).Add(float64(len(ghosts)))
	}
	return ghosts, nil
}

// UpdatePrice changes only the price of a product and enqueues the ESL update.
// Products that failed validation get the new price without a queue item.
// It reports false when the price was already current.
func (s *CatalogService) UpdatePrice(ctx context.Context, product *models.Product, price decimal.Decimal) (bool, error) {
	price = price.Round(2)
	if product.Price.Equal(price) {
		return false, nil
	}

	updated := *product
	updated.Price = price
	hash := updated.ComputeContentHash()

	err := s.transaction(ctx, func(productRepo *repository.ProductRepository, queue *repository.SyncRepository) error {
		if product.Status != models.ProductValidated {
			return productRepo.UpdatePrice(ctx, product.ID, price, product.ContentHash)
		}
		if err := productRepo.UpdatePrice(ctx, product.ID, price, hash); err != nil {
			return err
		}
		_, _, err := queue.Enqueue(ctx, product.ID, product.StoreMappingID, models.OperationUpdate)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to update price of product %s: %w", product.ID, err)
	}
	product.Price = price
	if product.Status == models.ProductValidated {
		product.ContentHash = hash
	}
	return true, nil
}
