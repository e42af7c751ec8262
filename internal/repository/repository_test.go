package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"esl-sync-service/internal/database"
	"esl-sync-service/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Connect(fmt.Sprintf("sqlite://file:%s_%s?mode=memory&cache=shared", name, uuid.NewString()), "test", nil)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func seedMapping(t *testing.T, db *gorm.DB) *models.StoreMapping {
	t.Helper()
	mapping := &models.StoreMapping{
		SourceSystem:  "shopify",
		SourceStoreID: "demo.myshopify.com",
		ESLStoreCode:  "ESL-001",
		IsActive:      true,
		Metadata:      models.JSONB{models.MetaTimezone: "America/New_York"},
	}
	require.NoError(t, NewStoreMappingRepository(db).Create(context.Background(), mapping))
	return mapping
}

func seedProduct(t *testing.T, db *gorm.DB, mapping *models.StoreMapping, sourceID, barcode string) *models.Product {
	t.Helper()
	product := &models.Product{
		StoreMappingID: mapping.ID,
		SourceSystem:   mapping.SourceSystem,
		SourceID:       sourceID,
		SourceStoreID:  mapping.SourceStoreID,
		Title:          "Item " + sourceID,
		Barcode:        barcode,
		Price:          decimal.RequireFromString("4.99"),
		Status:         models.ProductValidated,
	}
	require.NoError(t, NewProductRepository(db).Create(context.Background(), product))
	return product
}

func TestStoreMappingUniquePerSourceStore(t *testing.T) {
	db := newTestDB(t)
	repo := NewStoreMappingRepository(db)
	ctx := context.Background()
	seedMapping(t, db)

	err := repo.Create(ctx, &models.StoreMapping{
		SourceSystem:  "shopify",
		SourceStoreID: "demo.myshopify.com",
		ESLStoreCode:  "ESL-002",
	})
	assert.True(t, errors.Is(err, gorm.ErrDuplicatedKey))

	found, err := repo.GetBySourceStore(ctx, "shopify", "demo.myshopify.com")
	require.NoError(t, err)
	assert.Equal(t, "ESL-001", found.ESLStoreCode)

	_, err = repo.GetBySourceStore(ctx, "clover", "demo.myshopify.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreMappingUpdateMetadataKeepsOtherKeys(t *testing.T) {
	db := newTestDB(t)
	repo := NewStoreMappingRepository(db)
	ctx := context.Background()
	mapping := seedMapping(t, db)

	updated, err := repo.UpdateMetadata(ctx, mapping.ID, func(meta models.JSONB) error {
		meta[models.MetaPollCount] = 3
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, updated.PollCount())

	reloaded, err := repo.GetByID(ctx, mapping.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.PollCount())
	assert.Equal(t, "America/New_York", reloaded.Timezone("UTC"))

	_, err = repo.UpdateMetadata(ctx, mapping.ID, func(meta models.JSONB) error {
		meta[models.MetaPollCount] = 99
		return errors.New("abort")
	})
	require.Error(t, err)
	reloaded, err = repo.GetByID(ctx, mapping.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.PollCount())
}

func TestProductFindByCodePrefersBarcode(t *testing.T) {
	db := newTestDB(t)
	repo := NewProductRepository(db)
	ctx := context.Background()
	mapping := seedMapping(t, db)

	byBarcode := seedProduct(t, db, mapping, "100", "CODE-1")
	bySKU := seedProduct(t, db, mapping, "200", "")
	bySKU.SKU = "CODE-2"
	require.NoError(t, repo.Save(ctx, bySKU))

	found, err := repo.FindByCode(ctx, mapping.ID, "CODE-1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, byBarcode.ID, found[0].ID)

	found, err = repo.FindByCode(ctx, mapping.ID, "CODE-2")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, bySKU.ID, found[0].ID)

	found, err = repo.FindByCode(ctx, mapping.ID, "200")
	require.NoError(t, err)
	require.Len(t, found, 1)

	require.NoError(t, repo.MarkDeleted(ctx, byBarcode.ID))
	found, err = repo.FindByCode(ctx, mapping.ID, "CODE-1")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestProductUpdatePriceTouchesOnlyPrice(t *testing.T) {
	db := newTestDB(t)
	repo := NewProductRepository(db)
	ctx := context.Background()
	mapping := seedMapping(t, db)
	product := seedProduct(t, db, mapping, "100", "CODE-1")

	require.NoError(t, repo.UpdatePrice(ctx, product.ID, decimal.RequireFromString("2.50"), "hash"))

	reloaded, err := repo.GetByID(ctx, product.ID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("2.50").Equal(reloaded.Price))
	assert.Equal(t, product.Title, reloaded.Title)
	assert.Equal(t, product.Barcode, reloaded.Barcode)
	assert.Equal(t, models.ProductValidated, reloaded.Status)
}

func TestEnqueueKeepsOnePendingItemPerTarget(t *testing.T) {
	db := newTestDB(t)
	repo := NewSyncRepository(db)
	ctx := context.Background()
	mapping := seedMapping(t, db)
	product := seedProduct(t, db, mapping, "100", "CODE-1")

	first, created, err := repo.Enqueue(ctx, product.ID, mapping.ID, models.OperationCreate)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := repo.Enqueue(ctx, product.ID, mapping.ID, models.OperationUpdate)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.OperationCreate, second.Operation)

	third, created, err := repo.Enqueue(ctx, product.ID, mapping.ID, models.OperationDelete)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, models.OperationDelete, third.Operation)

	pending, err := repo.ListPendingForTarget(ctx, product.ID, mapping.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// The unique index rejects a second pending row written behind the repository's back
	err = db.Create(&models.SyncQueueItem{
		ProductID:      product.ID,
		StoreMappingID: mapping.ID,
		Operation:      models.OperationUpdate,
		Status:         models.QueueStatusPending,
	}).Error
	assert.True(t, errors.Is(err, gorm.ErrDuplicatedKey))
}

func TestEnqueueAfterClaimCreatesNewPendingItem(t *testing.T) {
	db := newTestDB(t)
	repo := NewSyncRepository(db)
	ctx := context.Background()
	mapping := seedMapping(t, db)
	product := seedProduct(t, db, mapping, "100", "CODE-1")
	now := time.Now().UTC()

	item, _, err := repo.Enqueue(ctx, product.ID, mapping.ID, models.OperationUpdate)
	require.NoError(t, err)

	claimed, err := repo.ClaimPending(ctx, item.ID, now)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repo.ClaimPending(ctx, item.ID, now)
	require.NoError(t, err)
	assert.False(t, claimed, "an item can only be claimed once")

	next, created, err := repo.Enqueue(ctx, product.ID, mapping.ID, models.OperationUpdate)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, item.ID, next.ID)

	// Retrying the processing item would create a second pending row, so it is superseded
	require.NoError(t, repo.ScheduleRetry(ctx, item.ID, 1, now, "timeout"))
	reloaded, err := repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, reloaded.Status)
	assert.Contains(t, reloaded.ErrorMessage, "superseded")

	pending, err := repo.ListPendingForTarget(ctx, product.ID, mapping.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestListDueHonoursBackoff(t *testing.T) {
	db := newTestDB(t)
	repo := NewSyncRepository(db)
	ctx := context.Background()
	mapping := seedMapping(t, db)
	ready := seedProduct(t, db, mapping, "100", "CODE-1")
	waiting := seedProduct(t, db, mapping, "200", "CODE-2")
	now := time.Now().UTC()

	readyItem, _, err := repo.Enqueue(ctx, ready.ID, mapping.ID, models.OperationUpdate)
	require.NoError(t, err)
	waitingItem, _, err := repo.Enqueue(ctx, waiting.ID, mapping.ID, models.OperationUpdate)
	require.NoError(t, err)

	claimed, err := repo.ClaimPending(ctx, waitingItem.ID, now)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, repo.ScheduleRetry(ctx, waitingItem.ID, 1, now.Add(time.Hour), "503"))

	due, err := repo.ListDue(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, readyItem.ID, due[0].ID)

	due, err = repo.ListDue(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestRequeueFailedAndStats(t *testing.T) {
	db := newTestDB(t)
	repo := NewSyncRepository(db)
	ctx := context.Background()
	mapping := seedMapping(t, db)
	product := seedProduct(t, db, mapping, "100", "CODE-1")

	item, _, err := repo.Enqueue(ctx, product.ID, mapping.ID, models.OperationUpdate)
	require.NoError(t, err)
	_, err = repo.RequeueFailed(ctx, item.ID)
	assert.Error(t, err, "pending items cannot be requeued")

	require.NoError(t, repo.MarkFailed(ctx, item.ID, 5, "400 bad request"))
	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.QueueStatusFailed])

	requeued, err := repo.RequeueFailed(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, requeued.Status)
	assert.Equal(t, 0, requeued.RetryCount)
}

func TestReleaseStaleProcessingItems(t *testing.T) {
	db := newTestDB(t)
	repo := NewSyncRepository(db)
	ctx := context.Background()
	mapping := seedMapping(t, db)
	product := seedProduct(t, db, mapping, "100", "CODE-1")
	now := time.Now().UTC()

	item, _, err := repo.Enqueue(ctx, product.ID, mapping.ID, models.OperationUpdate)
	require.NoError(t, err)
	claimed, err := repo.ClaimPending(ctx, item.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	released, err := repo.ReleaseStale(ctx, 10*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	reloaded, err := repo.GetByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, reloaded.Status)
}

func TestSyncLogIsAppendOnly(t *testing.T) {
	db := newTestDB(t)
	repo := NewSyncRepository(db)
	ctx := context.Background()
	itemID := uuid.New()

	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, repo.CreateLog(ctx, &models.SyncLogEntry{
			QueueItemID:    itemID,
			ProductID:      uuid.New(),
			StoreMappingID: uuid.New(),
			Operation:      models.OperationUpdate,
			Outcome:        models.OutcomeRetrying,
			Attempt:        attempt,
		}))
	}

	logs, err := repo.ListLogs(ctx, itemID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 1, logs[0].Attempt)
	assert.Equal(t, 2, logs[1].Attempt)
}

func TestScheduleListDue(t *testing.T) {
	db := newTestDB(t)
	repo := NewScheduleRepository(db)
	ctx := context.Background()
	mapping := seedMapping(t, db)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := &models.PriceAdjustmentSchedule{StoreMappingID: mapping.ID, RepeatType: models.RepeatDaily, IsActive: true, NextTriggerAt: &past}
	later := &models.PriceAdjustmentSchedule{StoreMappingID: mapping.ID, RepeatType: models.RepeatDaily, IsActive: true, NextTriggerAt: &future}
	exhausted := &models.PriceAdjustmentSchedule{StoreMappingID: mapping.ID, RepeatType: models.RepeatNone, IsActive: true}
	for _, s := range []*models.PriceAdjustmentSchedule{due, later, exhausted} {
		require.NoError(t, repo.Create(ctx, s))
	}

	schedules, err := repo.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, due.ID, schedules[0].ID)

	require.NoError(t, repo.Deactivate(ctx, due.ID))
	schedules, err = repo.ListDue(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, schedules)
}
