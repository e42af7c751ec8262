package database

import (
	"testing"

	"esl-sync-service/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestConnectSQLiteAndMigrate(t *testing.T) {
	db, err := Connect("sqlite://file:database_test?mode=memory&cache=shared", "test", nil)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	for _, model := range []interface{}{
		&models.StoreMapping{},
		&models.Product{},
		&models.SyncQueueItem{},
		&models.SyncLogEntry{},
		&models.PriceAdjustmentSchedule{},
	} {
		assert.True(t, db.Migrator().HasTable(model))
	}
	assert.True(t, db.Migrator().HasIndex(&models.SyncQueueItem{}, "idx_sync_queue_pending_target"))
	assert.True(t, db.Migrator().HasIndex(&models.Product{}, "idx_products_identity"))
}

func TestGormLogsGoThroughLogrus(t *testing.T) {
	log, hook := test.NewNullLogger()
	db, err := Connect("sqlite://file:database_logger_test?mode=memory&cache=shared", "test", log)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	hook.Reset()

	var mapping models.StoreMapping
	err = db.First(&mapping, "source_store_id = ?", "missing").Error
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.Empty(t, hook.AllEntries(), "a missing record is not worth a log line")

	require.Error(t, db.Exec("SELECT * FROM no_such_table").Error)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "gorm", hook.LastEntry().Data["component"])
}
