package database

import (
	"fmt"
	"strings"
	"time"

	"esl-sync-service/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the database. URLs starting with sqlite:// use SQLite (development and tests),
// anything else is treated as a PostgreSQL DSN. A nil log uses the logrus standard logger.
func Connect(databaseURL, environment string, log *logrus.Logger) (*gorm.DB, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	gormConfig := &gorm.Config{
		Logger:         NewGormLogger(log, environment),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	if strings.HasPrefix(databaseURL, "sqlite://") {
		db, err = gorm.Open(sqlite.Open(strings.TrimPrefix(databaseURL, "sqlite://")), gormConfig)
	} else {
		db, err = gorm.Open(postgres.Open(databaseURL), gormConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if db.Dialector.Name() == "sqlite" {
		// SQLite serializes writers; a single connection also keeps in-memory databases shared
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}

// Migrate creates or updates the schema for every persisted model
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.StoreMapping{},
		&models.Product{},
		&models.SyncQueueItem{},
		&models.SyncLogEntry{},
		&models.PriceAdjustmentSchedule{},
	); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}
	return nil
}

// gormWriter sends gorm log lines to logrus at a fixed level
type gormWriter struct {
	entry *logrus.Entry
	level logrus.Level
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.entry.Logf(w.level, format, args...)
}

// NewGormLogger routes gorm logging through logrus. Missing records are expected
// lookups and are never logged; SQL tracing is only enabled in development.
func NewGormLogger(log *logrus.Logger, environment string) logger.Interface {
	writer := gormWriter{entry: log.WithField("component", "gorm"), level: logrus.WarnLevel}
	logLevel := logger.Warn
	if environment == "development" {
		writer.level = logrus.DebugLevel
		logLevel = logger.Info
	}
	return logger.New(writer, logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logLevel,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
