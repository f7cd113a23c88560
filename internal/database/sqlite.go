package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/workspace/backend/internal/documents"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenSQLite opens the document store and brings its schema up to date.
func OpenSQLite(path string, zapLogger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&documents.Document{}, &documents.Revision{}, &migrationRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	if err := applyMigrations(db, zapLogger); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	if zapLogger != nil {
		zapLogger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
