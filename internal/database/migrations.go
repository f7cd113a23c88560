package database

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/workspace/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/richtext"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillSearchText = "2026-09-14_backfill_document_search_text"
	migrationNormalizeTags      = "2026-09-30_normalize_document_tags"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillSearchText, apply: backfillSearchText},
		{name: migrationNormalizeTags, apply: normalizeTags},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows whose snapshot no longer parses keep an empty search text.
func backfillSearchText(tx *gorm.DB) error {
	var rows []documents.Document
	if err := tx.Select("document_id", "snapshot_json").Where("search_text = ''").Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		snapshot, err := richtext.Parse([]byte(row.SnapshotJSON))
		if err != nil {
			continue
		}
		text := richtext.PlainText(snapshot)
		if text == "" {
			continue
		}
		if err := tx.Model(&documents.Document{}).
			Where("document_id = ?", row.DocumentID).
			Update("search_text", text).Error; err != nil {
			return err
		}
	}
	return nil
}

func normalizeTags(tx *gorm.DB) error {
	var rows []documents.Document
	if err := tx.Select("document_id", "tags_json").Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		var tags []string
		if err := json.Unmarshal([]byte(row.TagsJSON), &tags); err != nil {
			tags = nil
		}
		encoded, err := json.Marshal(documents.NormalizeTags(tags))
		if err != nil {
			return err
		}
		if string(encoded) == row.TagsJSON {
			continue
		}
		if err := tx.Model(&documents.Document{}).
			Where("document_id = ?", row.DocumentID).
			Update("tags_json", string(encoded)).Error; err != nil {
			return err
		}
	}
	return nil
}
