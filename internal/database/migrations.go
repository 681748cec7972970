package database

import (
	"errors"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/du-cki/Kana/internal/history"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillAvatarFormat = "2026-10-01_backfill_avatar_format"
	backfillBatchSize             = 500
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
		{name: migrationBackfillAvatarFormat, apply: backfillAvatarFormat},
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
		if err := migration.apply(db); err != nil {
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

// backfillAvatarFormat fills the format of rows imported without one, using the
// extension of their blob URL.
func backfillAvatarFormat(db *gorm.DB) error {
	var lastID int64
	for {
		var batch []history.AvatarRecord
		err := db.Select("id", "avatar_url").
			Where("format = ? AND id > ?", "", lastID).
			Order("id ASC").
			Limit(backfillBatchSize).
			Find(&batch).Error
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, record := range batch {
			lastID = record.ID
			format := formatFromURL(record.BlobURL)
			if format == "" {
				continue
			}
			if err := db.Model(&history.AvatarRecord{}).Where("id = ?", record.ID).Update("format", format).Error; err != nil {
				return err
			}
		}
	}
}

func formatFromURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(parsed.Path), "."))
}
