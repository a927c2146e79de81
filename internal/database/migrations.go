package database

import (
	"errors"
	"time"

	"github.com/practicehall/lessonroom/internal/classroom"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillArchivePublished = "2026-06-10_backfill_archive_published"

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
		{name: migrationBackfillArchivePublished, apply: backfillArchivePublished},
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

// Archive entries written before the published flag existed must stay visible
// to students, so they are marked published once.
func backfillArchivePublished(db *gorm.DB) error {
	return db.Model(&classroom.ArchiveEntry{}).
		Where("published = ?", false).
		Update("published", true).Error
}
