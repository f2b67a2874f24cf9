package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/messagelog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeRedirectPositions = "2024-03-01_normalize_redirect_positions"
	migrationRemoveOrphanRedirects      = "2024-03-01_remove_orphan_redirects"
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
		{name: migrationNormalizeRedirectPositions, apply: normalizeRedirectPositions},
		{name: migrationRemoveOrphanRedirects, apply: removeOrphanRedirects},
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

// normalizeRedirectPositions rewrites bare millisecond positions into the "ms-seq" form.
func normalizeRedirectPositions(db *gorm.DB) error {
	return db.Model(&messagelog.EditRedirect{}).
		Where("position NOT LIKE ?", "%-%").
		Update("position", gorm.Expr("position || '-0'")).Error
}

// removeOrphanRedirects drops redirects whose target entry no longer exists.
func removeOrphanRedirects(db *gorm.DB) error {
	return db.Exec(`DELETE FROM room_edit_redirects
WHERE NOT EXISTS (
	SELECT 1 FROM room_log_entries e
	WHERE e.room_id = room_edit_redirects.room_id
	AND (CAST(e.millis AS TEXT) || '-' || CAST(e.seq AS TEXT)) = room_edit_redirects.position
)`).Error
}
