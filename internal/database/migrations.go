package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/mapping"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/tokens"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/webhook"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillMappingVersions  = "2026-03-02_backfill_mapping_versions"
	migrationUppercaseWebhookCategory = "2026-04-11_uppercase_webhook_categories"
	migrationBackfillConnectionGrants = "2026-10-16_backfill_connection_grants"
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
		{name: migrationBackfillMappingVersions, apply: backfillMappingVersions},
		{name: migrationUppercaseWebhookCategory, apply: uppercaseWebhookCategories},
		{name: migrationBackfillConnectionGrants, apply: backfillConnectionGrants},
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
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// backfillMappingVersions gives rows written before optimistic versioning a starting version, so
// the first versioned update matches them.
func backfillMappingVersions(db *gorm.DB) error {
	return db.Model(&mapping.EntityMapping{}).
		Where("version = 0").
		Update("version", 1).Error
}

func uppercaseWebhookCategories(db *gorm.DB) error {
	return db.Model(&webhook.Event{}).
		Where("event_category <> UPPER(event_category) OR event_type <> UPPER(event_type)").
		Updates(map[string]interface{}{
			"event_category": gorm.Expr("UPPER(event_category)"),
			"event_type":     gorm.Expr("UPPER(event_type)"),
		}).Error
}

// backfillConnectionGrants treats every connection stored before grants were tracked as its own
// grant.
func backfillConnectionGrants(db *gorm.DB) error {
	return db.Model(&tokens.TenantConnection{}).
		Where("grant_id = '' OR grant_id IS NULL").
		Update("grant_id", gorm.Expr("tenant_id")).Error
}
