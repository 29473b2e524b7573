package mapping

import "time"

// Mapping statuses.
const (
	StatusActive  = "active"
	StatusError   = "error"
	StatusDeleted = "deleted"
)

// EntityMapping links an internal record to its counterpart in the accounting service.
// At most one non-deleted row exists per internal id and per external id within a tenant and type.
type EntityMapping struct {
	ID           string     `gorm:"column:id;primaryKey;size:36"`
	TenantID     string     `gorm:"column:tenant_id;size:64;not null;uniqueIndex:idx_entity_mappings_internal,priority:1,where:status <> 'deleted';uniqueIndex:idx_entity_mappings_external,priority:1,where:status <> 'deleted' AND external_id <> '';index:idx_entity_mappings_status,priority:1"`
	EntityType   string     `gorm:"column:entity_type;size:64;not null;uniqueIndex:idx_entity_mappings_internal,priority:2;uniqueIndex:idx_entity_mappings_external,priority:2"`
	InternalID   string     `gorm:"column:internal_id;size:190;not null;uniqueIndex:idx_entity_mappings_internal,priority:3"`
	ExternalID   string     `gorm:"column:external_id;size:190;not null;uniqueIndex:idx_entity_mappings_external,priority:3"`
	SyncHash     string     `gorm:"column:sync_hash;size:128"`
	Status       string     `gorm:"column:status;size:16;not null;index:idx_entity_mappings_status,priority:2"`
	LastSyncedAt *time.Time `gorm:"column:last_synced_at"`
	LastError    string     `gorm:"column:last_error;type:text"`
	ErrorCount   int        `gorm:"column:error_count;not null"`
	// PendingCreateKey is the idempotency key of a create whose outcome is unknown. The next
	// create for this record reuses it so the accounting service can replay instead of duplicating.
	PendingCreateKey string    `gorm:"column:pending_create_key;size:190"`
	Version          int64     `gorm:"column:version;not null"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing entity mappings.
func (EntityMapping) TableName() string {
	return "entity_mappings"
}

// Key identifies a mapping from the internal side.
type Key struct {
	TenantID   string
	EntityType string
	InternalID string
}
