package synclog

import "time"

// Direction of a sync attempt relative to the accounting service.
type Direction string

// Action performed by a sync attempt.
type Action string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"

	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionFetch  Action = "fetch"

	StatusPending = "pending"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Entry is one sync attempt. It is inserted as pending and completed at most once.
type Entry struct {
	ID           string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	TenantID     string    `gorm:"column:tenant_id;size:64;not null;index:idx_sync_log_tenant_created,priority:1" json:"tenant_id"`
	EntityType   string    `gorm:"column:entity_type;size:64;not null" json:"entity_type"`
	InternalID   string    `gorm:"column:internal_id;size:190" json:"internal_id,omitempty"`
	Direction    Direction `gorm:"column:direction;size:8;not null" json:"direction"`
	Action       Action    `gorm:"column:action;size:16;not null" json:"action"`
	Status       string    `gorm:"column:status;size:16;not null" json:"status"`
	DurationMs   int64     `gorm:"column:duration_ms;not null" json:"duration_ms"`
	ErrorCode    string    `gorm:"column:error_code;size:64" json:"error_code,omitempty"`
	ErrorMessage string    `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	Details      string    `gorm:"column:details;type:text" json:"details,omitempty"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;index:idx_sync_log_tenant_created,priority:2" json:"created_at"`
}

// TableName exposes the table backing sync log entries.
func (Entry) TableName() string {
	return "sync_log_entries"
}
