package webhook

import "time"

// Event statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// Event is one received webhook notification. (tenant_id, event_id) is unique.
type Event struct {
	ID            string     `gorm:"column:id;primaryKey;size:36" json:"id"`
	TenantID      string     `gorm:"column:tenant_id;size:64;not null;uniqueIndex:idx_webhook_events_dedupe,priority:1" json:"tenant_id"`
	EventID       string     `gorm:"column:event_id;size:128;not null;uniqueIndex:idx_webhook_events_dedupe,priority:2" json:"event_id"`
	EventType     string     `gorm:"column:event_type;size:32;not null" json:"event_type"`
	EventCategory string     `gorm:"column:event_category;size:32;not null" json:"event_category"`
	ResourceID    string     `gorm:"column:resource_id;size:190;not null;index" json:"resource_id"`
	ResourceURL   string     `gorm:"column:resource_url;size:512" json:"resource_url,omitempty"`
	EventDate     time.Time  `gorm:"column:event_date" json:"event_date"`
	ReceivedAt    time.Time  `gorm:"column:received_at;not null;index:idx_webhook_events_status,priority:2" json:"received_at"`
	ProcessedAt   *time.Time `gorm:"column:processed_at" json:"processed_at,omitempty"`
	Status        string     `gorm:"column:status;size:16;not null;index:idx_webhook_events_status,priority:1" json:"status"`
	Attempts      int        `gorm:"column:attempts;not null" json:"attempts"`
	LastError     string     `gorm:"column:last_error;type:text" json:"last_error,omitempty"`
	NextAttemptAt *time.Time `gorm:"column:next_attempt_at;index" json:"next_attempt_at,omitempty"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName exposes the table backing webhook events.
func (Event) TableName() string {
	return "webhook_events"
}
