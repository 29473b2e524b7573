package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncerr"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxLastErrorLength = 2000

var errMissingDatabase = errors.New("webhook: database handle is required")

// Store persists webhook events and their processing state.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs a Store.
func NewStore(db *gorm.DB, clock func() time.Time) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: db, now: clock}, nil
}

// StoreEvent inserts the event as pending. It reports false when (tenant, event id) was already stored.
func (s *Store) StoreEvent(ctx context.Context, event *Event) (bool, error) {
	if event.ID == "" {
		identifier, err := uuid.NewV7()
		if err != nil {
			return false, err
		}
		event.ID = identifier.String()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = s.now().UTC()
	}
	event.Status = StatusPending
	event.Attempts = 0

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, syncerr.NewSync(syncerr.CodeStorage, "store webhook event", true, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Candidates lists events eligible for processing in receipt order: pending and failed below
// maxAttempts once their next attempt time has passed by readyAt, and processing rows untouched
// since staleBefore.
func (s *Store) Candidates(ctx context.Context, limit int, maxAttempts int, staleBefore time.Time, readyAt time.Time) ([]Event, error) {
	ready := readyAt.UTC()
	var events []Event
	err := s.db.WithContext(ctx).
		Where("((status = ? OR (status = ? AND attempts < ?)) AND (next_attempt_at IS NULL OR next_attempt_at <= ?)) OR (status = ? AND updated_at < ?)",
			StatusPending, StatusFailed, maxAttempts, ready, StatusProcessing, staleBefore.UTC()).
		Order("received_at ASC, id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, syncerr.NewSync(syncerr.CodeStorage, "list webhook events", true, err)
	}
	return events, nil
}

// ResourceKey identifies the resource an event refers to.
type ResourceKey struct {
	TenantID      string
	EventCategory string
	ResourceID    string
}

// HeldResources lists resources with a retryable event still waiting for its next attempt after
// readyAt. Newer events for those resources must wait behind it.
func (s *Store) HeldResources(ctx context.Context, maxAttempts int, readyAt time.Time) ([]ResourceKey, error) {
	var keys []ResourceKey
	err := s.db.WithContext(ctx).Model(&Event{}).
		Distinct("tenant_id", "event_category", "resource_id").
		Where("(status = ? OR (status = ? AND attempts < ?)) AND next_attempt_at > ?",
			StatusPending, StatusFailed, maxAttempts, readyAt.UTC()).
		Scan(&keys).Error
	if err != nil {
		return nil, syncerr.NewSync(syncerr.CodeStorage, "list held webhook resources", true, err)
	}
	return keys, nil
}

// DeferTenant pushes the next attempt of every waiting event of the tenant to until.
func (s *Store) DeferTenant(ctx context.Context, tenantID string, until time.Time) error {
	next := until.UTC()
	err := s.db.WithContext(ctx).Model(&Event{}).
		Where("tenant_id = ? AND status IN ? AND (next_attempt_at IS NULL OR next_attempt_at < ?)",
			tenantID, []string{StatusPending, StatusFailed}, next).
		Update("next_attempt_at", next).Error
	if err != nil {
		return syncerr.NewSync(syncerr.CodeStorage, "defer webhook events", true, err)
	}
	return nil
}

// Claim moves the event to processing if it still has the status it was listed with.
// Only one worker can win the conditional update.
func (s *Store) Claim(ctx context.Context, event *Event) (bool, error) {
	now := s.now().UTC()
	result := s.db.WithContext(ctx).Model(&Event{}).
		Where("id = ? AND status = ? AND attempts = ?", event.ID, event.Status, event.Attempts).
		Updates(map[string]interface{}{
			"status":     StatusProcessing,
			"attempts":   event.Attempts + 1,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, syncerr.NewSync(syncerr.CodeStorage, "claim webhook event", true, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	event.Status = StatusProcessing
	event.Attempts++
	event.UpdatedAt = now
	return true, nil
}

// MarkProcessed records a terminal success. note is kept in last_error for skipped events.
func (s *Store) MarkProcessed(ctx context.Context, event *Event, note string) error {
	now := s.now().UTC()
	err := s.db.WithContext(ctx).Model(&Event{}).
		Where("id = ?", event.ID).
		Updates(map[string]interface{}{
			"status":          StatusProcessed,
			"processed_at":    now,
			"last_error":      note,
			"next_attempt_at": nil,
			"updated_at":      now,
		}).Error
	if err != nil {
		return syncerr.NewSync(syncerr.CodeStorage, "mark webhook event processed", true, err)
	}
	event.Status = StatusProcessed
	event.ProcessedAt = &now
	event.LastError = note
	event.NextAttemptAt = nil
	return nil
}

// MarkFailed records the failure detail. The event stays eligible until it reaches max attempts,
// but not before retryAt. A zero retryAt makes it eligible immediately.
func (s *Store) MarkFailed(ctx context.Context, event *Event, cause string, retryAt time.Time) error {
	if len(cause) > maxLastErrorLength {
		cause = cause[:maxLastErrorLength]
	}
	next := nextAttempt(retryAt)
	err := s.db.WithContext(ctx).Model(&Event{}).
		Where("id = ?", event.ID).
		Updates(map[string]interface{}{
			"status":          StatusFailed,
			"last_error":      cause,
			"next_attempt_at": next,
			"updated_at":      s.now().UTC(),
		}).Error
	if err != nil {
		return syncerr.NewSync(syncerr.CodeStorage, "mark webhook event failed", true, err)
	}
	event.Status = StatusFailed
	event.LastError = cause
	event.NextAttemptAt = next
	return nil
}

// Release returns a claimed event to pending without counting the attempt. It is not listed
// again before retryAt.
func (s *Store) Release(ctx context.Context, event *Event, retryAt time.Time) error {
	next := nextAttempt(retryAt)
	err := s.db.WithContext(ctx).Model(&Event{}).
		Where("id = ? AND status = ?", event.ID, StatusProcessing).
		Updates(map[string]interface{}{
			"status":          StatusPending,
			"attempts":        gorm.Expr("CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END"),
			"next_attempt_at": next,
			"updated_at":      s.now().UTC(),
		}).Error
	if err != nil {
		return syncerr.NewSync(syncerr.CodeStorage, "release webhook event", true, err)
	}
	event.Status = StatusPending
	event.NextAttemptAt = next
	if event.Attempts > 0 {
		event.Attempts--
	}
	return nil
}

func nextAttempt(retryAt time.Time) *time.Time {
	if retryAt.IsZero() {
		return nil
	}
	next := retryAt.UTC()
	return &next
}

// LatestProcessedEventDate returns the newest event date already processed for the resource.
func (s *Store) LatestProcessedEventDate(ctx context.Context, tenantID, category, resourceID string) (time.Time, bool, error) {
	var latest Event
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND event_category = ? AND resource_id = ? AND status = ?",
			tenantID, category, resourceID, StatusProcessed).
		Order("event_date DESC").
		Take(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, syncerr.NewSync(syncerr.CodeStorage, "load latest webhook event", true, err)
	}
	return latest.EventDate, true, nil
}

// StatusCounts reports the number of events per status for a tenant, or all tenants when empty.
func (s *Store) StatusCounts(ctx context.Context, tenantID string) (map[string]int64, error) {
	type row struct {
		Status string
		Total  int64
	}
	var rows []row
	query := s.db.WithContext(ctx).Model(&Event{}).Select("status, COUNT(*) AS total").Group("status")
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	if err := query.Scan(&rows).Error; err != nil {
		return nil, syncerr.NewSync(syncerr.CodeStorage, "count webhook events", true, err)
	}
	counts := map[string]int64{StatusPending: 0, StatusProcessing: 0, StatusProcessed: 0, StatusFailed: 0}
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}
