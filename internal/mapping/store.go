// Package mapping persists the identity links between internal records and accounting records.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/events"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncerr"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxWriteAttempts = 3
	maxErrorLength   = 2000

	opUpsert      = "mapping.upsert"
	opMarkError   = "mapping.mark_error"
	opMarkDeleted = "mapping.mark_deleted"
	opClearError  = "mapping.clear_error"
	opLookup      = "mapping.lookup"
)

var (
	errMissingDatabase = errors.New("mapping: database handle is required")
	// ErrConcurrentUpdate indicates the row changed between read and write on every attempt.
	ErrConcurrentUpdate = errors.New("mapping: concurrent update")
	// ErrInvalidKey indicates an empty tenant, entity type or internal id.
	ErrInvalidKey = errors.New("mapping: tenant, entity type and internal id are required")
)

// StoreConfig describes the dependencies of the mapping store.
type StoreConfig struct {
	Database  *gorm.DB
	Publisher events.Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Store reads and writes entity mappings.
type Store struct {
	db        *gorm.DB
	publisher events.Publisher
	now       func() time.Time
	logger    *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, publisher: cfg.Publisher, now: clock, logger: logger}, nil
}

// GetExternalID returns the external id linked to the internal record, if any.
func (s *Store) GetExternalID(ctx context.Context, tenantID, entityType, internalID string) (string, bool, error) {
	var row EntityMapping
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND internal_id = ? AND status <> ? AND external_id <> ''",
			tenantID, entityType, internalID, StatusDeleted).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.logError(opLookup, "query_failed", err, zap.String("tenant_id", tenantID))
		return "", false, storageError("lookup mapping", err)
	}
	return row.ExternalID, true, nil
}

// GetInternalID returns the internal id linked to the external record, if any.
func (s *Store) GetInternalID(ctx context.Context, tenantID, entityType, externalID string) (string, bool, error) {
	if strings.TrimSpace(externalID) == "" {
		return "", false, nil
	}
	var row EntityMapping
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND external_id = ? AND status <> ?",
			tenantID, entityType, externalID, StatusDeleted).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.logError(opLookup, "query_failed", err, zap.String("tenant_id", tenantID))
		return "", false, storageError("lookup mapping", err)
	}
	return row.InternalID, true, nil
}

// Get returns the live mapping for the internal record, or nil when none exists.
func (s *Store) Get(ctx context.Context, tenantID, entityType, internalID string) (*EntityMapping, error) {
	row, err := findLive(s.db.WithContext(ctx), Key{TenantID: tenantID, EntityType: entityType, InternalID: internalID})
	if err != nil {
		return nil, storageError("lookup mapping", err)
	}
	return row, nil
}

// ListByStatus lists live mappings of a tenant with the given status, most recently updated first.
func (s *Store) ListByStatus(ctx context.Context, tenantID, status string, limit int) ([]EntityMapping, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []EntityMapping
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, status).
		Order("updated_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, storageError("list mappings", err)
	}
	return rows, nil
}

// Upsert records a successful sync: the link exists, the hash is current, and any error is cleared.
// An external id already linked to a different internal record is a conflict.
func (s *Store) Upsert(ctx context.Context, tenantID, entityType, internalID, externalID, syncHash string) error {
	key := Key{TenantID: tenantID, EntityType: entityType, InternalID: internalID}
	if err := key.validate(); err != nil {
		return err
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return syncerr.NewValidation(syncerr.CodeInvalidPayload, "external id is required", []syncerr.FieldError{{Field: "external_id", Message: "required"}})
	}

	var written EntityMapping
	err := s.withRetry(ctx, func(tx *gorm.DB) (bool, error) {
		var owner EntityMapping
		ownerErr := tx.Where("tenant_id = ? AND entity_type = ? AND external_id = ? AND status <> ? AND internal_id <> ?",
			tenantID, entityType, externalID, StatusDeleted, internalID).
			Take(&owner).Error
		if ownerErr == nil {
			return false, syncerr.NewValidation(syncerr.CodeMappingConflict,
				fmt.Sprintf("%s %s is already linked to internal record %s", entityType, externalID, owner.InternalID), nil).
				WithEntity(syncerr.EntityRef{TenantID: tenantID, EntityType: entityType, InternalID: internalID})
		}
		if !errors.Is(ownerErr, gorm.ErrRecordNotFound) {
			return false, ownerErr
		}

		existing, findErr := findLive(tx, key)
		if findErr != nil {
			return false, findErr
		}
		syncedAt := s.now().UTC()
		if existing == nil {
			written = EntityMapping{
				ID:           uuid.Must(uuid.NewV7()).String(),
				TenantID:     tenantID,
				EntityType:   entityType,
				InternalID:   internalID,
				ExternalID:   externalID,
				SyncHash:     syncHash,
				Status:       StatusActive,
				LastSyncedAt: &syncedAt,
				Version:      1,
			}
			if createErr := tx.Create(&written).Error; createErr != nil {
				return true, createErr
			}
			return false, nil
		}

		updated, updateErr := versionedUpdate(tx, existing, map[string]interface{}{
			"external_id":        externalID,
			"sync_hash":          syncHash,
			"status":             StatusActive,
			"last_error":         "",
			"error_count":        0,
			"pending_create_key": "",
			"last_synced_at":     syncedAt,
		})
		if updateErr != nil || !updated {
			return !updated, updateErr
		}
		written = *existing
		written.ExternalID = externalID
		written.Status = StatusActive
		return false, nil
	})
	if err != nil {
		if classified, ok := syncerr.As(err); ok {
			return classified
		}
		s.logError(opUpsert, "write_failed", err, zap.String("tenant_id", tenantID), zap.String("entity_type", entityType))
		return storageError("upsert mapping", err)
	}
	s.publish(written)
	return nil
}

// ErrorOption refines MarkError.
type ErrorOption func(*errorOptions)

type errorOptions struct {
	pendingCreateKey string
}

// WithPendingCreateKey remembers the idempotency key of a create that may have reached the
// accounting service.
func WithPendingCreateKey(key string) ErrorOption {
	return func(o *errorOptions) {
		o.pendingCreateKey = strings.TrimSpace(key)
	}
}

// MarkError flags the mapping as failed and counts the failure. When no mapping exists an error row
// without an external id is created so a retry updates one row instead of adding another.
func (s *Store) MarkError(ctx context.Context, tenantID, entityType, internalID, message string, opts ...ErrorOption) error {
	key := Key{TenantID: tenantID, EntityType: entityType, InternalID: internalID}
	if err := key.validate(); err != nil {
		return err
	}
	message = truncate(message)
	var options errorOptions
	for _, opt := range opts {
		opt(&options)
	}

	var written EntityMapping
	err := s.withRetry(ctx, func(tx *gorm.DB) (bool, error) {
		existing, findErr := findLive(tx, key)
		if findErr != nil {
			return false, findErr
		}
		if existing == nil {
			written = EntityMapping{
				ID:               uuid.Must(uuid.NewV7()).String(),
				TenantID:         tenantID,
				EntityType:       entityType,
				InternalID:       internalID,
				Status:           StatusError,
				LastError:        message,
				ErrorCount:       1,
				Version:          1,
				PendingCreateKey: options.pendingCreateKey,
			}
			if createErr := tx.Create(&written).Error; createErr != nil {
				return true, createErr
			}
			return false, nil
		}
		changes := map[string]interface{}{
			"status":      StatusError,
			"last_error":  message,
			"error_count": gorm.Expr("error_count + 1"),
		}
		if options.pendingCreateKey != "" {
			changes["pending_create_key"] = options.pendingCreateKey
		}
		updated, updateErr := versionedUpdate(tx, existing, changes)
		if updateErr != nil || !updated {
			return !updated, updateErr
		}
		written = *existing
		written.Status = StatusError
		if options.pendingCreateKey != "" {
			written.PendingCreateKey = options.pendingCreateKey
		}
		return false, nil
	})
	if err != nil {
		s.logError(opMarkError, "write_failed", err, zap.String("tenant_id", tenantID), zap.String("entity_type", entityType))
		return storageError("mark mapping error", err)
	}
	s.publish(written)
	return nil
}

// MarkDeleted soft-deletes the mapping, freeing both uniqueness slots. Missing mappings are ignored.
func (s *Store) MarkDeleted(ctx context.Context, tenantID, entityType, internalID string) error {
	key := Key{TenantID: tenantID, EntityType: entityType, InternalID: internalID}
	if err := key.validate(); err != nil {
		return err
	}
	var written *EntityMapping
	err := s.withRetry(ctx, func(tx *gorm.DB) (bool, error) {
		existing, findErr := findLive(tx, key)
		if findErr != nil || existing == nil {
			return false, findErr
		}
		updated, updateErr := versionedUpdate(tx, existing, map[string]interface{}{"status": StatusDeleted})
		if updateErr != nil || !updated {
			return !updated, updateErr
		}
		existing.Status = StatusDeleted
		written = existing
		return false, nil
	})
	if err != nil {
		s.logError(opMarkDeleted, "write_failed", err, zap.String("tenant_id", tenantID), zap.String("entity_type", entityType))
		return storageError("delete mapping", err)
	}
	if written != nil {
		s.publish(*written)
	}
	return nil
}

// ClearError is the operator override for a failed mapping. A linked record returns to active;
// an error row that never reached the accounting service is retired.
func (s *Store) ClearError(ctx context.Context, tenantID, entityType, internalID string) error {
	key := Key{TenantID: tenantID, EntityType: entityType, InternalID: internalID}
	if err := key.validate(); err != nil {
		return err
	}
	var written *EntityMapping
	err := s.withRetry(ctx, func(tx *gorm.DB) (bool, error) {
		existing, findErr := findLive(tx, key)
		if findErr != nil {
			return false, findErr
		}
		if existing == nil || existing.Status != StatusError {
			return false, syncerr.NewNotFound("no failed mapping for this record")
		}
		status := StatusActive
		if existing.ExternalID == "" {
			status = StatusDeleted
		}
		updated, updateErr := versionedUpdate(tx, existing, map[string]interface{}{
			"status":      status,
			"last_error":  "",
			"error_count": 0,
		})
		if updateErr != nil || !updated {
			return !updated, updateErr
		}
		existing.Status = status
		written = existing
		return false, nil
	})
	if err != nil {
		if classified, ok := syncerr.As(err); ok {
			return classified
		}
		s.logError(opClearError, "write_failed", err, zap.String("tenant_id", tenantID))
		return storageError("clear mapping error", err)
	}
	s.publish(*written)
	return nil
}

// withRetry runs attempt in a transaction, retrying when attempt reports a lost race.
func (s *Store) withRetry(ctx context.Context, attempt func(tx *gorm.DB) (retry bool, err error)) error {
	var lastErr error
	for try := 0; try < maxWriteAttempts; try++ {
		retry := false
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var attemptErr error
			retry, attemptErr = attempt(tx)
			if retry && attemptErr == nil {
				return ErrConcurrentUpdate
			}
			return attemptErr
		})
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
	}
	if errors.Is(lastErr, ErrConcurrentUpdate) {
		return lastErr
	}
	return fmt.Errorf("%w: %v", ErrConcurrentUpdate, lastErr)
}

func (s *Store) publish(row EntityMapping) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(events.Message{
		TenantID:   row.TenantID,
		EventType:  events.EventMappingChanged,
		EntityType: row.EntityType,
		InternalID: row.InternalID,
		ExternalID: row.ExternalID,
		Status:     row.Status,
		Timestamp:  s.now().UTC(),
	})
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("mapping store error", attrs...)
}

func findLive(tx *gorm.DB, key Key) (*EntityMapping, error) {
	var row EntityMapping
	err := tx.Where("tenant_id = ? AND entity_type = ? AND internal_id = ? AND status <> ?",
		key.TenantID, key.EntityType, key.InternalID, StatusDeleted).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// versionedUpdate applies updates only if the row still carries the version that was read.
func versionedUpdate(tx *gorm.DB, existing *EntityMapping, updates map[string]interface{}) (bool, error) {
	updates["version"] = existing.Version + 1
	result := tx.Model(&EntityMapping{}).
		Where("id = ? AND version = ?", existing.ID, existing.Version).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	existing.Version++
	return true, nil
}

func (k Key) validate() error {
	if strings.TrimSpace(k.TenantID) == "" || strings.TrimSpace(k.EntityType) == "" || strings.TrimSpace(k.InternalID) == "" {
		return syncerr.NewValidation(syncerr.CodeInvalidPayload, ErrInvalidKey.Error(), nil)
	}
	return nil
}

func storageError(message string, cause error) error {
	return syncerr.NewSync(syncerr.CodeStorage, message, true, cause)
}

func truncate(message string) string {
	if len(message) <= maxErrorLength {
		return message
	}
	return message[:maxErrorLength]
}
