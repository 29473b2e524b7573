// Package synclog records one durable entry per synchronization attempt, written when the attempt
// starts and completed in place. Recording is best effort: a storage failure is logged and never
// fails the sync it describes.
package synclog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncerr"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxRecentLimit = 200

	opLogAttempt  = "synclog.log_attempt"
	opLogComplete = "synclog.log_complete"
)

var errMissingDatabase = errors.New("synclog: database handle is required")

// LoggerConfig describes the dependencies of the sync logger.
type LoggerConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Logger writes a pending row when an attempt starts and completes that row in place.
type Logger struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// AttemptOption annotates an attempt.
type AttemptOption func(*Entry)

// WithInternalID records the internal record the attempt concerns.
func WithInternalID(internalID string) AttemptOption {
	return func(entry *Entry) {
		entry.InternalID = internalID
	}
}

// NewLogger constructs a Logger.
func NewLogger(cfg LoggerConfig) (*Logger, error) {
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
	return &Logger{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// LogAttempt stores a pending entry and returns its log id. An attempt that never completes stays
// pending, which is how an interrupted sync shows up.
func (l *Logger) LogAttempt(ctx context.Context, tenantID string, entityType string, direction Direction, action Action, opts ...AttemptOption) string {
	identifier, err := uuid.NewV7()
	if err != nil {
		identifier = uuid.New()
	}
	entry := Entry{
		ID:         identifier.String(),
		TenantID:   tenantID,
		EntityType: entityType,
		Direction:  direction,
		Action:     action,
		Status:     StatusPending,
		CreatedAt:  l.now().UTC(),
	}
	for _, opt := range opts {
		opt(&entry)
	}

	if err := l.db.WithContext(context.WithoutCancel(ctx)).Create(&entry).Error; err != nil {
		l.logWriteError(opLogAttempt, "insert_failed", entry, err)
	}
	return entry.ID
}

// LogSuccess completes the attempt with optional details.
func (l *Logger) LogSuccess(ctx context.Context, logID string, details map[string]interface{}) {
	changes := map[string]interface{}{"status": StatusSuccess}
	if len(details) > 0 {
		if encoded, err := json.Marshal(details); err == nil {
			changes["details"] = string(encoded)
		}
	}
	l.complete(ctx, logID, changes)
}

// LogError completes the attempt with the normalized error code and message.
func (l *Logger) LogError(ctx context.Context, logID string, cause error) {
	changes := map[string]interface{}{"status": StatusError}
	if classified := syncerr.Classify(cause); classified != nil {
		changes["error_code"] = classified.Code
		changes["error_message"] = classified.Message
		if len(classified.Fields) > 0 {
			if encoded, err := json.Marshal(map[string]interface{}{"fields": classified.Fields}); err == nil {
				changes["details"] = string(encoded)
			}
		}
	}
	l.complete(ctx, logID, changes)
}

// Recent returns the newest entries of a tenant.
func (l *Logger) Recent(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > maxRecentLimit {
		limit = 50
	}
	var entries []Entry
	err := l.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, syncerr.NewSync(syncerr.CodeStorage, "list sync log", true, err)
	}
	return entries, nil
}

// complete moves a pending entry to its final status. Only the first completion applies.
func (l *Logger) complete(ctx context.Context, logID string, changes map[string]interface{}) {
	db := l.db.WithContext(context.WithoutCancel(ctx))
	var entry Entry
	err := db.Where("id = ? AND status = ?", logID, StatusPending).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		l.logger.Warn("sync log attempt not found",
			zap.String("operation", opLogComplete),
			zap.String("log_id", logID))
		return
	}
	if err != nil {
		l.logWriteError(opLogComplete, "lookup_failed", Entry{ID: logID}, err)
		return
	}

	duration := l.now().UTC().Sub(entry.CreatedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	changes["duration_ms"] = duration
	err = db.Model(&Entry{}).
		Where("id = ? AND status = ?", logID, StatusPending).
		Updates(changes).Error
	if err != nil {
		entry.Status, _ = changes["status"].(string)
		l.logWriteError(opLogComplete, "update_failed", entry, err)
	}
}

func (l *Logger) logWriteError(operation string, reason string, entry Entry, err error) {
	l.logger.Error("sync log write failed",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("log_id", entry.ID),
		zap.String("tenant_id", entry.TenantID),
		zap.String("entity_type", entry.EntityType),
		zap.String("status", entry.Status),
		zap.Error(err))
}
