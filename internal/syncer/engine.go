// Package syncer is the call path every entity synchronization takes: credentials, budget, the
// outbound call, then the mapping and the audit entry.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/accounting"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/mapping"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncerr"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/synclog"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/tokens"
	"go.uber.org/zap"
)

const (
	defaultCallTimeout = 30 * time.Second

	opPush   = "syncer.push"
	opPull   = "syncer.pull"
	opDelete = "syncer.delete"
)

// Push outcomes.
const (
	ActionCreated   = "created"
	ActionUpdated   = "updated"
	ActionUnchanged = "unchanged"
)

var (
	errMissingTokens   = errors.New("syncer: token provider is required")
	errMissingAPI      = errors.New("syncer: accounting api is required")
	errMissingLimiter  = errors.New("syncer: rate limiter is required")
	errMissingMappings = errors.New("syncer: mapping store is required")
	errMissingSyncLog  = errors.New("syncer: sync logger is required")
)

// TokenProvider is the part of the token manager the engine uses.
type TokenProvider interface {
	GetValidToken(ctx context.Context, tenantID string) (tokens.AccessToken, error)
	Invalidate(ctx context.Context, tenantID string) error
	Deactivate(ctx context.Context, tenantID string) error
	MarkSynced(ctx context.Context, tenantID string) error
}

// API is the part of the accounting client the engine uses.
type API interface {
	Create(ctx context.Context, token tokens.AccessToken, endpoint accounting.Endpoint, payload any, opts ...accounting.RequestOption) (accounting.Record, error)
	Update(ctx context.Context, token tokens.AccessToken, endpoint accounting.Endpoint, externalID string, payload any, opts ...accounting.RequestOption) (accounting.Record, error)
	Get(ctx context.Context, token tokens.AccessToken, endpoint accounting.Endpoint, externalID string) (accounting.Record, error)
	Archive(ctx context.Context, token tokens.AccessToken, endpoint accounting.Endpoint, externalID string) error
}

// EngineConfig describes the dependencies of an Engine.
type EngineConfig struct {
	Tokens   TokenProvider
	API      API
	Limiter  *ratelimit.Limiter
	Mappings *mapping.Store
	SyncLog  *synclog.Logger
	Retry    RetryPolicy
	// CallTimeout bounds each outbound call.
	CallTimeout time.Duration
	// MaxWait bounds how long a call queues for budget before failing with a rate limit error.
	MaxWait time.Duration
	Logger  *zap.Logger
	// Sleep waits between attempts. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine runs pushes, pulls and deletes for any entity type.
type Engine struct {
	tokens      TokenProvider
	api         API
	limiter     *ratelimit.Limiter
	mappings    *mapping.Store
	syncLog     *synclog.Logger
	retry       RetryPolicy
	callTimeout time.Duration
	maxWait     time.Duration
	logger      *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// PushResult describes a completed push.
type PushResult struct {
	Action     string `json:"action"`
	ExternalID string `json:"external_id"`
	SyncHash   string `json:"sync_hash"`
}

// PullResult describes a completed pull.
type PullResult struct {
	InternalID string `json:"internal_id,omitempty"`
	ExternalID string `json:"external_id"`
	Linked     bool   `json:"linked"`
}

// NewEngine constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	switch {
	case cfg.Tokens == nil:
		return nil, errMissingTokens
	case cfg.API == nil:
		return nil, errMissingAPI
	case cfg.Limiter == nil:
		return nil, errMissingLimiter
	case cfg.Mappings == nil:
		return nil, errMissingMappings
	case cfg.SyncLog == nil:
		return nil, errMissingSyncLog
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Engine{
		tokens:      cfg.Tokens,
		api:         cfg.API,
		limiter:     cfg.Limiter,
		mappings:    cfg.Mappings,
		syncLog:     cfg.SyncLog,
		retry:       cfg.Retry.withDefaults(),
		callTimeout: callTimeout,
		maxWait:     cfg.MaxWait,
		logger:      logger,
		sleep:       sleep,
	}, nil
}

// Push creates or updates the accounting record for entity. When the stored hash of an active
// mapping matches, nothing is sent. A failure marks the mapping as errored and is returned
// normalized.
func (e *Engine) Push(ctx context.Context, tenantID string, entity Entity) (PushResult, error) {
	entityType := strings.TrimSpace(entity.EntityType())
	internalID := strings.TrimSpace(entity.InternalID())
	ref := syncerr.EntityRef{TenantID: tenantID, EntityType: entityType, InternalID: internalID}

	endpoint, ok := accounting.EndpointFor(entityType)
	if !ok {
		return PushResult{}, unsupported(entityType).WithEntity(ref)
	}
	syncHash, err := entity.ComputeSyncHash()
	if err != nil {
		return PushResult{}, syncerr.NewValidation(syncerr.CodeInvalidPayload, "compute sync hash: "+err.Error(), nil).WithEntity(ref)
	}

	existing, err := e.mappings.Get(ctx, tenantID, entityType, internalID)
	if err != nil {
		return PushResult{}, err
	}
	if existing != nil && existing.Status == mapping.StatusActive && existing.ExternalID != "" && existing.SyncHash == syncHash {
		return PushResult{Action: ActionUnchanged, ExternalID: existing.ExternalID, SyncHash: syncHash}, nil
	}

	payload, err := entity.MapToExternalSchema()
	if err != nil {
		return PushResult{}, syncerr.NewValidation(syncerr.CodeInvalidPayload, "map entity: "+err.Error(), nil).WithEntity(ref)
	}

	externalID := ""
	if existing != nil {
		externalID = existing.ExternalID
	}
	action := synclog.ActionCreate
	result := PushResult{Action: ActionCreated, SyncHash: syncHash}
	if externalID != "" {
		action = synclog.ActionUpdate
		result.Action = ActionUpdated
	}
	writeKey := idempotencyKey(tenantID, entityType, internalID, string(action), syncHash)
	if externalID == "" && existing != nil && existing.PendingCreateKey != "" {
		writeKey = existing.PendingCreateKey
	}
	idempotency := accounting.WithIdempotencyKey(writeKey)

	logID := e.syncLog.LogAttempt(ctx, tenantID, entityType, synclog.DirectionPush, action, synclog.WithInternalID(internalID))
	var record accounting.Record
	err = e.call(ctx, tenantID, func(callCtx context.Context, token tokens.AccessToken) error {
		var callErr error
		if externalID == "" {
			record, callErr = e.api.Create(callCtx, token, endpoint, payload, idempotency)
		} else {
			record, callErr = e.api.Update(callCtx, token, endpoint, externalID, payload, idempotency)
		}
		return callErr
	})
	if err == nil && externalID == "" && strings.TrimSpace(record.ExternalID) == "" {
		err = syncerr.NewSync(syncerr.CodeMissingExternalID, "create succeeded without a record id", false, nil)
	}
	if err != nil {
		if externalID == "" && outcomeUnknown(err) {
			return PushResult{}, e.fail(ctx, opPush, logID, ref, err, mapping.WithPendingCreateKey(writeKey))
		}
		return PushResult{}, e.fail(ctx, opPush, logID, ref, err)
	}

	result.ExternalID = record.ExternalID
	if result.ExternalID == "" {
		result.ExternalID = externalID
	}
	if err := e.mappings.Upsert(ctx, tenantID, entityType, internalID, result.ExternalID, syncHash); err != nil {
		return PushResult{}, e.fail(ctx, opPush, logID, ref, err)
	}
	e.syncLog.LogSuccess(ctx, logID, map[string]interface{}{"external_id": result.ExternalID})
	e.markSynced(ctx, tenantID)
	return result, nil
}

// Pull fetches the accounting record and hands it to inbound. A record inbound links to an
// internal id gets a mapping; the stored hash is kept so the next push compares against it.
func (e *Engine) Pull(ctx context.Context, tenantID string, entityType string, externalID string, inbound InboundHandler) (PullResult, error) {
	ref := syncerr.EntityRef{TenantID: tenantID, EntityType: entityType}
	endpoint, ok := accounting.EndpointFor(entityType)
	if !ok {
		return PullResult{}, unsupported(entityType).WithEntity(ref)
	}
	internalID, _, err := e.mappings.GetInternalID(ctx, tenantID, entityType, externalID)
	if err != nil {
		return PullResult{}, err
	}
	ref.InternalID = internalID

	logID := e.syncLog.LogAttempt(ctx, tenantID, entityType, synclog.DirectionPull, synclog.ActionFetch, synclog.WithInternalID(internalID))
	var record accounting.Record
	err = e.call(ctx, tenantID, func(callCtx context.Context, token tokens.AccessToken) error {
		var callErr error
		record, callErr = e.api.Get(callCtx, token, endpoint, externalID)
		return callErr
	})
	if err != nil {
		return PullResult{}, e.failLogOnly(ctx, opPull, logID, ref, err)
	}

	appliedID, err := inbound.ApplyInbound(ctx, tenantID, internalID, record.Raw)
	if err != nil {
		return PullResult{}, e.failLogOnly(ctx, opPull, logID, ref, err)
	}
	result := PullResult{InternalID: appliedID, ExternalID: externalID}
	if appliedID == "" {
		e.syncLog.LogSuccess(ctx, logID, map[string]interface{}{"external_id": externalID, "linked": false})
		return result, nil
	}

	syncHash := ""
	current, err := e.mappings.Get(ctx, tenantID, entityType, appliedID)
	if err != nil {
		return PullResult{}, e.failLogOnly(ctx, opPull, logID, ref, err)
	}
	if current != nil && current.ExternalID == externalID {
		syncHash = current.SyncHash
	}
	if err := e.mappings.Upsert(ctx, tenantID, entityType, appliedID, externalID, syncHash); err != nil {
		ref.InternalID = appliedID
		return PullResult{}, e.failLogOnly(ctx, opPull, logID, ref, err)
	}
	result.Linked = true
	e.syncLog.LogSuccess(ctx, logID, map[string]interface{}{"external_id": externalID, "linked": true})
	e.markSynced(ctx, tenantID)
	return result, nil
}

// Delete archives the linked accounting record and retires the mapping. An unlinked record or a
// record the service no longer has only retires the mapping.
func (e *Engine) Delete(ctx context.Context, tenantID string, entityType string, internalID string) error {
	ref := syncerr.EntityRef{TenantID: tenantID, EntityType: entityType, InternalID: internalID}
	endpoint, ok := accounting.EndpointFor(entityType)
	if !ok {
		return unsupported(entityType).WithEntity(ref)
	}
	externalID, found, err := e.mappings.GetExternalID(ctx, tenantID, entityType, internalID)
	if err != nil {
		return err
	}
	if !found {
		return e.mappings.MarkDeleted(ctx, tenantID, entityType, internalID)
	}

	logID := e.syncLog.LogAttempt(ctx, tenantID, entityType, synclog.DirectionPush, synclog.ActionDelete, synclog.WithInternalID(internalID))
	err = e.call(ctx, tenantID, func(callCtx context.Context, token tokens.AccessToken) error {
		return e.api.Archive(callCtx, token, endpoint, externalID)
	})
	if err != nil && !syncerr.IsKind(err, syncerr.KindNotFound) {
		return e.fail(ctx, opDelete, logID, ref, err)
	}
	if err := e.mappings.MarkDeleted(ctx, tenantID, entityType, internalID); err != nil {
		return e.failLogOnly(ctx, opDelete, logID, ref, err)
	}
	e.syncLog.LogSuccess(ctx, logID, map[string]interface{}{"external_id": externalID})
	e.markSynced(ctx, tenantID)
	return nil
}

// call runs op under a valid token and the tenant budget, retrying retryable failures under the
// retry policy. An auth failure invalidates the token and retries once; a second one deactivates
// the connection.
func (e *Engine) call(ctx context.Context, tenantID string, op func(ctx context.Context, token tokens.AccessToken) error) error {
	reauthenticated := false
	attempt := 1
	for {
		token, err := e.tokens.GetValidToken(ctx, tenantID)
		if err != nil {
			return syncerr.Classify(err)
		}
		err = e.limiter.Do(ctx, tenantID, func(callCtx context.Context) error {
			return op(callCtx, token)
		}, ratelimit.WithTimeout(e.callTimeout), ratelimit.WithMaxWait(e.maxWait))
		if err == nil {
			return nil
		}

		classified := syncerr.Classify(err)
		if classified.Kind == syncerr.KindAuth {
			if reauthenticated {
				if deactivateErr := e.tokens.Deactivate(ctx, tenantID); deactivateErr != nil {
					e.logger.Warn("deactivate after repeated auth failure", zap.String("tenant_id", tenantID), zap.Error(deactivateErr))
				}
				return classified
			}
			reauthenticated = true
			if invalidateErr := e.tokens.Invalidate(ctx, tenantID); invalidateErr != nil {
				return syncerr.Classify(invalidateErr)
			}
			continue
		}
		if !classified.Retryable() || attempt >= e.retry.MaxAttempts {
			return classified
		}

		delay := e.retry.Delay(attempt, classified)
		e.logger.Info("retrying accounting call",
			zap.String("tenant_id", tenantID),
			zap.String("code", classified.Code),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		if err := e.sleep(ctx, delay); err != nil {
			return syncerr.Classify(err)
		}
		attempt++
	}
}

// outcomeUnknown reports whether a failed create may still have been applied remotely. Rejections
// are excluded because a replayed key would replay the rejection too.
func outcomeUnknown(err error) bool {
	classified := syncerr.Classify(err)
	return classified.Kind == syncerr.KindSync && classified.Code != syncerr.CodeCanceled
}

// fail records the failure in the sync log and on the mapping.
func (e *Engine) fail(ctx context.Context, operation string, logID string, ref syncerr.EntityRef, err error, opts ...mapping.ErrorOption) error {
	classified := e.failLogOnly(ctx, operation, logID, ref, err)
	if ref.InternalID != "" {
		detail := classified.Code + ": " + classified.Message
		if markErr := e.mappings.MarkError(ctx, ref.TenantID, ref.EntityType, ref.InternalID, detail, opts...); markErr != nil {
			e.logger.Error("mapping error flag failed",
				zap.String("operation", operation),
				zap.String("reason", "mark_error_failed"),
				zap.String("tenant_id", ref.TenantID),
				zap.Error(markErr))
		}
	}
	return classified
}

func (e *Engine) failLogOnly(ctx context.Context, operation string, logID string, ref syncerr.EntityRef, err error) *syncerr.Error {
	classified := syncerr.Classify(err)
	e.syncLog.LogError(ctx, logID, classified)
	e.logger.Warn("sync failed",
		zap.String("operation", operation),
		zap.String("tenant_id", ref.TenantID),
		zap.String("entity_type", ref.EntityType),
		zap.String("internal_id", ref.InternalID),
		zap.String("code", classified.Code),
		zap.Error(err))
	if classified.Entity == (syncerr.EntityRef{}) {
		return classified.WithEntity(ref)
	}
	return classified
}

func (e *Engine) markSynced(ctx context.Context, tenantID string) {
	if err := e.tokens.MarkSynced(ctx, tenantID); err != nil {
		e.logger.Warn("record last sync failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

func unsupported(entityType string) *syncerr.Error {
	return syncerr.NewValidation(syncerr.CodeInvalidPayload, "unsupported entity type "+entityType,
		[]syncerr.FieldError{{Field: "entity_type", Message: "unsupported"}})
}

// idempotencyKey is stable across retries of one logical write and changes with its content.
func idempotencyKey(parts ...string) string {
	digest := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(digest[:])
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
