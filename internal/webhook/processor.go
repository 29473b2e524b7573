package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/events"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncerr"
	"go.uber.org/zap"
)

const (
	defaultBatchSize    = 50
	defaultMaxAttempts  = 5
	defaultStaleAfter   = 5 * time.Minute
	defaultRetryBackoff = 30 * time.Second
	maxRetryBackoff     = 15 * time.Minute

	// MaxBatchSize bounds the number of events one drain lists.
	MaxBatchSize = 500

	opProcessPending = "webhook.process_pending"
)

var errMissingRegistry = errors.New("webhook: handler registry is required")

// Handler applies one event to the internal system.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Registry routes events by category, optionally narrowed by event type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register routes every event of category to handler.
func (r *Registry) Register(category string, handler Handler) {
	r.RegisterType(category, "", handler)
}

// RegisterType routes events of category and eventType to handler. It takes precedence over Register.
func (r *Registry) RegisterType(category string, eventType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[routeKey(category, eventType)] = handler
}

// Lookup returns the handler for the event, preferring the most specific route.
func (r *Registry) Lookup(category string, eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if handler, ok := r.handlers[routeKey(category, eventType)]; ok {
		return handler, true
	}
	handler, ok := r.handlers[routeKey(category, "")]
	return handler, ok
}

func routeKey(category string, eventType string) string {
	return strings.ToUpper(strings.TrimSpace(category)) + "/" + strings.ToUpper(strings.TrimSpace(eventType))
}

// ProcessorConfig describes the dependencies of a Processor.
type ProcessorConfig struct {
	Store       *Store
	Registry    *Registry
	MaxAttempts int
	StaleAfter  time.Duration
	// RetryBackoff delays the first retry of a failed event and doubles per attempt.
	RetryBackoff time.Duration
	Publisher    events.Publisher
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Processor drains stored events to their handlers.
type Processor struct {
	store        *Store
	registry     *Registry
	maxAttempts  int
	staleAfter   time.Duration
	retryBackoff time.Duration
	publisher    events.Publisher
	now          func() time.Time
	logger       *zap.Logger
}

// ProcessingSummary counts the outcome of one drain.
type ProcessingSummary struct {
	Claimed    int `json:"claimed"`
	Processed  int `json:"processed"`
	Failed     int `json:"failed"`
	Deferred   int `json:"deferred"`
	Superseded int `json:"superseded"`
	Unhandled  int `json:"unhandled"`
}

// NewProcessor constructs a Processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:        cfg.Store,
		registry:     cfg.Registry,
		maxAttempts:  maxAttempts,
		staleAfter:   staleAfter,
		retryBackoff: retryBackoff,
		publisher:    cfg.Publisher,
		now:          clock,
		logger:       logger,
	}, nil
}

// ProcessPending claims up to limit events in receipt order and dispatches them. Once an event for
// a resource fails or is deferred, later events for that resource stay queued behind it. A failed
// event waits an exponential back-off before its next attempt and a throttled tenant waits out the
// retry hint.
func (p *Processor) ProcessPending(ctx context.Context, limit int) (ProcessingSummary, error) {
	if limit <= 0 {
		limit = defaultBatchSize
	}
	if limit > MaxBatchSize {
		limit = MaxBatchSize
	}
	var summary ProcessingSummary

	now := p.now()
	candidates, err := p.store.Candidates(ctx, limit, p.maxAttempts, now.Add(-p.staleAfter), now)
	if err != nil {
		p.logError("candidates_failed", err)
		return summary, err
	}
	held, err := p.store.HeldResources(ctx, p.maxAttempts, now)
	if err != nil {
		p.logError("held_resources_failed", err)
		return summary, err
	}

	blockedResources := make(map[string]bool, len(held))
	for _, key := range held {
		blockedResources[resourceKey(key.TenantID, key.EventCategory, key.ResourceID)] = true
	}
	blockedTenants := make(map[string]bool)
	for index := range candidates {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		event := &candidates[index]
		key := resourceKey(event.TenantID, event.EventCategory, event.ResourceID)
		if blockedTenants[event.TenantID] || blockedResources[key] {
			summary.Deferred++
			continue
		}

		claimed, err := p.store.Claim(ctx, event)
		if err != nil {
			p.logError("claim_failed", err, zap.String("event_id", event.ID))
			return summary, err
		}
		if !claimed {
			blockedResources[key] = true
			continue
		}
		summary.Claimed++

		if err := p.processClaimed(ctx, event, &summary, blockedResources, blockedTenants, key); err != nil {
			return summary, err
		}
	}

	if summary.Claimed > 0 {
		p.logger.Info("webhook events processed",
			zap.Int("claimed", summary.Claimed),
			zap.Int("processed", summary.Processed),
			zap.Int("failed", summary.Failed),
			zap.Int("deferred", summary.Deferred),
			zap.Int("superseded", summary.Superseded),
			zap.Int("unhandled", summary.Unhandled))
	}
	return summary, nil
}

func (p *Processor) processClaimed(ctx context.Context, event *Event, summary *ProcessingSummary, blockedResources map[string]bool, blockedTenants map[string]bool, key string) error {
	if event.Attempts > p.maxAttempts {
		summary.Failed++
		blockedResources[key] = true
		return p.fail(ctx, event, fmt.Sprintf("abandoned after %d attempts", p.maxAttempts), time.Time{})
	}

	latest, found, err := p.store.LatestProcessedEventDate(ctx, event.TenantID, event.EventCategory, event.ResourceID)
	if err != nil {
		p.logError("latest_lookup_failed", err, zap.String("event_id", event.ID))
		if releaseErr := p.store.Release(ctx, event, time.Time{}); releaseErr != nil {
			p.logError("release_failed", releaseErr, zap.String("event_id", event.ID))
		}
		return err
	}
	if found && event.EventDate.Before(latest) {
		summary.Superseded++
		return p.complete(ctx, event, "superseded by a newer processed event")
	}

	handler, ok := p.registry.Lookup(event.EventCategory, event.EventType)
	if !ok {
		summary.Unhandled++
		return p.complete(ctx, event, "no handler for "+routeKey(event.EventCategory, event.EventType))
	}

	handleErr := handler.Handle(ctx, *event)
	if handleErr == nil {
		summary.Processed++
		return p.complete(ctx, event, "")
	}

	classified := syncerr.Classify(handleErr)
	if classified.Kind == syncerr.KindRateLimit {
		summary.Deferred++
		blockedTenants[event.TenantID] = true
		retryAt := p.now().Add(classified.RetryAfter)
		p.logger.Info("webhook processing deferred by rate limit",
			zap.String("tenant_id", event.TenantID),
			zap.Int("retry_after_seconds", classified.RetryAfterSeconds()))
		if err := p.store.Release(ctx, event, retryAt); err != nil {
			p.logError("release_failed", err, zap.String("event_id", event.ID))
			return err
		}
		if err := p.store.DeferTenant(ctx, event.TenantID, retryAt); err != nil {
			p.logError("defer_tenant_failed", err, zap.String("tenant_id", event.TenantID))
			return err
		}
		return nil
	}

	summary.Failed++
	blockedResources[key] = true
	p.logger.Warn("webhook event failed",
		zap.String("operation", opProcessPending),
		zap.String("tenant_id", event.TenantID),
		zap.String("event_id", event.ID),
		zap.String("code", classified.Code),
		zap.Int("attempts", event.Attempts),
		zap.Error(handleErr))
	var retryAt time.Time
	if event.Attempts < p.maxAttempts {
		retryAt = p.now().Add(p.backoff(event.Attempts))
	}
	return p.fail(ctx, event, failureDetail(classified), retryAt)
}

// backoff doubles the base delay for every attempt already spent, up to maxRetryBackoff.
func (p *Processor) backoff(attempts int) time.Duration {
	delay := p.retryBackoff
	for spent := 1; spent < attempts && delay < maxRetryBackoff; spent++ {
		delay *= 2
	}
	if delay > maxRetryBackoff {
		delay = maxRetryBackoff
	}
	return delay
}

func resourceKey(tenantID, category, resourceID string) string {
	return tenantID + "|" + category + "|" + resourceID
}

func failureDetail(classified *syncerr.Error) string {
	detail := classified.Code + ": " + classified.Message
	if classified.Cause != nil {
		detail += ": " + classified.Cause.Error()
	}
	return detail
}

func (p *Processor) complete(ctx context.Context, event *Event, note string) error {
	if err := p.store.MarkProcessed(ctx, event, note); err != nil {
		p.logError("mark_processed_failed", err, zap.String("event_id", event.ID))
		return err
	}
	p.publish(event)
	return nil
}

func (p *Processor) fail(ctx context.Context, event *Event, cause string, retryAt time.Time) error {
	if err := p.store.MarkFailed(ctx, event, cause, retryAt); err != nil {
		p.logError("mark_failed_failed", err, zap.String("event_id", event.ID))
		return err
	}
	p.publish(event)
	return nil
}

func (p *Processor) publish(event *Event) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(events.Message{
		TenantID:   event.TenantID,
		EventType:  events.EventWebhookProcessed,
		EntityType: strings.ToLower(event.EventCategory),
		ExternalID: event.ResourceID,
		Status:     event.Status,
		Timestamp:  p.now().UTC(),
	})
}

func (p *Processor) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", opProcessPending),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	p.logger.Error("webhook processor error", attrs...)
}
