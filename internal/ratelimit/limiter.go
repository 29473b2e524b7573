package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncerr"
	"go.uber.org/zap"
)

var errMissingStore = errors.New("ratelimit: store is required")

// Config describes the dependencies of a Limiter.
type Config struct {
	Store Store
	// DefaultMaxWait bounds how long a call may queue for a permit when the caller sets no limit.
	DefaultMaxWait time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Limiter gates outbound calls on the per-tenant budget.
type Limiter struct {
	store          Store
	defaultMaxWait time.Duration
	now            func() time.Time
	logger         *zap.Logger
	sleep          func(ctx context.Context, d time.Duration) error
}

type callOptions struct {
	maxWait time.Duration
	timeout time.Duration
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

// WithMaxWait lets the call block up to d for a permit instead of failing fast.
func WithMaxWait(d time.Duration) CallOption {
	return func(options *callOptions) {
		options.maxWait = d
	}
}

// WithTimeout bounds the wrapped operation. Expiry surfaces as a transient timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(options *callOptions) {
		options.timeout = d
	}
}

// NewLimiter constructs a Limiter.
func NewLimiter(cfg Config) (*Limiter, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Limiter{
		store:          cfg.Store,
		defaultMaxWait: cfg.DefaultMaxWait,
		now:            clock,
		logger:         logger,
		sleep:          sleep,
	}, nil
}

// Do acquires a permit for tenantID and runs op. A throttled response drains the budget the
// service named and is returned as a rate limit error; the limiter never retries op itself.
func (l *Limiter) Do(ctx context.Context, tenantID string, op func(ctx context.Context) error, opts ...CallOption) error {
	options := callOptions{maxWait: l.defaultMaxWait}
	for _, opt := range opts {
		opt(&options)
	}

	if err := l.acquire(ctx, tenantID, options.maxWait); err != nil {
		return err
	}

	callCtx := ctx
	if options.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, options.timeout)
		defer cancel()
	}

	err := op(callCtx)
	if err == nil {
		return nil
	}

	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return syncerr.NewSync(syncerr.CodeTimeout, "accounting call timed out", true, err)
	}

	classified := syncerr.Classify(err)
	if classified.Kind != syncerr.KindRateLimit {
		return err
	}

	bucket := BucketMinute
	if classified.Problem == BucketDay {
		bucket = BucketDay
	}
	now := l.now()
	if drainErr := l.store.Drain(ctx, tenantID, bucket, now.Add(classified.RetryAfter), now); drainErr != nil {
		l.logger.Warn("rate limit drain failed",
			zap.String("tenant_id", tenantID),
			zap.String("bucket", bucket),
			zap.Error(drainErr))
	}
	l.logger.Info("accounting service throttled tenant",
		zap.String("tenant_id", tenantID),
		zap.String("bucket", bucket),
		zap.Duration("retry_after", classified.RetryAfter))
	return classified
}

// Execute is Do for operations that produce a value.
func Execute[T any](ctx context.Context, limiter *Limiter, tenantID string, op func(ctx context.Context) (T, error), opts ...CallOption) (T, error) {
	var result T
	err := limiter.Do(ctx, tenantID, func(callCtx context.Context) error {
		value, opErr := op(callCtx)
		if opErr != nil {
			return opErr
		}
		result = value
		return nil
	}, opts...)
	return result, err
}

// Observe records the remaining quota reported on a response.
func (l *Limiter) Observe(ctx context.Context, tenantID string, remainingMinute int, remainingDay int) {
	if err := l.store.Observe(ctx, tenantID, remainingMinute, remainingDay, l.now()); err != nil {
		l.logger.Warn("rate limit observe failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

// Snapshot reports the tenant's current budget.
func (l *Limiter) Snapshot(ctx context.Context, tenantID string) (Budget, error) {
	return l.store.Snapshot(ctx, tenantID, l.now())
}

func (l *Limiter) acquire(ctx context.Context, tenantID string, maxWait time.Duration) error {
	deadline := l.now().Add(maxWait)
	for {
		now := l.now()
		decision, err := l.store.Take(ctx, tenantID, now)
		if err != nil {
			return syncerr.NewSync(syncerr.CodeStorage, "rate limit budget unavailable", true, err)
		}
		if decision.Allowed {
			return nil
		}
		if now.Add(decision.Wait).After(deadline) {
			return syncerr.NewRateLimit(decision.Wait, decision.Bucket)
		}
		if err := l.sleep(ctx, decision.Wait); err != nil {
			return syncerr.Classify(err)
		}
	}
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
