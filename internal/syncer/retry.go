package syncer

import (
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncerr"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 2 * time.Minute
)

// RetryPolicy bounds how often a retryable failure is attempted again.
type RetryPolicy struct {
	// MaxAttempts counts the first call. A value of one disables retries.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: defaultMaxAttempts, BaseDelay: defaultBaseDelay, MaxDelay: defaultMaxDelay}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Delay returns the wait before the attempt after attempt. A rate limit waits at least its
// retry hint even past MaxDelay.
func (p RetryPolicy) Delay(attempt int, classified *syncerr.Error) time.Duration {
	backoff := p.BaseDelay
	for step := 1; step < attempt; step++ {
		backoff *= 2
		if backoff >= p.MaxDelay {
			backoff = p.MaxDelay
			break
		}
	}
	if classified != nil && classified.Kind == syncerr.KindRateLimit {
		retryAfter := classified.RetryAfter
		if retryAfter <= 0 {
			retryAfter = syncerr.DefaultRetryAfter
		}
		if retryAfter > backoff {
			return retryAfter
		}
	}
	return backoff
}
