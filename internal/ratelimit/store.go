// Package ratelimit keeps every outbound call to the accounting API inside the per-tenant
// minute and day budgets, and backs off when the service reports a throttle.
package ratelimit

import (
	"context"
	"time"
)

// Bucket names, matching the throttle problem hints reported by the accounting API.
const (
	BucketMinute = "minute"
	BucketDay    = "day"
)

const (
	// DefaultPerMinute is the per-tenant minute budget.
	DefaultPerMinute = 60
	// DefaultPerDay is the per-tenant daily budget.
	DefaultPerDay = 5000

	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

// Limits configures the capacity of both buckets.
type Limits struct {
	PerMinute int
	PerDay    int
}

func (l Limits) withDefaults() Limits {
	if l.PerMinute <= 0 {
		l.PerMinute = DefaultPerMinute
	}
	if l.PerDay <= 0 {
		l.PerDay = DefaultPerDay
	}
	return l
}

// Decision is the outcome of a take attempt.
type Decision struct {
	Allowed bool
	// Wait is how long until a token is available in every bucket.
	Wait time.Duration
	// Bucket names the bucket that blocked the call.
	Bucket string
}

// Budget is a point-in-time view of one tenant's remaining permits.
type Budget struct {
	TenantID        string    `json:"tenant_id"`
	MinuteRemaining float64   `json:"minute_remaining"`
	MinuteCapacity  int       `json:"minute_capacity"`
	DayRemaining    float64   `json:"day_remaining"`
	DayCapacity     int       `json:"day_capacity"`
	HoldUntil       time.Time `json:"hold_until,omitempty"`
}

// Store holds budget state. Take must debit both buckets atomically or neither.
type Store interface {
	Take(ctx context.Context, tenantID string, now time.Time) (Decision, error)
	Drain(ctx context.Context, tenantID string, bucket string, holdUntil time.Time, now time.Time) error
	Observe(ctx context.Context, tenantID string, remainingMinute int, remainingDay int, now time.Time) error
	Snapshot(ctx context.Context, tenantID string, now time.Time) (Budget, error)
}

func waitForToken(tokens float64, perWindow int, window time.Duration) time.Duration {
	if tokens >= 1 {
		return 0
	}
	missing := 1 - tokens
	return time.Duration(missing * float64(window) / float64(perWindow))
}
