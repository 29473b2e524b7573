package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryStore keeps budgets in process. Suitable for a single instance.
type MemoryStore struct {
	limits  Limits
	mu      sync.Mutex
	tenants map[string]*tenantBuckets
}

type tenantBuckets struct {
	mu         sync.Mutex
	minute     *rate.Limiter
	day        *rate.Limiter
	holdUntil  time.Time
	holdBucket string
}

// NewMemoryStore constructs an in-process store with the provided limits.
func NewMemoryStore(limits Limits) *MemoryStore {
	return &MemoryStore{
		limits:  limits.withDefaults(),
		tenants: make(map[string]*tenantBuckets),
	}
}

func (s *MemoryStore) buckets(tenantID string) *tenantBuckets {
	s.mu.Lock()
	defer s.mu.Unlock()
	buckets, ok := s.tenants[tenantID]
	if !ok {
		buckets = &tenantBuckets{
			minute: rate.NewLimiter(rate.Limit(float64(s.limits.PerMinute)/minuteWindow.Seconds()), s.limits.PerMinute),
			day:    rate.NewLimiter(rate.Limit(float64(s.limits.PerDay)/dayWindow.Seconds()), s.limits.PerDay),
		}
		s.tenants[tenantID] = buckets
	}
	return buckets
}

// Take debits one permit from both buckets when both hold at least one.
func (s *MemoryStore) Take(_ context.Context, tenantID string, now time.Time) (Decision, error) {
	buckets := s.buckets(tenantID)
	buckets.mu.Lock()
	defer buckets.mu.Unlock()

	if now.Before(buckets.holdUntil) {
		return Decision{Wait: buckets.holdUntil.Sub(now), Bucket: buckets.holdBucket}, nil
	}

	minuteTokens := buckets.minute.TokensAt(now)
	dayTokens := buckets.day.TokensAt(now)
	if minuteTokens >= 1 && dayTokens >= 1 {
		buckets.minute.AllowN(now, 1)
		buckets.day.AllowN(now, 1)
		return Decision{Allowed: true}, nil
	}

	minuteWait := waitForToken(minuteTokens, s.limits.PerMinute, minuteWindow)
	dayWait := waitForToken(dayTokens, s.limits.PerDay, dayWindow)
	if dayWait > minuteWait {
		return Decision{Wait: dayWait, Bucket: BucketDay}, nil
	}
	return Decision{Wait: minuteWait, Bucket: BucketMinute}, nil
}

// Drain empties the named bucket and holds the tenant until holdUntil. Takes during the hold report
// the bucket of the drain that set it.
func (s *MemoryStore) Drain(_ context.Context, tenantID string, bucket string, holdUntil time.Time, now time.Time) error {
	buckets := s.buckets(tenantID)
	buckets.mu.Lock()
	defer buckets.mu.Unlock()

	limiter := buckets.minute
	if bucket != BucketDay {
		bucket = BucketMinute
	} else {
		limiter = buckets.day
	}
	consume(limiter, now, 0)
	if holdUntil.After(buckets.holdUntil) {
		buckets.holdUntil = holdUntil
		buckets.holdBucket = bucket
	}
	return nil
}

// Observe lowers local counts to the remaining quota reported by the service. Negative values are ignored.
func (s *MemoryStore) Observe(_ context.Context, tenantID string, remainingMinute int, remainingDay int, now time.Time) error {
	buckets := s.buckets(tenantID)
	buckets.mu.Lock()
	defer buckets.mu.Unlock()

	if remainingMinute >= 0 {
		consume(buckets.minute, now, remainingMinute)
	}
	if remainingDay >= 0 {
		consume(buckets.day, now, remainingDay)
	}
	return nil
}

// Snapshot reports the tenant's current budget without debiting it.
func (s *MemoryStore) Snapshot(_ context.Context, tenantID string, now time.Time) (Budget, error) {
	buckets := s.buckets(tenantID)
	buckets.mu.Lock()
	defer buckets.mu.Unlock()

	budget := Budget{
		TenantID:        tenantID,
		MinuteRemaining: math.Max(0, buckets.minute.TokensAt(now)),
		MinuteCapacity:  s.limits.PerMinute,
		DayRemaining:    math.Max(0, buckets.day.TokensAt(now)),
		DayCapacity:     s.limits.PerDay,
	}
	if now.Before(buckets.holdUntil) {
		budget.HoldUntil = buckets.holdUntil
	}
	return budget, nil
}

// consume takes whole permits until at most keep remain. Counts never go negative.
func consume(limiter *rate.Limiter, now time.Time, keep int) {
	excess := int(math.Floor(limiter.TokensAt(now))) - keep
	if excess > 0 {
		limiter.AllowN(now, excess)
	}
}
