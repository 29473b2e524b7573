package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKeyPrefix = "ledgersync:ratelimit:"
	redisStateTTL         = 48 * time.Hour

	modeTake    = "take"
	modeDrain   = "drain"
	modeObserve = "observe"
	modePeek    = "peek"
)

// budgetScript refills both buckets to now, applies one mutation, and persists the state.
// Times are unix milliseconds. Every reply element is a string so fractional counts survive.
var budgetScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local minuteCap = tonumber(ARGV[2])
local dayCap = tonumber(ARGV[3])
local mode = ARGV[4]

local state = redis.call('HMGET', key, 'minute', 'day', 'ts', 'hold', 'hbucket')
local minute = tonumber(state[1]) or minuteCap
local day = tonumber(state[2]) or dayCap
local ts = tonumber(state[3]) or now
local hold = tonumber(state[4]) or 0
local holdBucket = state[5] or 'minute'

local elapsed = now - ts
if elapsed < 0 then elapsed = 0 end
minute = math.min(minuteCap, minute + elapsed * minuteCap / 60000)
day = math.min(dayCap, day + elapsed * dayCap / 86400000)

local allowed = 0
local wait = 0
local bucket = ''

if mode == 'take' then
  if now < hold then
    wait = hold - now
    bucket = holdBucket
  elseif minute >= 1 and day >= 1 then
    minute = minute - 1
    day = day - 1
    allowed = 1
  else
    local minuteWait = 0
    local dayWait = 0
    if minute < 1 then minuteWait = (1 - minute) * 60000 / minuteCap end
    if day < 1 then dayWait = (1 - day) * 86400000 / dayCap end
    if dayWait > minuteWait then
      wait = dayWait
      bucket = 'day'
    else
      wait = minuteWait
      bucket = 'minute'
    end
  end
elseif mode == 'drain' then
  local drained = 'minute'
  if ARGV[5] == 'day' then
    drained = 'day'
    day = day - math.floor(day)
  else
    minute = minute - math.floor(minute)
  end
  local holdUntil = tonumber(ARGV[6])
  if holdUntil > hold then
    hold = holdUntil
    holdBucket = drained
  end
elseif mode == 'observe' then
  local remainingMinute = tonumber(ARGV[5])
  local remainingDay = tonumber(ARGV[6])
  if remainingMinute >= 0 and math.floor(minute) > remainingMinute then
    minute = minute - (math.floor(minute) - remainingMinute)
  end
  if remainingDay >= 0 and math.floor(day) > remainingDay then
    day = day - (math.floor(day) - remainingDay)
  end
end

if mode ~= 'peek' then
  redis.call('HSET', key, 'minute', tostring(minute), 'day', tostring(day), 'ts', tostring(now), 'hold', tostring(hold), 'hbucket', holdBucket)
  redis.call('PEXPIRE', key, ARGV[7])
end

return {tostring(allowed), tostring(wait), bucket, tostring(minute), tostring(day), tostring(hold)}
`)

// RedisStore shares budgets across instances through a single atomic script per mutation.
type RedisStore struct {
	client    redis.Scripter
	limits    Limits
	keyPrefix string
}

// NewRedisStore constructs a store on an existing client.
func NewRedisStore(client redis.Scripter, limits Limits, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	return &RedisStore{
		client:    client,
		limits:    limits.withDefaults(),
		keyPrefix: keyPrefix,
	}
}

type scriptReply struct {
	allowed   bool
	wait      time.Duration
	bucket    string
	minute    float64
	day       float64
	holdUntil time.Time
}

func (s *RedisStore) run(ctx context.Context, tenantID string, now time.Time, mode string, extra ...interface{}) (scriptReply, error) {
	args := []interface{}{now.UnixMilli(), s.limits.PerMinute, s.limits.PerDay, mode}
	if len(extra) == 0 {
		extra = []interface{}{"", 0}
	}
	args = append(args, extra...)
	args = append(args, redisStateTTL.Milliseconds())

	values, err := budgetScript.Run(ctx, s.client, []string{s.keyPrefix + tenantID}, args...).StringSlice()
	if err != nil {
		return scriptReply{}, fmt.Errorf("ratelimit: budget script: %w", err)
	}
	if len(values) != 6 {
		return scriptReply{}, fmt.Errorf("ratelimit: unexpected script reply length %d", len(values))
	}

	numbers := make([]float64, 0, 5)
	for _, index := range []int{0, 1, 3, 4, 5} {
		parsed, parseErr := strconv.ParseFloat(values[index], 64)
		if parseErr != nil {
			return scriptReply{}, fmt.Errorf("ratelimit: parse script reply: %w", parseErr)
		}
		numbers = append(numbers, parsed)
	}
	reply := scriptReply{
		allowed: numbers[0] == 1,
		wait:    time.Duration(numbers[1] * float64(time.Millisecond)),
		bucket:  values[2],
		minute:  numbers[2],
		day:     numbers[3],
	}
	if numbers[4] > 0 {
		reply.holdUntil = time.UnixMilli(int64(numbers[4]))
	}
	return reply, nil
}

// Take debits one permit from both buckets when both hold at least one.
func (s *RedisStore) Take(ctx context.Context, tenantID string, now time.Time) (Decision, error) {
	reply, err := s.run(ctx, tenantID, now, modeTake)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: reply.allowed, Wait: reply.wait, Bucket: reply.bucket}, nil
}

// Drain empties the named bucket and holds the tenant until holdUntil.
func (s *RedisStore) Drain(ctx context.Context, tenantID string, bucket string, holdUntil time.Time, now time.Time) error {
	_, err := s.run(ctx, tenantID, now, modeDrain, bucket, holdUntil.UnixMilli())
	return err
}

// Observe lowers stored counts to the remaining quota reported by the service.
func (s *RedisStore) Observe(ctx context.Context, tenantID string, remainingMinute int, remainingDay int, now time.Time) error {
	_, err := s.run(ctx, tenantID, now, modeObserve, remainingMinute, remainingDay)
	return err
}

// Snapshot reports the tenant's current budget without persisting a refill.
func (s *RedisStore) Snapshot(ctx context.Context, tenantID string, now time.Time) (Budget, error) {
	reply, err := s.run(ctx, tenantID, now, modePeek)
	if err != nil {
		return Budget{}, err
	}
	budget := Budget{
		TenantID:        tenantID,
		MinuteRemaining: reply.minute,
		MinuteCapacity:  s.limits.PerMinute,
		DayRemaining:    reply.day,
		DayCapacity:     s.limits.PerDay,
	}
	if reply.holdUntil.After(now) {
		budget.HoldUntil = reply.holdUntil
	}
	return budget, nil
}
