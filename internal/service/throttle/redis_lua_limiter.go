// Package throttle rate-limits fleet-wide form submissions. Workers run as
// separate OS processes, so the token bucket lives in Redis; the Lua script
// keeps refill-and-take atomic across the fleet.
package throttle

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/formfleet/internal/domain"
)

// luaTokenBucket refills by elapsed time and takes one token when
// available. Returns {allowed, retry_after_seconds}.
const luaTokenBucket = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local tokens = capacity
local last_refill = now

local data = redis.call("HMGET", key, "tokens", "last_refill")
if data[1] ~= false and data[1] ~= nil then
  tokens = tonumber(data[1])
end
if data[2] ~= false and data[2] ~= nil then
  last_refill = tonumber(data[2])
end

local delta = now - last_refill
if delta < 0 then
  delta = 0
end
tokens = math.min(capacity, tokens + delta * refill_rate)

local allowed = 0
local retry_after = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
elseif refill_rate > 0 then
  retry_after = (1 - tokens) / refill_rate
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", now)
redis.call("EXPIRE", key, 3600)

return { allowed, tostring(retry_after) }
`

// SubmitThrottle caps submissions per campaign across all workers.
// A nil throttle allows everything.
type SubmitThrottle struct {
	rdb    *redis.Client
	script *redis.Script
	// capacity and refillRate describe one bucket per campaign.
	capacity   int64
	refillRate float64

	log *slog.Logger
	now func() time.Time
}

// NewSubmitThrottle builds a throttle allowing ratePerMin submissions per
// campaign per minute, with burst capacity equal to one minute's budget.
// Returns nil when Redis is absent or the rate is non-positive: callers
// treat a nil throttle as disabled.
func NewSubmitThrottle(rdb *redis.Client, ratePerMin int, log *slog.Logger) *SubmitThrottle {
	if rdb == nil || ratePerMin <= 0 {
		return nil
	}
	return &SubmitThrottle{
		rdb:        rdb,
		script:     redis.NewScript(luaTokenBucket),
		capacity:   int64(ratePerMin),
		refillRate: float64(ratePerMin) / 60.0,
		log:        log,
		now:        time.Now,
	}
}

// Acquire takes one submission token for the campaign. Zero wait means the
// token was granted; a positive wait tells the caller how long to sleep
// before retrying. Redis failures return the error so callers can decide
// to fail open.
func (t *SubmitThrottle) Acquire(ctx domain.Context, campaignID int) (time.Duration, error) {
	if t == nil {
		return 0, nil
	}
	nowSec := float64(t.now().UnixNano()) / 1e9
	key := "throttle:campaign:" + strconv.Itoa(campaignID)

	res, err := t.script.Run(ctx, t.rdb, []string{key}, t.capacity, t.refillRate, nowSec).Result()
	if err != nil {
		return 0, fmt.Errorf("op=throttle.Acquire: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		t.log.Error("throttle script returned unexpected shape", "result", res)
		return 0, nil
	}
	if toInt64(vals[0]) == 1 {
		return 0, nil
	}
	retryAfter := time.Duration(toFloat64(vals[1]) * float64(time.Second))
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return retryAfter, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}
