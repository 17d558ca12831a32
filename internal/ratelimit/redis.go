package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// admissionScript performs the full check-and-update sequence as one atomic
// unit at the store: token refill, token debit, window ceiling check with
// rollback, window increments, and bucket persistence. Counters are left
// untouched when the bucket itself rejects.
//
// KEYS[1] token bucket hash, KEYS[2] minute counter, KEYS[3] hour counter.
// ARGV: now_ms, capacity, fill_per_sec, per_minute, per_hour,
// minute_ttl_s, hour_ttl_s, bucket_ttl_s.
// Returns {allowed, tokens, minute_count, hour_count, retry_after_s}.
var admissionScript = redis.NewScript(`
local now = tonumber(ARGV[1]) / 1000.0
local capacity = tonumber(ARGV[2])
local fill = tonumber(ARGV[3])
local per_minute = tonumber(ARGV[4])
local per_hour = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = capacity
local last = now
if state[1] then tokens = tonumber(state[1]) end
if state[2] then last = tonumber(state[2]) end
if now > last then
  tokens = math.min(capacity, tokens + (now - last) * fill)
  last = now
end

if tokens < 1 then
  local retry = 60
  if fill > 0 then
    retry = math.ceil((1 - tokens) / fill)
  end
  local minute = tonumber(redis.call("GET", KEYS[2]) or "0")
  local hour = tonumber(redis.call("GET", KEYS[3]) or "0")
  return {0, tostring(tokens), minute, hour, retry}
end

tokens = tokens - 1
local minute = tonumber(redis.call("GET", KEYS[2]) or "0")
local hour = tonumber(redis.call("GET", KEYS[3]) or "0")
if minute + 1 > per_minute or hour + 1 > per_hour then
  tokens = tokens + 1
  redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(last))
  redis.call("EXPIRE", KEYS[1], ARGV[8])
  return {0, tostring(tokens), minute, hour, 60}
end

minute = redis.call("INCR", KEYS[2])
if minute == 1 then redis.call("EXPIRE", KEYS[2], ARGV[6]) end
hour = redis.call("INCR", KEYS[3])
if hour == 1 then redis.call("EXPIRE", KEYS[3], ARGV[7]) end
redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(last))
redis.call("EXPIRE", KEYS[1], ARGV[8])
return {1, tostring(tokens), minute, hour, 0}
`)

// bucketTTLSeconds keeps idle bucket state around long enough to observe a
// full refill before it lapses.
const bucketTTLSeconds = 7200

// RedisLimiter enforces the admission check against a shared Redis store.
// Concurrent debits against the same key are serialized by the script, so
// the limit holds across service instances.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisLimiter constructs a RedisLimiter.
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: strings.TrimSpace(prefix),
	}
}

// Allow runs the atomic admission script for one subject+operation key.
func (l *RedisLimiter) Allow(ctx context.Context, key string, p Params, now time.Time) (Result, error) {
	if l == nil || l.client == nil {
		return Result{}, errors.New("rate limit redis: no client")
	}
	if key == "" {
		return Result{Allowed: true, TokensRemaining: float64(p.Capacity)}, nil
	}
	sec := now.Unix()
	keys := []string{
		l.buildKey("tb", key, -1),
		l.buildKey("m", key, sec/60),
		l.buildKey("h", key, sec/3600),
	}
	args := []any{
		now.UnixMilli(),
		p.Capacity,
		p.FillRate,
		p.PerMinute,
		p.PerHour,
		int(minuteWindowTTL.Seconds()),
		int(hourWindowTTL.Seconds()),
		bucketTTLSeconds,
	}
	raw, errEval := admissionScript.Run(ctx, l.client, keys, args...).Result()
	if errEval != nil {
		return Result{}, errEval
	}
	return parseScriptResult(raw)
}

// buildKey assembles a namespaced store key. A negative window index means
// the key is not window-scoped.
func (l *RedisLimiter) buildKey(kind, key string, window int64) string {
	var b strings.Builder
	if l.prefix != "" {
		b.WriteString(l.prefix)
		b.WriteString(":")
	}
	b.WriteString(kind)
	b.WriteString(":")
	b.WriteString(key)
	if window >= 0 {
		b.WriteString(":")
		b.WriteString(strconv.FormatInt(window, 10))
	}
	return b.String()
}

// parseScriptResult decodes the script's five-element reply.
func parseScriptResult(raw any) (Result, error) {
	reply, ok := raw.([]any)
	if !ok || len(reply) != 5 {
		return Result{}, fmt.Errorf("rate limit redis: unexpected reply %T", raw)
	}
	allowed, errAllowed := coerceInt(reply[0])
	if errAllowed != nil {
		return Result{}, errAllowed
	}
	tokens, errTokens := coerceFloat(reply[1])
	if errTokens != nil {
		return Result{}, errTokens
	}
	minute, errMinute := coerceInt(reply[2])
	if errMinute != nil {
		return Result{}, errMinute
	}
	hour, errHour := coerceInt(reply[3])
	if errHour != nil {
		return Result{}, errHour
	}
	retry, errRetry := coerceInt(reply[4])
	if errRetry != nil {
		return Result{}, errRetry
	}
	return Result{
		Allowed:         allowed == 1,
		TokensRemaining: tokens,
		MinuteCount:     minute,
		HourCount:       hour,
		RetryAfter:      time.Duration(retry) * time.Second,
	}, nil
}

func coerceInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		parsed, errParse := strconv.ParseInt(n, 10, 64)
		if errParse != nil {
			return 0, fmt.Errorf("rate limit redis: bad integer %q", n)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("rate limit redis: unexpected value type %T", v)
	}
}

func coerceFloat(v any) (float64, error) {
	switch n := v.(type) {
	case string:
		parsed, errParse := strconv.ParseFloat(n, 64)
		if errParse != nil {
			return 0, fmt.Errorf("rate limit redis: bad float %q", n)
		}
		return parsed, nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("rate limit redis: unexpected value type %T", v)
	}
}
