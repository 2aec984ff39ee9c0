package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// GrabLimiter throttles grab attempts per grabber.
type GrabLimiter interface {
	// Allow reports whether subject may attempt another grab and, if not, how many
	// seconds the caller should wait.
	Allow(ctx context.Context, subject string) (allowed bool, retryAfterSeconds int, err error)
}

var fixedWindowRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisRateLimiter implements distributed fixed-window rate limiting using Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	scope  string
	limit  int
	window time.Duration
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix, scope string, limit int, window time.Duration) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "escrow"
	}
	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix + ":rate_limit",
		scope:  scope,
		limit:  limit,
		window: window,
	}
}

// Allow fails open: a Redis error lets the attempt through and is returned for logging.
func (r *RedisRateLimiter) Allow(ctx context.Context, subject string) (bool, int, error) {
	if r == nil || r.client == nil || r.limit <= 0 || r.window <= 0 {
		return true, 0, nil
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return true, 0, nil
	}

	count, ttl, err := r.consume(ctx, fmt.Sprintf("%s:%s:%s", r.prefix, r.scope, subject))
	if err != nil {
		return true, 0, err
	}
	if count <= int64(r.limit) {
		return true, 0, nil
	}
	retryAfter := int(math.Ceil(ttl.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}

// consume bumps the window counter for key and returns it with the window's remaining time.
func (r *RedisRateLimiter) consume(ctx context.Context, key string) (int64, time.Duration, error) {
	windowMs := r.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	raw, err := fixedWindowRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected grab limiter reply: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected grab limiter count: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

// LocalRateLimiter applies a token bucket per subject inside one process and
// periodically evicts idle entries.
type LocalRateLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu    sync.Mutex
	byKey map[string]*limiterEntry
	hits  uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalRateLimiter allows perMinute attempts per subject, with bursts up to perMinute.
func NewLocalRateLimiter(perMinute int) *LocalRateLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &LocalRateLimiter{
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
		byKey:   make(map[string]*limiterEntry),
	}
}

func (l *LocalRateLimiter) Allow(ctx context.Context, subject string) (bool, int, error) {
	if l == nil {
		return true, 0, nil
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return true, 0, nil
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[subject]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[subject] = e
	}
	e.lastSeen = now

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}

	r := e.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0, nil
	}
	r.CancelAt(now)
	retryAfter := int(math.Ceil(delay.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}
