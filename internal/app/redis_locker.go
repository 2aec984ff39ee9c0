package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/escrow-service/internal/domain"
)

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

const redisLockRetryInterval = 25 * time.Millisecond

// RedisLocker is a Locker shared by every replica of the service. Each key is a
// SET NX PX entry holding a random token, so only the holder can release it.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	wait   time.Duration
	ttl    time.Duration
}

func NewRedisLocker(client redis.UniversalClient, prefix string, wait, ttl time.Duration) *RedisLocker {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "escrow"
	}
	return &RedisLocker{client: client, prefix: trimmedPrefix + ":lock", wait: wait, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, keys []string) (func(), error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	held := make([]string, 0, len(keys))

	release := func() {
		// Release must run even when the caller's context is already done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			_ = releaseLockScript.Run(releaseCtx, l.client, []string{held[i]}, token).Err()
		}
	}

	for _, key := range keys {
		redisKey := fmt.Sprintf("%s:%s", l.prefix, key)
		for {
			ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
			if err != nil {
				release()
				return nil, fmt.Errorf("acquire lock %s: %w", key, err)
			}
			if ok {
				held = append(held, redisKey)
				break
			}
			if time.Now().After(deadline) {
				release()
				return nil, domain.ErrBusy
			}
			select {
			case <-time.After(redisLockRetryInterval):
			case <-ctx.Done():
				release()
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, domain.ErrBusy
				}
				return nil, ctx.Err()
			}
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}
