// Package locking implements distributed single-flight locks on Redis.
package locking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ingest_server/core/port/out"
	"ingest_server/pkg/logger"
)

// releaseScript deletes the key only when the stored token still
// belongs to this holder, so an expired lock reacquired by someone
// else is never released by the old owner.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisLocker implements out.Locker with SET NX PX and token-checked
// release.
type RedisLocker struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisLocker creates a new RedisLocker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client: client,
		log:    logger.Default().WithField("component", "locker"),
	}
}

// Acquire attempts to take the lock. ok=false means another holder
// owns the key; the caller should skip, not wait.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.New().String()

	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}

	release := func() {
		// Best-effort with a fresh context so a canceled caller still
		// releases its lock.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := l.client.Eval(releaseCtx, releaseScript, []string{key}, token).Err(); err != nil {
			l.log.Warn("failed to release lock %s: %v", key, err)
		}
	}
	return release, true, nil
}

// Ensure RedisLocker implements out.Locker
var _ out.Locker = (*RedisLocker)(nil)
