// Package locker provides the distributed lock that keeps sweeps of one
// service from running on several instances at once.
package locker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const keyPrefix = "courier:lock:"

// Locker is held by whoever presents the same pwd until ttl runs out.
type Locker interface {
	Acquire(ctx context.Context, key, pwd string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, pwd string) (bool, error)
}

// release deletes the key only while it still holds our pwd.
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	rdb   redis.Cmdable
	log   *zap.SugaredLogger
	token func() string
}

func NewRedisLocker(rdb redis.Cmdable, log *zap.SugaredLogger) *RedisLocker {
	return &RedisLocker{rdb: rdb, log: log, token: uuid.NewString}
}

func (l *RedisLocker) Acquire(ctx context.Context, key, pwd string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, keyPrefix+key, pwd, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, pwd string) (bool, error) {
	n, err := release.Run(ctx, l.rdb, []string{keyPrefix + key}, pwd).Int64()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	return n == 1, nil
}

// Holder returns the pwd holding key, or "" when it is free.
func (l *RedisLocker) Holder(ctx context.Context, key string) (string, error) {
	pwd, err := l.rdb.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return pwd, err
}

// Unlock drops key whoever holds it. Operators only.
func (l *RedisLocker) Unlock(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Del(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	l.log.Infow("lock force released", "key", key, "existed", n > 0)
	return n > 0, nil
}

// WithLock runs fn while holding key. It reports false without running fn
// when someone else holds the lock.
func (l *RedisLocker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	pwd := l.token()
	ok, err := l.Acquire(ctx, key, pwd, ttl)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if _, err := l.Release(context.Background(), key, pwd); err != nil {
			l.log.Warnw("release lock", "key", key, "err", err)
		}
	}()
	return true, fn(ctx)
}
