package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/payoffsolar/api/internal/services"
)

const (
	keyPrefix     = "orders:lock:"
	retryInterval = 50 * time.Millisecond
)

// releaseScript deletes the lock only when it still holds our token, so an
// expired lock re-acquired by another replica is left alone.
// KEYS[1] = lock key
// ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serialises order updates across replicas.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	wait   time.Duration
	onErr  func(ctx context.Context, event string, fields map[string]any)
}

// NewRedisLocker holds locks for at most ttl and waits up to wait to acquire one.
func NewRedisLocker(client redis.UniversalClient, ttl, wait time.Duration, logger func(ctx context.Context, event string, fields map[string]any)) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis locker: client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("redis locker: ttl must be positive")
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &RedisLocker{client: client, ttl: ttl, wait: wait, onErr: logger}, nil
}

// Lock implements services.OrderLocker.
func (l *RedisLocker) Lock(ctx context.Context, orderID string) (func(), error) {
	key := keyPrefix + strings.TrimSpace(orderID)
	token := ulid.Make().String()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis locker: acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: order %s", services.ErrOrderBusy, orderID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}

	return func() {
		// Release even when the request context is already cancelled.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			l.onErr(ctx, "order.lock.release_failed", map[string]any{
				"key":   key,
				"error": err.Error(),
			})
		}
	}, nil
}
