// Package archive moves aged messages from the live tier to the cold tier.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockKey = "archive:sweep-lock"

// Lock serializes archival sweeps across replicas. A sweep acquires the key
// with SET NX and a TTL; release checks ownership so an expired holder
// cannot drop a lock someone else has since taken.
type Lock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLock(redisURL string, ttl time.Duration) (*Lock, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Lock{client: client, ttl: ttl}, nil
}

// NewLockWithClient creates a lock from an existing Redis client
func NewLockWithClient(client *redis.Client, ttl time.Duration) *Lock {
	return &Lock{client: client, ttl: ttl}
}

// Acquire attempts to take the sweep lock. The returned token is required
// to release; acquired is false when another sweep holds the lock.
func (l *Lock) Acquire(ctx context.Context, token string) (bool, error) {
	acquired, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire sweep lock: %w", err)
	}
	return acquired, nil
}

// releaseScript deletes the lock only when token still owns it, in one
// server-side step so the key cannot expire between the check and the delete.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Release drops the lock if token still owns it.
func (l *Lock) Release(ctx context.Context, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{lockKey}, token).Err(); err != nil {
		return fmt.Errorf("release sweep lock: %w", err)
	}
	return nil
}

func (l *Lock) Close() error {
	return l.client.Close()
}
