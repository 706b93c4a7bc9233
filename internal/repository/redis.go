package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by TryLock when another holder owns the lock.
var ErrLockHeld = errors.New("lock held")

var (
	// INCR and start the window on the first hit, atomically.
	incrementScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n`)

	// Only the token that took the lock may release it.
	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`)
)

// RedisRepository backs the tenant observation counters, scheduled-job locks
// and the forwarding event log.
type RedisRepository struct {
	client *redis.Client
}

func NewRedisRepository(ctx context.Context, addr string) (*RedisRepository, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:            addr,
		PoolSize:        50,
		MinIdleConns:    5,
		PoolTimeout:     2 * time.Second,
		DialTimeout:     2 * time.Second,
		ReadTimeout:     1 * time.Second,
		WriteTimeout:    1 * time.Second,
		MaxRetries:      1,
		MaxRetryBackoff: 256 * time.Millisecond,
	})

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisRepository{client: rdb}, nil
}

// NewRedisRepositoryFromClient wraps an existing client.
func NewRedisRepositoryFromClient(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client}
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Increment bumps key and returns the new count. The key expires window after
// its first increment.
func (r *RedisRepository) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrementScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return n, nil
}

// Count reads key; a missing key counts as zero.
func (r *RedisRepository) Count(ctx context.Context, key string) (int64, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", key, err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", key, err)
	}
	return n, nil
}

// TryLock takes the named lock for ttl. The returned release func is safe to
// call after the lock has expired or been taken over.
func (r *RedisRepository) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	key := "tsms:lock:" + name
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, r.client, []string{key}, token).Err()
	}, nil
}

// AppendEvent pushes an encoded event onto the capped list logKey and
// publishes it on channel.
func (r *RedisRepository) AppendEvent(ctx context.Context, channel, logKey string, keep int64, event []byte) error {
	pipe := r.client.Pipeline()
	pipe.LPush(ctx, logKey, event)
	pipe.LTrim(ctx, logKey, 0, keep-1)
	pipe.Publish(ctx, channel, event)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events from logKey, newest first.
func (r *RedisRepository) RecentEvents(ctx context.Context, logKey string, limit int64) ([][]byte, error) {
	values, err := r.client.LRange(ctx, logKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	events := make([][]byte, 0, len(values))
	for _, v := range values {
		events = append(events, []byte(v))
	}
	return events, nil
}
