package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockLost = errors.New("lock: lease expired before release")

// releaseScript deletes the key only if it still carries our token, so a
// holder whose lease expired cannot free someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisClient is the subset of go-redis used by Redis.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// Redis is a lease-based lock shared by every replica talking to the same
// Redis. Leases expire after TTL so a crashed holder cannot wedge a ride.
type Redis struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	// OnLost is called when a release finds the lease already gone.
	OnLost func(key string, err error)
}

func NewRedis(client RedisClient, prefix string, ttl, retry time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl, retry: retry}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()
	delay := r.retry
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { r.unlock(k, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 8*r.retry {
			delay *= 2
		}
	}
}

func (r *Redis) unlock(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int64()
	if err == nil && n == 0 {
		err = ErrLockLost
	}
	if err != nil && r.OnLost != nil {
		r.OnLost(key, err)
	}
}
