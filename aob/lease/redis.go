package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only while the caller's token still matches.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only while the caller's token still matches.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisManager is a Redis-backed lease Manager.
//
// Acquire is SET NX PX; Renew and Release run compare-token Lua scripts so
// only the current holder can extend or free the lease. Redis expiry covers
// crashed holders without any sweeper process.
type RedisManager struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisManager creates a Redis-backed lease manager. Keys are stored
// under the given prefix (e.g. "aob:lease:"); pass "" for no prefix.
func NewRedisManager(client redis.UniversalClient, prefix string) *RedisManager {
	return &RedisManager{client: client, prefix: prefix}
}

// Acquire implements Manager.
func (r *RedisManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lease acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{Key: key, Token: token, TTL: ttl}, nil
}

// Renew implements Manager.
func (r *RedisManager) Renew(ctx context.Context, l *Lease) error {
	n, err := renewScript.Run(ctx, r.client, []string{r.prefix + l.Key}, l.Token, l.TTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lease renew %s: %w", l.Key, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

// Release implements Manager.
func (r *RedisManager) Release(ctx context.Context, l *Lease) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.prefix + l.Key}, l.Token).Int()
	if err != nil {
		return fmt.Errorf("lease release %s: %w", l.Key, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}
