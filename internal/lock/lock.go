// Package lock keeps periodic jobs to one runner across replicas.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker hands out a best-effort lease. ok is false when another holder
// owns key; release is always safe to call.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Local always grants the lease. Used when no Redis is configured; the
// pipeline stays correct without it because every transition is conditional.
type Local struct{}

func (Local) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

// Only the holder's token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

type Redis struct {
	Client *redis.Client
	Prefix string
}

// NewRedis parses url and pings the server.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Redis{Client: client, Prefix: "reelcast:lock:"}, nil
}

func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	full := r.Prefix + key
	token := uuid.NewString()

	set, err := r.Client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return func() {}, false, fmt.Errorf("redis SetNX failed: %w", err)
	}
	if !set {
		return func() {}, false, nil
	}

	release := func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(relCtx, r.Client, []string{full}, token).Err()
	}
	return release, true, nil
}

func (r *Redis) Close() error {
	return r.Client.Close()
}
