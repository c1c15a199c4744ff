package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease key only when this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeaser implements leases with Redis SET NX and a TTL. Each lease
// carries an owner token so an expired lease taken over by another holder is
// never released by the original one. A background goroutine extends the TTL
// while the lease is held.
type RedisLeaser struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLeaser creates a leaser over a Redis client. A zero ttl defaults
// to 30 seconds.
func NewRedisLeaser(client *redis.Client, ttl time.Duration) *RedisLeaser {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLeaser{client: client, ttl: ttl, prefix: "lease:"}
}

// Acquire implements Leaser.
func (l *RedisLeaser) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	owner := uuid.New().String()

	ok, err := l.client.SetNX(ctx, redisKey, owner, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to set lease key: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}

	done := make(chan struct{})
	go l.extend(redisKey, owner, done)

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(done)
			releaseScript.Run(context.Background(), l.client, []string{redisKey}, owner)
		})
	}
	return release, nil
}

// extend refreshes the TTL at a third of its duration until released.
func (l *RedisLeaser) extend(redisKey, owner string, done <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			current, err := l.client.Get(ctx, redisKey).Result()
			if err == nil && current == owner {
				l.client.Expire(ctx, redisKey, l.ttl)
			}
			cancel()
			if err == redis.Nil {
				return
			}
		}
	}
}
