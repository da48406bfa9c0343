// Package lock keeps two pipelines from deploying to the same gateway service at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLocked is returned when another run holds the lock.
	ErrLocked = errors.New("another deployment holds the service lock")
	// ErrLost is returned when the lock expired or passed to another holder.
	ErrLost = errors.New("service lock lost")
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

const refreshScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// Client is the part of the redis client the lock uses.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Key is the redis key guarding service.
func Key(service string) string {
	return "apim-deployer:lock:" + service
}

// RedisLock is a single-holder lock with an expiry, so a crashed run frees the service
// after ttl. A live run keeps it with Hold.
type RedisLock struct {
	db    Client
	key   string
	token string
	ttl   time.Duration
}

func NewRedisLock(db Client, service string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisLock{db: db, key: Key(service), token: uuid.NewString(), ttl: ttl}
}

func (l *RedisLock) TTL() time.Duration { return l.ttl }

// Acquire takes the lock or returns ErrLocked naming the current holder.
func (l *RedisLock) Acquire(ctx context.Context) error {
	ok, err := l.db.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		holder, _ := l.db.Get(ctx, l.key).Result()
		return fmt.Errorf("%w: %s held by %s", ErrLocked, l.key, holder)
	}
	return nil
}

// Refresh resets the expiry to ttl if this instance still holds the lock.
func (l *RedisLock) Refresh(ctx context.Context) error {
	n, err := l.db.Eval(ctx, refreshScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s expired or taken over", ErrLost, l.key)
	}
	return nil
}

// Hold refreshes the lock every interval until the returned stop func is called. The first
// failed refresh is passed to lost and ends refreshing. stop waits for the refresher to exit.
func (l *RedisLock) Hold(ctx context.Context, interval time.Duration, lost func(error)) (stop func()) {
	if interval <= 0 {
		interval = l.ttl / 3
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Refresh(ctx); err != nil {
					if ctx.Err() == nil && lost != nil {
						lost(err)
					}
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}

// Release deletes the lock only if this instance still holds it.
func (l *RedisLock) Release(ctx context.Context) error {
	n, err := l.db.Eval(ctx, releaseScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("release %s: %w", l.key, ErrLost)
	}
	return nil
}
