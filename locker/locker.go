// locker/locker.go
// Package locker serializes work per key. Webhook processing locks on the
// payment reference so state machine transitions for one payment are
// strictly ordered even when events for it arrive concurrently.
package locker

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quillshelf/bookpay/errs"
)

// Locker acquires a named lock; the returned function releases it.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// KeyedMutex is an in-process Locker for single-instance deployments
// and tests.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an in-process keyed locker
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entry)}
}

func (k *KeyedMutex) Acquire(_ context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}, nil
}

const (
	redisLockTTL   = 30 * time.Second
	redisLockRetry = 100 * time.Millisecond
)

// RedisLocker coordinates across instances with SET NX + per-holder token.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker creates a redis-backed locker
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "bookpay:lock:"}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (r *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	name := r.prefix + key
	token := time.Now().UnixNano()

	for {
		ok, err := r.client.SetNX(ctx, name, token, redisLockTTL).Result()
		if err != nil {
			return nil, errs.E(errs.KindGatewayTransient, "failed to acquire redis lock", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errs.E(errs.KindGatewayTransient, "lock acquisition cancelled", ctx.Err())
		case <-time.After(redisLockRetry):
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		releaseScript.Run(ctx, r.client, []string{name}, token)
	}, nil
}
