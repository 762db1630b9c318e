package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the key only when this holder still owns it.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only when this holder still owns the key.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Lock is a single-holder lease on a Redis key. The holder is identified by
// a random token so an expired lease reclaimed by another holder is never
// deleted or renewed by the original one.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	stopOnce  sync.Once
	stopRenew chan struct{}
}

// NewLock creates an unacquired lock handle for key.
func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	return &Lock{
		client:    client,
		key:       key,
		token:     newToken(),
		ttl:       ttl,
		stopRenew: make(chan struct{}),
	}
}

func newToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Lock acquires the lease, blocking up to 30 seconds.
func (l *Lock) Lock(ctx context.Context) error {
	return l.LockWithTimeout(ctx, 30*time.Second)
}

// LockWithTimeout acquires the lease, polling until timeout elapses.
func (l *Lock) LockWithTimeout(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		acquired, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock %q: acquisition timeout", l.key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// TryLock attempts one acquisition without blocking. On success a renewal
// goroutine keeps the lease alive until Unlock.
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock %q: %w", l.key, err)
	}
	if acquired {
		go l.renew()
	}
	return acquired, nil
}

// Unlock releases the lease. Returns an error when the lease already
// expired and was reclaimed elsewhere.
func (l *Lock) Unlock(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopRenew) })

	result, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Result()
	if err != nil {
		return fmt.Errorf("unlock %q: %w", l.key, err)
	}
	if result.(int64) == 0 {
		return fmt.Errorf("unlock %q: lease not held", l.key)
	}
	return nil
}

// renew extends the lease every half TTL until Unlock or loss of ownership.
func (l *Lock) renew() {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			result, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Result()
			cancel()
			if err != nil {
				return
			}
			if result.(int64) == 0 {
				// Lease expired and was reclaimed
				return
			}
		case <-l.stopRenew:
			return
		}
	}
}

// LockManager creates locks under a shared key prefix.
type LockManager struct {
	client *redis.Client
	prefix string
}

func NewLockManager(client *redis.Client, prefix string) *LockManager {
	return &LockManager{
		client: client,
		prefix: prefix,
	}
}

// AcquireLock returns an unacquired lock handle for the prefixed key.
func (lm *LockManager) AcquireLock(key string, ttl time.Duration) *Lock {
	return NewLock(lm.client, lm.prefix+key, ttl)
}
