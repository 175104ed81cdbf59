package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis lock:
//
//	acquire: SET key owner NX PX ttl   (NX gives mutual exclusion, PX bounds a crashed holder)
//	release: compare-and-delete in Lua, so a holder whose lock already expired
//	         cannot delete the lock of the next holder.

var ErrLockNotHeld = errors.New("distributed lock: not held or already expired")

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// keepScript shortens the lock to ARGV[2] milliseconds if it is still ours.
var keepScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// DistributedLock is a single Redis key owned by value for at most expiration.
type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock attempts the lock once without blocking.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Unlock deletes the key only if it still carries our value.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// KeepFor shrinks the remaining lifetime of a held lock to d.
func (l *DistributedLock) KeepFor(ctx context.Context, d time.Duration) error {
	ms := d.Milliseconds()
	if ms <= 0 {
		return l.Unlock(ctx)
	}
	n, err := keepScript.Run(ctx, l.client, []string{l.key}, l.value, ms).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
