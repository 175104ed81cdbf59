package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Lease guards a scheduled job so that one replica runs it at a time.
//
// MaxHold is the Redis expiry: a replica that crashes while holding the lease
// blocks the others for at most MaxHold. MinHold keeps the lease for at least
// that long after acquisition, even when the job finishes early, so replicas
// whose clocks are slightly apart do not run the same cycle back to back.
type Lease struct {
	client  *redis.Client
	name    string
	minHold time.Duration
	maxHold time.Duration
	now     func() time.Time
}

func NewLease(client *redis.Client, name string, minHold, maxHold time.Duration) *Lease {
	return &Lease{
		client:  client,
		name:    name,
		minHold: minHold,
		maxHold: maxHold,
		now:     time.Now,
	}
}

// LeaseHandle is a held lease. Release must be called when the job finishes.
type LeaseHandle struct {
	lock       *DistributedLock
	acquiredAt time.Time
	minHold    time.Duration
	now        func() time.Time
}

// TryAcquire returns ok=false without error when another replica holds the lease.
func (l *Lease) TryAcquire(ctx context.Context) (*LeaseHandle, bool, error) {
	dl := NewDistributedLock(l.client, "lease:"+l.name, uuid.NewString(), l.maxHold)
	ok, err := dl.TryLock(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	return &LeaseHandle{
		lock:       dl,
		acquiredAt: l.now(),
		minHold:    l.minHold,
		now:        l.now,
	}, true, nil
}

// Release gives the lease up, or lets it run out at acquiredAt+MinHold if that
// is still in the future.
func (h *LeaseHandle) Release(ctx context.Context) error {
	remaining := h.minHold - h.now().Sub(h.acquiredAt)
	if remaining > 0 {
		return h.lock.KeepFor(ctx, remaining)
	}
	return h.lock.Unlock(ctx)
}
