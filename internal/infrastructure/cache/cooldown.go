package cache

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cooldown rate-limits a repeated signal per key.
type Cooldown interface {
	// Start opens a cooldown window of length d for key and reports true, or
	// reports false if a window for key is still open.
	Start(ctx context.Context, key string, d time.Duration) (bool, error)
}

// MemoryCooldown keeps windows in process memory. State is lost on restart and
// is not shared between replicas; use RedisCooldown when several instances
// evaluate the same keys.
type MemoryCooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewMemoryCooldown(now func() time.Time) *MemoryCooldown {
	if now == nil {
		now = time.Now
	}
	return &MemoryCooldown{
		last: make(map[string]time.Time),
		now:  now,
	}
}

func (c *MemoryCooldown) Start(_ context.Context, key string, d time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.last[key]; ok && now.Before(last.Add(d)) {
		return false, nil
	}
	c.last[key] = now
	return true, nil
}

// RedisCooldown stores windows as expiring keys shared by all replicas.
type RedisCooldown struct {
	client *redis.Client
	prefix string
}

func NewRedisCooldown(client *redis.Client, prefix string) *RedisCooldown {
	return &RedisCooldown{client: client, prefix: prefix}
}

func (c *RedisCooldown) Start(ctx context.Context, key string, d time.Duration) (bool, error) {
	if d <= 0 {
		return true, nil
	}
	return c.client.SetNX(ctx, c.prefix+key, time.Now().UTC().Format(time.RFC3339), d).Result()
}
