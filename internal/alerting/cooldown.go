package alerting

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cooldown decides whether a track may be notified again within window.
// Allow records the notification when it returns true.
type Cooldown interface {
	Allow(ctx context.Context, trackID int, window time.Duration) (bool, error)
}

// MemoryCooldown keeps the last notification time per track in process.
type MemoryCooldown struct {
	mu   sync.Mutex
	last map[int]time.Time
	now  func() time.Time
}

func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{last: make(map[int]time.Time), now: time.Now}
}

func (m *MemoryCooldown) Allow(_ context.Context, trackID int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if last, ok := m.last[trackID]; ok && now.Sub(last) < window {
		return false, nil
	}
	m.last[trackID] = now
	return true, nil
}

// RedisCooldown shares the cooldown between client instances using a
// per-track key that expires after the window.
type RedisCooldown struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCooldown connects to addr and verifies it with a ping.
func NewRedisCooldown(ctx context.Context, addr string) (*RedisCooldown, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisCooldown{rdb: rdb, prefix: "fallwatch:cooldown:"}, nil
}

func (r *RedisCooldown) Allow(ctx context.Context, trackID int, window time.Duration) (bool, error) {
	key := r.prefix + strconv.Itoa(trackID)
	ok, err := r.rdb.SetNX(ctx, key, time.Now().Unix(), window).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisCooldown) Close() error {
	return r.rdb.Close()
}
