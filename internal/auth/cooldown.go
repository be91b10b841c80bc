package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cooldown はキーごとの再実行間隔を制御する。
type Cooldown interface {
	// Acquire はキーが待機期間外であれば期間を開始してtrueを返す。
	// 待機期間中の場合はfalseを返す。
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisCooldown はRedisのSET NX PXで待機期間を管理する。複数プロセスで共有される。
type RedisCooldown struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCooldown はRedisCooldownを生成する。
func NewRedisCooldown(rdb *redis.Client) *RedisCooldown {
	return &RedisCooldown{rdb: rdb, prefix: "matchrate:cooldown:"}
}

// Acquire は待機期間を開始する。
func (c *RedisCooldown) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.prefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store cooldown in redis: %w", err)
	}
	return ok, nil
}

// MemoryCooldown はプロセス内で待機期間を管理する。
type MemoryCooldown struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

// NewMemoryCooldown はMemoryCooldownを生成する。
func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{until: make(map[string]time.Time), now: time.Now}
}

// Acquire は待機期間を開始する。期限切れのエントリはこのタイミングで掃除する。
func (c *MemoryCooldown) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, until := range c.until {
		if !now.Before(until) {
			delete(c.until, k)
		}
	}
	if _, ok := c.until[key]; ok {
		return false, nil
	}
	c.until[key] = now.Add(ttl)
	return true, nil
}

// compile-time interface checks
var (
	_ Cooldown = (*RedisCooldown)(nil)
	_ Cooldown = (*MemoryCooldown)(nil)
)
