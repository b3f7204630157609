package ingress

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces per-minute caps on inbound mail, keyed per tenant and
// per (tenant, sender). Counting goes through Redis when available so the
// limit holds across replicas; a Redis outage degrades to a process-local
// sliding window rather than letting traffic through uncounted.
type RateLimiter struct {
	rdb    *redis.Client // nil → memory only
	mu     sync.Mutex
	local  map[string]*rateWindow
	logger *log.Logger
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter builds a limiter. rdb may be nil for local development.
func NewRateLimiter(rdb *redis.Client) *RateLimiter {
	rl := &RateLimiter{
		rdb:    rdb,
		local:  make(map[string]*rateWindow),
		logger: log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether one more event under key fits within limit per
// minute.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int) bool {
	if limit <= 0 {
		return true
	}

	if rl.rdb != nil {
		allowed, err := rl.allowRedis(ctx, key, limit)
		if err == nil {
			return allowed
		}
		rl.logger.Printf("⚠️ Redis unavailable, using local window: %v", err)
	}
	return rl.allowLocal(key, limit)
}

func (rl *RateLimiter) allowRedis(ctx context.Context, key string, limit int) (bool, error) {
	bucket := fmt.Sprintf("ratelimit:%s:%d", key, time.Now().Unix()/60)

	pipe := rl.rdb.TxPipeline()
	incr := pipe.Incr(ctx, bucket)
	pipe.Expire(ctx, bucket, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	// Violations are counted in metrics; keys carry sender addresses and are
	// never logged
	return incr.Val() <= int64(limit), nil
}

func (rl *RateLimiter) allowLocal(key string, limit int) bool {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.local[key]
	if !ok || now.Sub(w.windowStart) > time.Minute {
		rl.local[key] = &rateWindow{count: 1, windowStart: now}
		return true
	}
	w.count++
	return w.count <= limit
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		rl.mu.Lock()
		for key, w := range rl.local {
			if now.Sub(w.windowStart) > 2*time.Minute {
				delete(rl.local, key)
			}
		}
		rl.mu.Unlock()
	}
}
