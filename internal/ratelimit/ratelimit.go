// Package ratelimit implements the fixed-window counter used by the
// public feed endpoint. Counters live in Redis so every API replica
// shares the same window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result reports one allowance decision.
type Result struct {
	Allowed      bool
	Remaining    int
	ResetSeconds int
}

// Limiter answers "may this key perform one more request in the current
// window".
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// RedisLimiter increments rl:{key}:{window} atomically; the first
// increment in a window sets the TTL.
type RedisLimiter struct {
	rdb *redis.Client
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

// NewRedisLimiterURL dials Redis from a URL (redis://…).
func NewRedisLimiterURL(url string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisLimiter{rdb: redis.NewClient(opts)}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := time.Now().Unix()
	winSecs := int64(window / time.Second)
	if winSecs <= 0 {
		winSecs = 1
	}
	bucket := now / winSecs
	rkey := fmt.Sprintf("rl:%s:%d", key, bucket)

	val, err := l.rdb.Incr(ctx, rkey).Result()
	if err != nil {
		return Result{}, err
	}
	if val == 1 {
		if err := l.rdb.Expire(ctx, rkey, window).Err(); err != nil {
			return Result{}, err
		}
	}

	remaining := limit - int(val)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:      val <= int64(limit),
		Remaining:    remaining,
		ResetSeconds: int(winSecs - now%winSecs),
	}, nil
}

// LocalLimiter is an in-process fixed window for single-node dev setups
// without Redis. Same window semantics as RedisLimiter.
type LocalLimiter struct {
	mu      sync.Mutex
	counts  map[string]int
	buckets map[string]int64
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{counts: map[string]int{}, buckets: map[string]int64{}}
}

func (l *LocalLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := time.Now().Unix()
	winSecs := int64(window / time.Second)
	if winSecs <= 0 {
		winSecs = 1
	}
	bucket := now / winSecs

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buckets[key] != bucket {
		l.buckets[key] = bucket
		l.counts[key] = 0
	}
	l.counts[key]++
	val := l.counts[key]

	remaining := limit - val
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:      val <= limit,
		Remaining:    remaining,
		ResetSeconds: int(winSecs - now%winSecs),
	}, nil
}
