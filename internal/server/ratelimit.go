package server

import (
	"context"
	"sync"
	"time"
)

// RateLimitConfig bounds request volume. InitLimit caps new upload sessions
// per client IP within InitWindow; with RedisAddr set the counters are shared
// across API replicas.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	InitLimit     int
	InitWindow    time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global      *tokenBucket
	initLimit   int
	initWindow  time.Duration
	initMu      sync.Mutex
	initBuckets map[string]*ipLimiter
	store       tokenStore
	now         func() time.Time
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	rl := &rateLimiter{
		initLimit:   cfg.InitLimit,
		initWindow:  cfg.InitWindow,
		initBuckets: make(map[string]*ipLimiter),
		now:         time.Now,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = max(int(cfg.GlobalRPS), 1)
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst, rl.now)
	}
	if rl.initLimit < 0 {
		rl.initLimit = 0
	}
	if rl.initWindow <= 0 {
		rl.initWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.initLimit > 0 {
		store, err := newRedisStore(redisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Timeout:  cfg.RedisTimeout,
		})
		if err != nil {
			return nil, err
		}
		rl.store = store
	}
	return rl, nil
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowInit reports whether key may open another upload session and, if not,
// how long until it may.
func (r *rateLimiter) AllowInit(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.initLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, "reelhouse:init:"+key, r.initLimit, r.initWindow)
	}
	r.initMu.Lock()
	limiter, exists := r.initBuckets[key]
	if !exists {
		rate := float64(r.initLimit) / r.initWindow.Seconds()
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.initLimit, r.now)}
		r.initBuckets[key] = limiter
	}
	limiter.lastSeen = r.now()
	r.cleanupLocked()
	r.initMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, limiter.bucket.wait(), nil
}

func (r *rateLimiter) cleanupLocked() {
	cutoff := r.now().Add(-2 * r.initWindow)
	for key, limiter := range r.initBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.initBuckets, key)
		}
	}
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
	now       func() time.Time
}

func newTokenBucket(rate float64, burst int, now func() time.Time) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	if now == nil {
		now = time.Now
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now(),
		now:       now,
	}
}

func (tb *tokenBucket) refillLocked() {
	now := tb.now()
	tb.tokens += now.Sub(tb.lastCheck).Seconds() * tb.rate
	tb.lastCheck = now
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// wait estimates how long until the next token is available.
func (tb *tokenBucket) wait() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens >= 1 {
		return 0
	}
	wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
	if wait < time.Second {
		wait = time.Second
	}
	return wait.Round(time.Second)
}
