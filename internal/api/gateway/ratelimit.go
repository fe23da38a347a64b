// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	keyPrefix = "threatpulse:ratelimit"

	// Local buckets untouched for this long are dropped.
	localIdleTTL  = 10 * time.Minute
	localSweepGap = time.Minute
)

// Counter counts hits in a fixed window.
type Counter interface {
	// Incr adds one hit to key and returns the count in the current window
	// and the time left until it resets.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

// RedisCounter is a Counter shared by every replica through Redis.
type RedisCounter struct {
	client redis.Scripter
}

// NewRedisCounter wraps client.
func NewRedisCounter(client redis.Scripter) *RedisCounter {
	return &RedisCounter{client: client}
}

// Incr implements Counter with one atomic script call.
func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	vals, err := incrScript.Run(ctx, c.client, []string{key}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply: %v", vals)
	}
	count, ok1 := vals[0].(int64)
	pttl, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("unexpected script reply: %v", vals)
	}
	if pttl < 0 {
		pttl = window.Milliseconds()
	}
	return count, time.Duration(pttl) * time.Millisecond, nil
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
	Endpoints         map[string]EndpointLimits
	IncludeHeaders    bool
}

// EndpointLimits makes specific endpoints more expensive
type EndpointLimits struct {
	Path           string
	Method         string
	CostMultiplier int
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Reason     string
}

// RateLimiter enforces per-client request limits. Without a shared counter,
// or when it is unreachable, it uses an in-process token bucket per client.
type RateLimiter struct {
	counter Counter
	logger  *zap.Logger
	config  RateLimitConfig
	now     func() time.Time

	mu        sync.Mutex
	local     map[string]*localBucket
	lastSweep time.Time
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(counter Counter, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 20
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpointLimits()
	}
	return &RateLimiter{
		counter: counter,
		logger:  logger,
		config:  cfg,
		now:     time.Now,
		local:   make(map[string]*localBucket),
	}
}

// DefaultEndpointLimits returns the default cost of the expensive endpoints
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		// Full ingestion run
		"POST:/api/v1/ingest": {
			Path:           "/api/v1/ingest",
			Method:         http.MethodPost,
			CostMultiplier: 20,
		},
		// Re-scores stored records
		"GET:/api/v1/threats/scored": {
			Path:           "/api/v1/threats/scored",
			Method:         http.MethodGet,
			CostMultiplier: 5,
		},
		"GET:/api/v1/dashboard/overview": {
			Path:           "/api/v1/dashboard/overview",
			Method:         http.MethodGet,
			CostMultiplier: 5,
		},
		"POST:/api/v1/analyze": {
			Path:           "/api/v1/analyze",
			Method:         http.MethodPost,
			CostMultiplier: 2,
		},
	}
}

// Limit returns the per-minute limit for an endpoint.
func (rl *RateLimiter) Limit(endpoint, method string) int {
	limit := rl.config.RequestsPerMinute
	if ep, ok := rl.config.Endpoints[method+":"+endpoint]; ok && ep.CostMultiplier > 1 {
		limit /= ep.CostMultiplier
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Check performs a rate limit check
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint, method string) *RateLimitResult {
	limit := rl.Limit(endpoint, method)
	key := fmt.Sprintf("%s:%s:%s:%s:minute", keyPrefix, clientID, method, endpoint)
	now := rl.now()
	if rl.counter == nil {
		return rl.checkLocal(key, limit, now)
	}

	count, ttl, err := rl.counter.Incr(ctx, key, time.Minute)
	if err != nil {
		rl.logger.Warn("Rate limit counter unavailable, using local limiter", zap.Error(err))
		return rl.checkLocal(key, limit, now)
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	result := &RateLimitResult{
		Allowed:   int(count) <= limit,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   now.Add(ttl),
	}
	if !result.Allowed {
		result.RetryAfter = ttl
		result.Reason = "Rate limit exceeded"
	}
	return result
}

func (rl *RateLimiter) checkLocal(key string, limit int, now time.Time) *RateLimitResult {
	lim := rl.localLimiter(key, limit, now)

	result := &RateLimitResult{Limit: limit, ResetAt: now.Add(time.Minute)}
	if lim.AllowN(now, 1) {
		result.Allowed = true
		result.Remaining = int(lim.TokensAt(now))
		return result
	}
	result.RetryAfter = time.Duration(float64(time.Minute) / float64(limit))
	result.Reason = "Rate limit exceeded"
	return result
}

func (rl *RateLimiter) localLimiter(key string, limit int, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= localSweepGap {
		for k, b := range rl.local {
			if now.Sub(b.lastSeen) >= localIdleTTL {
				delete(rl.local, k)
			}
		}
		rl.lastSweep = now
	}

	b, ok := rl.local[key]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(rate.Limit(float64(limit)/60), rl.config.BurstSize)}
		rl.local[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Middleware returns an HTTP middleware for rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := rl.Check(r.Context(), clientIP(r), endpoint(r), r.Method)

		if rl.config.IncludeHeaders {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		}

		if !result.Allowed {
			retry := int(result.RetryAfter.Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"rate_limit_exceeded","message":"%s","retry_after":%d}`, result.Reason, retry)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// endpoint is the matched route pattern, so path parameters share one bucket.
// Outside a chi router it falls back to the raw path.
func endpoint(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
