package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateLimitErrorCode is the error code surfaced to the logging middleware on
// a 429; it matches the API layer's rate-limited code.
const rateLimitErrorCode = "rate_limited"

// RateLimitConfig is one endpoint class's rate limit: at most
// RequestsPerWindow requests per WindowDuration per key.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Validate rejects non-positive limits and windows.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// DefaultGlobalLimit is the blanket per-client limit across the whole API.
func DefaultGlobalLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 1000, WindowDuration: time.Minute}
}

// DefaultCreateLimit bounds session creation, the most abuse-prone endpoint
// (every create allocates DS rows and a join link).
func DefaultCreateLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 20, WindowDuration: time.Minute}
}

// DefaultJoinLimit bounds join attempts per client; a legitimate client
// joins a handful of sessions, not dozens per minute.
func DefaultJoinLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}
}

// RateLimitStore is the rate limit state backend. The in-memory store is
// per-node; the Redis store shares counters across every node behind the
// load balancer.
type RateLimitStore interface {
	// Allow reports whether a request under key fits config: whether it is
	// allowed, how many requests remain in the current window, and — when
	// denied — how many seconds until the window resets.
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, remaining int, retryAfter int)
}

// bucket is one key's fixed-window counter.
type bucket struct {
	count     int
	windowEnd time.Time
}

// InMemoryRateLimitStore is a fixed-window counter store local to this node.
// Safe for concurrent use.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewInMemoryRateLimitStore returns an empty in-memory store.
func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{buckets: make(map[string]*bucket)}
}

// Allow implements RateLimitStore with a fixed-window counter.
func (s *InMemoryRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	b, ok := s.buckets[key]
	if !ok || now.After(b.windowEnd) {
		s.buckets[key] = &bucket{count: 1, windowEnd: now.Add(config.WindowDuration)}
		return true, config.RequestsPerWindow - 1, 0
	}

	if b.count < config.RequestsPerWindow {
		b.count++
		return true, config.RequestsPerWindow - b.count, 0
	}

	retryAfter := int(b.windowEnd.Sub(now).Seconds())
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, 0, retryAfter
}

// Cleanup drops expired buckets. Run it periodically — an interval of a few
// multiples of the longest configured window keeps memory bounded without
// measurable overhead.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, b := range s.buckets {
		if now.After(b.windowEnd) {
			delete(s.buckets, key)
		}
	}
}

// KeyFunc derives the rate limit key for a request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc keys on the client IP, trusting proxy headers in the usual
// precedence: X-Forwarded-For (first hop), X-Real-IP, then RemoteAddr.
func IPKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}

// UserKeyFunc keys on the authenticated participant's user id when one is in
// the context, falling back to client IP for anonymous requests.
func UserKeyFunc() KeyFunc {
	ipFunc := IPKeyFunc()
	return func(r *http.Request) string {
		if userID := GetUserID(r.Context()); userID != "" {
			return "user:" + userID
		}
		return "ip:" + ipFunc(r)
	}
}

// RateLimiter rejects over-limit requests with 429 and stamps the
// X-RateLimit-* quota headers on every response. Violations reach the
// request log through the error-code context channel; metrics, when
// provided, count both checks and rejections.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			allowed, remaining, retryAfter := store.Allow(r.Context(), key, config)

			keyType := "ip"
			if strings.HasPrefix(key, "user:") {
				keyType = "user"
			}
			if metrics != nil {
				metrics.IncRateLimitRequests(r.URL.Path, keyType)
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !allowed {
				if metrics != nil {
					metrics.IncRateLimitBlocked(r.URL.Path, keyType)
				}

				ctx := SetErrorCode(r.Context(), rateLimitErrorCode)
				ctx = SetRateLimitKey(ctx, key)
				r = r.WithContext(ctx)

				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				reset := time.Now().Add(time.Duration(retryAfter) * time.Second).Unix()
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RedisRateLimitStore shares sliding-window counters across nodes through
// Redis. A Redis outage fails open: better to serve unmetered for a while
// than to turn a cache outage into an API outage.
type RedisRateLimitStore struct {
	client  *redis.Client
	metrics *Metrics
}

// NewRedisRateLimitStore returns a Redis-backed store without metrics.
func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client}
}

// NewRedisRateLimitStoreWithMetrics returns a Redis-backed store that counts
// Redis failures.
func NewRedisRateLimitStoreWithMetrics(client *redis.Client, metrics *Metrics) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, metrics: metrics}
}

// slidingWindowScript implements the check atomically server-side: prune
// entries older than the window, count what's left, and either admit (adding
// a uniquely-membered entry so concurrent requests in the same second don't
// collapse into one ZADD) or compute the retry-after from the oldest entry.
const slidingWindowScript = `
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
	local current = redis.call('ZCARD', key)

	if current < limit then
		local seqKey = key .. ':seq'
		local seq = redis.call('INCR', seqKey)
		redis.call('EXPIRE', seqKey, window + 10)
		redis.call('ZADD', key, now, tostring(now) .. '-' .. tostring(seq))
		redis.call('EXPIRE', key, window + 10)
		return {1, limit - current - 1, 0}
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local retryAfter = math.ceil((tonumber(oldest[2]) + window) - now)
	if retryAfter < 1 then
		retryAfter = 1
	end
	return {0, 0, retryAfter}
`

// Allow implements RateLimitStore over the sliding-window script.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	now := time.Now().Unix()
	windowSeconds := int64(config.WindowDuration.Seconds())

	result, err := s.client.Eval(ctx, slidingWindowScript, []string{key}, config.RequestsPerWindow, windowSeconds, now).Result()
	if err != nil {
		return s.failOpen(config)
	}

	allowed, remaining, retryAfter, ok := parseScriptReply(result)
	if !ok {
		return s.failOpen(config)
	}
	return allowed, remaining, retryAfter
}

// failOpen counts the failure and admits the request with a full quota.
func (s *RedisRateLimitStore) failOpen(config RateLimitConfig) (bool, int, int) {
	if s.metrics != nil {
		s.metrics.IncRateLimitRedisErrors()
	}
	return true, config.RequestsPerWindow, 0
}

// parseScriptReply unpacks the {allowed, remaining, retryAfter} triple the
// script returns; ok is false on any shape mismatch.
func parseScriptReply(result any) (allowed bool, remaining, retryAfter int, ok bool) {
	reply, ok := result.([]interface{})
	if !ok || len(reply) != 3 {
		return false, 0, 0, false
	}
	vals := make([]int64, 3)
	for i, v := range reply {
		n, isInt := v.(int64)
		if !isInt {
			return false, 0, 0, false
		}
		vals[i] = n
	}
	return vals[0] == 1, int(vals[1]), int(vals[2]), true
}
