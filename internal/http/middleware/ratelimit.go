// Package middleware contains the Gin middleware of the letter API.
//
// This file implements the per-client token bucket that protects the HTTP
// surface. It is process-local and unrelated to the per-user daily quotas
// enforced by the services layer: those count letter requests, this one
// counts HTTP calls.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// keyFunc selects the identity used to key a rate-limit bucket.
type keyFunc func(*gin.Context) string

// KeyByClient keys buckets by the user the request addresses: the :id path
// parameter, then a "userID" context value, then the X-User-ID header, and
// finally the client IP. Keys are namespaced ("user:" / "ip:").
func KeyByClient() keyFunc {
	return func(c *gin.Context) string {
		if id := strings.TrimSpace(c.Param("id")); id != "" {
			return "user:" + id
		}
		if v, ok := c.Get("userID"); ok {
			if s, ok := v.(string); ok && s != "" {
				return "user:" + s
			}
		}
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return "user:" + h
		}
		return "ip:" + c.ClientIP()
	}
}

const (
	visitorTTL = 10 * time.Minute
	gcEvery    = 5000
)

var rateLimited = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "letter_http_rate_limited_total",
		Help: "HTTP requests rejected by the per-client token bucket, by key kind.",
	},
	[]string{"kind"},
)

func init() { prometheus.MustRegister(rateLimited) }

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per key. Buckets idle for longer than
// ttl are evicted during lookups. Safe for concurrent use.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn keyFunc
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
	lookups  uint64
}

// NewRateLimiter builds a limiter refilling rps tokens per second. A burst
// <= 0 is coerced to 1.
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    max(burst, 1),
		keyFn:    keyFn,
		ttl:      visitorTTL,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// bucket returns the limiter for key, evicting idle buckets every gcEvery
// lookups.
func (rl *RateLimiter) bucket(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.lookups++; rl.lookups >= gcEvery {
		rl.lookups = 0
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
	}

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// allow takes a token for key. When none is available it returns the wait
// until the next token.
func (rl *RateLimiter) allow(key string) (bool, time.Duration) {
	now := rl.now()
	lim := rl.bucket(key, now)
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	delay := res.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	res.CancelAt(now)
	return false, delay
}

// retryAfter renders a delay as whole seconds, at least 1.
func retryAfter(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// Handler returns the middleware. A denied request gets 429 with a
// Retry-After header and the JSON error envelope.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rl.keyFn(c)
		allowed, wait := rl.allow(key)
		if allowed {
			c.Next()
			return
		}
		kind, _, _ := strings.Cut(key, ":")
		rateLimited.WithLabelValues(kind).Inc()

		c.Header("Retry-After", retryAfter(wait))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
