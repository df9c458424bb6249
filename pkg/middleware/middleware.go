package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-trader/pkg/response"
)

// Limits maps a path prefix to its per-visitor rate. Paths with no matching
// prefix are not limited.
type Limits map[string]rate.Limit

// DefaultLimits keeps token issuing slow and reads generous
var DefaultLimits = Limits{
	"/api/v1/auth": rate.Limit(10.0 / 60.0),
	"/api/v1/halt": rate.Limit(10.0 / 60.0),
	"/api/v1":      rate.Limit(1000.0 / 60.0),
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter tracks one token bucket per client and route
type RateLimiter struct {
	limits Limits
	burst  int

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewRateLimiter(limits Limits, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{limits: limits, burst: burst, visitors: make(map[string]*visitor)}
}

func (rl *RateLimiter) limitFor(path string) rate.Limit {
	best, limit := -1, rate.Inf
	for prefix, l := range rl.limits {
		if strings.HasPrefix(path, prefix) && len(prefix) > best {
			best, limit = len(prefix), l
		}
	}
	return limit
}

func (rl *RateLimiter) get(path, client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := client + ":" + path
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limitFor(path), rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops idle visitors every minute until ctx is done
func (rl *RateLimiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			for key, v := range rl.visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(rl.visitors, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Handler rejects requests over the route's rate with 429
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.GetString("clientID")
		if client == "" {
			client = c.ClientIP()
		}
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		if !rl.get(path, client).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestLogger writes one zerolog line per request
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := logger.Info()
		if c.Writer.Status() >= 500 {
			event = logger.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("Request handled")
	}
}
