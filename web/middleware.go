package web

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/deemkeen/boardfed/activitypub"
	"github.com/deemkeen/boardfed/util"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTimeout = 10 * time.Minute
	limiterSweepEvery  = 5 * time.Minute
)

var errNoRateKey = errors.New("no rate limit key")

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(c *gin.Context) (string, error)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per key
type RateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	clock    util.Clock
	logger   zerolog.Logger
}

// NewRateLimiter creates a new rate limiter
// r is requests per second, b is burst size
func NewRateLimiter(r rate.Limit, b int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     r,
		burst:    b,
		clock:    util.SystemClock{},
		logger:   log.With().Str("component", "ratelimit").Logger(),
	}
}

// getLimiter returns the rate limiter for a given key
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, exists := rl.limiters[key]
	if !exists {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = rl.clock.Now()

	return e.limiter
}

// sweep drops buckets unused for longer than idle.
func (rl *RateLimiter) sweep(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.clock.Now().Add(-idle)
	removed := 0
	for key, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets until ctx is cancelled.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rl.sweep(limiterIdleTimeout); n > 0 {
				rl.logger.Debug().Int("removed", n).Msg("Ratelimit: swept idle buckets")
			}
		}
	}
}

// allow reports whether the request may proceed. Any failure to pick a key,
// including a panic, lets the request through.
func (rl *RateLimiter) allow(c *gin.Context, key KeyFunc) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			rl.logger.Error().Interface("panic", p).Msg("Ratelimit: recovered panic, allowing request")
			ok = true
		}
	}()

	k, err := key(c)
	if err != nil {
		rl.logger.Debug().Err(err).Msg("Ratelimit: no key, allowing request")
		return true
	}
	return rl.getLimiter(k).AllowN(rl.clock.Now(), 1)
}

// RateLimitMiddleware creates a Gin middleware for rate limiting
func RateLimitMiddleware(rl *RateLimiter, key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(c, key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// ClientIPKey buckets requests by client address.
func ClientIPKey(c *gin.Context) (string, error) {
	ip := c.ClientIP()
	if ip == "" {
		return "", errNoRateKey
	}
	return "ip:" + ip, nil
}

// SignerDomainKey buckets signed requests by the host of their keyId and the
// client address together. The keyId is not verified yet, so a client naming
// someone else's key only spends its own bucket. Unsigned requests fall back
// to the client address.
func SignerDomainKey(c *gin.Context) (string, error) {
	ipKey, err := ClientIPKey(c)
	if err != nil {
		return "", err
	}
	sc, err := activitypub.ParseSignatureHeader(c.GetHeader("Signature"))
	if err != nil {
		return ipKey, nil
	}
	host := activitypub.KeyHost(sc.KeyID)
	if host == "" {
		return ipKey, nil
	}
	return "domain:" + host + "|" + ipKey, nil
}

// MaxBytesMiddleware limits the size of request bodies
func MaxBytesMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "Request body too large",
			})
			c.Abort()
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// RequestLogger logs one line per request through zerolog.
func RequestLogger() gin.HandlerFunc {
	logger := log.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Debug()
		if status >= http.StatusInternalServerError {
			event = logger.Error()
		} else if status >= http.StatusBadRequest {
			event = logger.Info()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("took", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("HTTP: request")
	}
}
