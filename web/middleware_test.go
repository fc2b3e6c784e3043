package web

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(r rate.Limit, b int) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(r, b)
	rl.clock = clock
	return rl, clock
}

func limitedRouter(rl *RateLimiter, key KeyFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimitMiddleware(rl, key))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func doRequest(router http.Handler, remoteAddr string, header http.Header) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	req.RemoteAddr = remoteAddr
	for k, v := range header {
		req.Header[k] = v
	}
	router.ServeHTTP(w, req)
	return w.Code
}

func signatureFrom(keyID string) http.Header {
	return http.Header{"Signature": {`keyId="` + keyID + `",headers="(request-target) host date digest",signature="c2ln"`}}
}

func TestNewRateLimiter(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)

	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}

	if rl.rate != rate.Limit(10) {
		t.Errorf("Expected rate 10, got %v", rl.rate)
	}

	if rl.burst != 20 {
		t.Errorf("Expected burst 20, got %d", rl.burst)
	}

	if rl.limiters == nil {
		t.Error("Limiters map should be initialized")
	}
}

func TestGetLimiter(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)

	limiter1 := rl.getLimiter("domain:remote.example")
	if limiter1 == nil {
		t.Fatal("getLimiter returned nil")
	}

	limiter2 := rl.getLimiter("domain:remote.example")
	if limiter1 != limiter2 {
		t.Error("getLimiter should return the same limiter for the same key")
	}

	limiter3 := rl.getLimiter("domain:other.example")
	if limiter1 == limiter3 {
		t.Error("getLimiter should return different limiters for different keys")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		requestCount   int
		rateLimit      rate.Limit
		burst          int
		expectedStatus int
	}{
		{
			name:           "under limit",
			requestCount:   5,
			rateLimit:      rate.Limit(10),
			burst:          10,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "at burst limit",
			requestCount:   10,
			rateLimit:      rate.Limit(1),
			burst:          10,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "over limit",
			requestCount:   15,
			rateLimit:      rate.Limit(1),
			burst:          10,
			expectedStatus: http.StatusTooManyRequests,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl, _ := newTestLimiter(tt.rateLimit, tt.burst)
			router := limitedRouter(rl, ClientIPKey)

			var lastStatus int
			for i := 0; i < tt.requestCount; i++ {
				lastStatus = doRequest(router, "192.168.1.100:12345", nil)
			}

			if lastStatus != tt.expectedStatus {
				t.Errorf("Expected final status %d, got %d", tt.expectedStatus, lastStatus)
			}
		})
	}
}

func TestRateLimitMiddlewareErrorResponse(t *testing.T) {
	rl, _ := newTestLimiter(rate.Limit(1), 1)
	router := limitedRouter(rl, ClientIPKey)

	if code := doRequest(router, "192.168.1.100:12345", nil); code != http.StatusOK {
		t.Errorf("First request should succeed, got status %d", code)
	}

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.100:12345"
	router.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Second request should be rate limited, got status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Rate limit exceeded") {
		t.Errorf("Expected rate limit error message, got: %s", w.Body.String())
	}
}

func TestRateLimitMiddlewareDifferentIPs(t *testing.T) {
	rl, _ := newTestLimiter(rate.Limit(1), 1)
	router := limitedRouter(rl, ClientIPKey)

	first := doRequest(router, "192.168.1.1:12345", nil)
	second := doRequest(router, "192.168.1.2:12345", nil)

	if first != http.StatusOK {
		t.Errorf("First IP should succeed, got status %d", first)
	}
	if second != http.StatusOK {
		t.Errorf("Second IP should succeed, got status %d", second)
	}
}

func TestSignerDomainKeyBuckets(t *testing.T) {
	rl, _ := newTestLimiter(rate.Limit(1), 2)
	router := limitedRouter(rl, SignerDomainKey)

	bob := signatureFrom("https://remote.example/users/bob#main-key")
	eve := signatureFrom("https://Remote.Example/users/eve#main-key")
	carol := signatureFrom("https://other.example/users/carol#main-key")

	if code := doRequest(router, "203.0.113.1:1000", bob); code != http.StatusOK {
		t.Errorf("Expected 200, got %d", code)
	}
	if code := doRequest(router, "203.0.113.1:1000", eve); code != http.StatusOK {
		t.Errorf("Expected 200, got %d", code)
	}
	if code := doRequest(router, "203.0.113.1:1000", bob); code != http.StatusTooManyRequests {
		t.Errorf("Expected the domain bucket to be exhausted, got %d", code)
	}
	if code := doRequest(router, "203.0.113.1:1000", carol); code != http.StatusOK {
		t.Errorf("Expected another domain to have its own bucket, got %d", code)
	}
}

func TestSignerDomainKeyClaimedDomainCannotDrainPeer(t *testing.T) {
	rl, _ := newTestLimiter(rate.Limit(1), 2)
	router := limitedRouter(rl, SignerDomainKey)

	// Anyone can put a keyId in an unverified header.
	claimed := signatureFrom("https://remote.example/users/bob#main-key")
	for i := 0; i < 5; i++ {
		doRequest(router, "198.51.100.66:1000", claimed)
	}
	if code := doRequest(router, "198.51.100.66:1000", claimed); code != http.StatusTooManyRequests {
		t.Errorf("Expected the flooding client to be limited, got %d", code)
	}
	if code := doRequest(router, "203.0.113.1:1000", claimed); code != http.StatusOK {
		t.Errorf("Expected the real server to keep its bucket, got %d", code)
	}
}

func TestSignerDomainKeyFallsBackToClientIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name   string
		header http.Header
		want   string
	}{
		{"signed", signatureFrom("https://remote.example/actor#key"), "domain:remote.example|ip:198.51.100.7"},
		{"unsigned", nil, "ip:198.51.100.7"},
		{"garbage signature", http.Header{"Signature": {"nonsense"}}, "ip:198.51.100.7"},
		{"keyId without host", signatureFrom("main-key"), "ip:198.51.100.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodPost, "/inbox", nil)
			c.Request.RemoteAddr = "198.51.100.7:4444"
			for k, v := range tt.header {
				c.Request.Header[k] = v
			}

			got, err := SignerDomainKey(c)
			if err != nil {
				t.Fatalf("SignerDomainKey failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected key %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRateLimitMiddlewareFailsOpen(t *testing.T) {
	tests := []struct {
		name string
		key  KeyFunc
	}{
		{"key error", func(*gin.Context) (string, error) { return "", errors.New("no key") }},
		{"key panic", func(*gin.Context) (string, error) { panic("limiter exploded") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl, _ := newTestLimiter(rate.Limit(1), 1)
			router := limitedRouter(rl, tt.key)

			for i := 0; i < 5; i++ {
				if code := doRequest(router, "192.168.1.1:12345", nil); code != http.StatusOK {
					t.Fatalf("Request %d should pass when the limiter fails, got %d", i+1, code)
				}
			}
		})
	}
}

func TestRateLimitMiddlewareRecovery(t *testing.T) {
	rl, clock := newTestLimiter(rate.Limit(1), 1)
	router := limitedRouter(rl, ClientIPKey)

	doRequest(router, "192.168.1.1:12345", nil)
	if code := doRequest(router, "192.168.1.1:12345", nil); code != http.StatusTooManyRequests {
		t.Errorf("Second request should be rate limited, got status %d", code)
	}

	clock.Advance(1100 * time.Millisecond)

	if code := doRequest(router, "192.168.1.1:12345", nil); code != http.StatusOK {
		t.Errorf("Request after waiting should succeed, got status %d", code)
	}
}

func TestSweepIdleLimiters(t *testing.T) {
	rl, clock := newTestLimiter(rate.Limit(10), 20)

	rl.getLimiter("domain:old.example")
	clock.Advance(limiterIdleTimeout)
	rl.getLimiter("domain:fresh.example")
	clock.Advance(time.Second)

	if removed := rl.sweep(limiterIdleTimeout); removed != 1 {
		t.Errorf("Expected 1 idle limiter removed, got %d", removed)
	}

	rl.mu.Lock()
	_, oldKept := rl.limiters["domain:old.example"]
	_, freshKept := rl.limiters["domain:fresh.example"]
	rl.mu.Unlock()

	if oldKept || !freshKept {
		t.Errorf("Expected only the fresh limiter to remain, old=%v fresh=%v", oldKept, freshKept)
	}
}

func TestMaxBytesMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name           string
		maxBytes       int64
		bodySize       int
		expectedStatus int
	}{
		{
			name:           "under limit",
			maxBytes:       1024,
			bodySize:       512,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "at limit",
			maxBytes:       1024,
			bodySize:       1024,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "over limit by content-length",
			maxBytes:       1024,
			bodySize:       2048,
			expectedStatus: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(MaxBytesMiddleware(tt.maxBytes))
			router.POST("/test", func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("POST", "/test", strings.NewReader(strings.Repeat("x", tt.bodySize)))
			router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestMaxBytesMiddlewareErrorMessage(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(MaxBytesMiddleware(100))
	router.POST("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/test", strings.NewReader(strings.Repeat("x", 200)))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status 413, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Request body too large") {
		t.Errorf("Expected error message about body size, got: %s", w.Body.String())
	}
}
