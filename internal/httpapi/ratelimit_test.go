package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/erauner12/tenantmirror/internal/auth"
	"github.com/erauner12/tenantmirror/internal/db"
)

func rateLimitedRouter(cfg RateLimitInfo) http.Handler {
	srv := &Server{Store: db.NewMemoryStore(nil), RateLimitConfig: cfg}
	return srv.Routes(auth.JWTCfg{HS256Secret: "test-secret", DevMode: true})
}

func debugList(router http.Handler, sub string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/rest/v1/customers", nil)
	req.Header.Set("X-Debug-Sub", sub)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiting_429Response(t *testing.T) {
	router := rateLimitedRouter(RateLimitInfo{
		WindowSeconds: 60,
		MaxRequests:   10,
		Burst:         2, // Allow only 2 requests in burst
	})

	// Burst is 2, so first 2 should succeed, 3rd should fail with 429
	for i := 1; i <= 3; i++ {
		rec := debugList(router, "test-user")
		t.Logf("Request %d: status=%d", i, rec.Code)

		for _, h := range []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-RateLimit-Burst"} {
			if rec.Header().Get(h) == "" {
				t.Errorf("Request %d: %s header missing", i, h)
			}
		}
		remaining, _ := strconv.Atoi(rec.Header().Get("X-RateLimit-Remaining"))

		if i <= 2 {
			if rec.Code != http.StatusOK {
				t.Errorf("Request %d: Expected 200 (within burst), got %d: %s", i, rec.Code, rec.Body.String())
			}
			if want := 2 - i; remaining != want {
				t.Errorf("Request %d: Expected remaining=%d, got %d", i, want, remaining)
			}
			continue
		}

		if rec.Code != http.StatusTooManyRequests {
			t.Errorf("Request %d: Expected 429 Too Many Requests, got %d: %s", i, rec.Code, rec.Body.String())
		}
		retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
		if err != nil || retryAfter < 1 {
			t.Errorf("Retry-After should be >= 1, got %q", rec.Header().Get("Retry-After"))
		}
		if remaining != 0 {
			t.Errorf("Request %d: Expected remaining=0 when rate limited, got %d", i, remaining)
		}
	}
}

func TestRateLimiting_HeaderValues(t *testing.T) {
	router := rateLimitedRouter(RateLimitInfo{WindowSeconds: 60, MaxRequests: 100, Burst: 20})
	rec := debugList(router, "test-user")

	if limit := rec.Header().Get("X-RateLimit-Limit"); limit != "100" {
		t.Errorf("Expected X-RateLimit-Limit=100, got %s", limit)
	}
	if burst := rec.Header().Get("X-RateLimit-Burst"); burst != "20" {
		t.Errorf("Expected X-RateLimit-Burst=20, got %s", burst)
	}
	remaining, _ := strconv.Atoi(rec.Header().Get("X-RateLimit-Remaining"))
	if remaining < 0 || remaining > 20 {
		t.Errorf("Expected X-RateLimit-Remaining between 0-20, got %d", remaining)
	}
	resetUnix, err := strconv.ParseInt(rec.Header().Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		t.Errorf("Invalid X-RateLimit-Reset value: %v", err)
	}
	if resetUnix < time.Now().Add(-time.Second).Unix() {
		t.Error("X-RateLimit-Reset should not be in the past")
	}
}

func TestRateLimiting_Unauthenticated(t *testing.T) {
	router := rateLimitedRouter(RateLimitInfo{WindowSeconds: 60, MaxRequests: 10, Burst: 1})

	// Auth rejects before the limiter sees the request
	for i := 0; i < 3; i++ {
		rec := debugList(router, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("Expected 401 for anonymous request, got %d", rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatal("Anonymous request should not consume rate limit tokens")
		}
	}
}

func TestRateLimiting_RemainingDecreases(t *testing.T) {
	router := rateLimitedRouter(RateLimitInfo{WindowSeconds: 60, MaxRequests: 100, Burst: 5})

	prevRemaining := 5 // Initial burst capacity
	for i := 1; i <= 3; i++ {
		rec := debugList(router, "test-user")
		remaining, _ := strconv.Atoi(rec.Header().Get("X-RateLimit-Remaining"))
		if remaining >= prevRemaining {
			t.Errorf("Request %d: Expected remaining to decrease, got %d (was %d)", i, remaining, prevRemaining)
		}
		if remaining < 0 {
			t.Errorf("Request %d: Remaining count should never be negative, got %d", i, remaining)
		}
		prevRemaining = remaining
	}
}

func TestRateLimiting_PerUser(t *testing.T) {
	router := rateLimitedRouter(RateLimitInfo{WindowSeconds: 60, MaxRequests: 10, Burst: 2})

	// Exhaust user A's rate limit
	for i := 0; i < 3; i++ {
		debugList(router, "user-a")
	}

	if recA := debugList(router, "user-a"); recA.Code != http.StatusTooManyRequests {
		t.Errorf("Expected user-a to be rate limited (429), got %d", recA.Code)
	}

	recB := debugList(router, "user-b")
	if recB.Code == http.StatusTooManyRequests {
		t.Errorf("Expected user-b NOT to be rate limited, got 429: %s", recB.Body.String())
	}
	if recB.Header().Get("X-RateLimit-Remaining") == "0" {
		t.Error("User B should have tokens remaining (independent rate limit)")
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	tb := NewTokenBucket(1, 10) // one token per 100ms
	if ok, _, _, _ := tb.Allow(); !ok {
		t.Fatal("first request should be allowed")
	}
	if ok, _, _, _ := tb.Allow(); ok {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(150 * time.Millisecond)
	if ok, _, _, _ := tb.Allow(); !ok {
		t.Fatal("bucket should refill over time")
	}
}
