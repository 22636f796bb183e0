package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/tenantmirror/internal/auth"
)

// Idle subjects drop their bucket after this long; a returning subject
// starts again with a full burst.
const (
	bucketIdleTTL    = time.Hour
	bucketSweepEvery = 10 * time.Minute
)

// TokenBucket holds up to capacity request tokens, refilled continuously.
type TokenBucket struct {
	mu       sync.Mutex
	level    float64
	capacity float64
	perSec   float64
	stamp    time.Time
}

func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		level:    float64(capacity),
		capacity: float64(capacity),
		perSec:   refillRate,
		stamp:    time.Now(),
	}
}

// Allow takes one token if available. It reports the tokens left, when the
// next token arrives (Retry-After) and when the bucket is full again
// (X-RateLimit-Reset).
func (tb *TokenBucket) Allow() (ok bool, remaining int, next, full time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.level = math.Min(tb.capacity, tb.level+now.Sub(tb.stamp).Seconds()*tb.perSec)
	tb.stamp = now

	if tb.level >= 1 {
		tb.level--
		return true, int(tb.level), now, tb.after(now, tb.capacity-tb.level)
	}
	return false, 0, tb.after(now, 1-tb.level), tb.after(now, tb.capacity-tb.level)
}

func (tb *TokenBucket) after(now time.Time, tokens float64) time.Time {
	return now.Add(time.Duration(tokens / tb.perSec * float64(time.Second)))
}

// subjectLimiter hands out one bucket per principal subject.
type subjectLimiter struct {
	buckets  *cache.Cache
	capacity int
	perSec   float64
}

func newSubjectLimiter(cfg RateLimitInfo) *subjectLimiter {
	return &subjectLimiter{
		buckets:  cache.New(bucketIdleTTL, bucketSweepEvery),
		capacity: cfg.Burst,
		perSec:   float64(cfg.MaxRequests) / float64(cfg.WindowSeconds),
	}
}

func (l *subjectLimiter) bucket(subject string) *TokenBucket {
	if v, ok := l.buckets.Get(subject); ok {
		tb := v.(*TokenBucket)
		// Touch so an active subject never expires mid-window.
		l.buckets.SetDefault(subject, tb)
		return tb
	}
	tb := NewTokenBucket(l.capacity, l.perSec)
	if err := l.buckets.Add(subject, tb, cache.DefaultExpiration); err != nil {
		// Lost the race to another request for the same subject.
		if v, ok := l.buckets.Get(subject); ok {
			return v.(*TokenBucket)
		}
	}
	return tb
}

// RateLimitMiddleware limits authenticated callers per subject. Anonymous
// requests pass through untouched; the auth middleware rejects them first
// on protected routes.
func RateLimitMiddleware(cfg RateLimitInfo) func(http.Handler) http.Handler {
	limiter := newSubjectLimiter(cfg)
	limit := strconv.Itoa(cfg.MaxRequests)
	burst := strconv.Itoa(cfg.Burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := auth.UserID(r.Context())
			if subject == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, remaining, nextToken, full := limiter.bucket(subject).Allow()
			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(full.Unix(), 10))
			h.Set("X-RateLimit-Burst", burst)
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			wait := int(math.Ceil(time.Until(nextToken).Seconds()))
			if wait < 1 {
				wait = 1
			}
			h.Set("Retry-After", strconv.Itoa(wait))
			log.Ctx(r.Context()).Warn().
				Str("sub", subject).
				Str("path", r.URL.Path).
				Int("retryAfter", wait).
				Msg("rate limit exceeded")
			writeError(w, r, http.StatusTooManyRequests, apiError{
				Message: "rate limit exceeded, retry after " + strconv.Itoa(wait) + "s",
			})
		})
	}
}
