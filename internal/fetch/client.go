// Package fetch issues REST requests against remote collections. Reads for
// the same logical resource are single-flighted: a newer read supersedes and
// cancels the older one, and every waiter receives the newer result.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/erauner12/tenantmirror/internal/collection"
	"github.com/erauner12/tenantmirror/internal/credential"
	"github.com/erauner12/tenantmirror/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// MaxRetries is the maximum number of retry attempts for rate limiting
	MaxRetries = 3

	// DefaultBackoff is the initial backoff duration for exponential backoff
	DefaultBackoff = 1 * time.Second

	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 15 * time.Second
)

// Options configures a Client
type Options struct {
	BaseURL      string
	APIKey       string
	Resolver     credential.Resolver
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	HTTPClient   *http.Client
	Metrics      *metrics.Metrics
}

// Client wraps http.Client with credential injection, retries and
// single-flight reads. Automatically injects:
// - apikey: <public key>
// - Authorization: Bearer <token> (when a session resolves)
// - X-Correlation-ID: <uuid>
// - Prefer: return=representation (writes that ask for it)
//
// Handles retries for:
// - 401 Unauthorized: retry once if the stored session changed since the attempt
// - 429 Too Many Requests: respect Retry-After, exponential backoff
type Client struct {
	baseURL      string
	apiKey       string
	resolver     credential.Resolver
	httpClient   *http.Client
	readTimeout  time.Duration
	writeTimeout time.Duration
	metrics      *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]*flight
	seq      uint64
}

// New creates a Client
func New(opts Options) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		resolver:     opts.Resolver,
		httpClient:   opts.HTTPClient,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		metrics:      opts.Metrics,
		inflight:     make(map[string]*flight),
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.resolver == nil {
		c.resolver = credential.Static("")
	}
	if c.readTimeout <= 0 {
		c.readTimeout = DefaultReadTimeout
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = DefaultWriteTimeout
	}
	return c
}

// Do executes req. Reads go through the single-flight guard; writes are
// never deduplicated. Every error is a *Error.
func (c *Client) Do(ctx context.Context, req Request) (Result, error) {
	if req.IsRead() {
		return c.read(ctx, req)
	}

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.execute(ctx, req)
}

// execute performs one logical request including retries
func (c *Client) execute(ctx context.Context, req Request) (Result, error) {
	correlationID := uuid.New().String()
	logger := log.With().
		Str("collection", req.Collection).
		Str("method", req.method()).
		Str("correlationId", correlationID).
		Logger()

	var body []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return Result{}, &Error{Kind: KindValidation, Message: "request body is not serializable", Err: err}
		}
		body = b
	}

	startedAt := time.Now()
	res, err := c.doWithRetry(ctx, req, body, &logger, correlationID, 0)

	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	c.metrics.ObserveFetch(req.Collection, req.method(), outcome, time.Since(startedAt))

	res.StartedAt = startedAt
	return res, err
}

func (c *Client) endpoint(req Request) string {
	u := c.baseURL + "/" + req.Collection
	if q := req.query(); q != "" {
		u += "?" + q
	}
	return u
}

// doWithRetry sends one attempt and recurses for retryable statuses
func (c *Client) doWithRetry(ctx context.Context, req Request, body []byte, logger *zerolog.Logger, correlationID string, retryCount int) (Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.method(), c.endpoint(req), bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Kind: KindUnknown, Message: "failed to build request", Err: err}
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Correlation-ID", correlationID)
	if c.apiKey != "" {
		httpReq.Header.Set("apikey", c.apiKey)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.ReturnRepresentation {
		httpReq.Header.Set("Prefer", "return=representation")
	}

	// Credentials are resolved fresh on each attempt
	cred, hasCred := c.resolver.Resolve(ctx)
	if hasCred {
		httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		return Result{}, transportError(ctx, err, logger, duration)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, transportError(ctx, err, logger, duration)
	}

	logger.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Int("retryCount", retryCount).
		Msg("HTTP request completed")

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return decodeRows(resp.StatusCode, raw)

	case resp.StatusCode == http.StatusUnauthorized:
		return c.handleUnauthorized(ctx, req, body, resp.StatusCode, raw, cred.AccessToken, logger, correlationID, retryCount)

	case resp.StatusCode == http.StatusTooManyRequests:
		return c.handleRateLimit(ctx, req, body, resp, raw, logger, correlationID, retryCount)

	default:
		fe := Classify(resp.StatusCode, raw)
		logger.Debug().Str("kind", string(fe.Kind)).Str("code", fe.Code).Msg("request rejected")
		return Result{}, fe
	}
}

// handleUnauthorized retries once when the stored session changed while the
// request was in flight (the auth flow refreshed the token).
func (c *Client) handleUnauthorized(ctx context.Context, req Request, body []byte, status int, raw []byte, usedToken string, logger *zerolog.Logger, correlationID string, retryCount int) (Result, error) {
	if retryCount == 0 {
		if cred, ok := c.resolver.Resolve(ctx); ok && cred.AccessToken != usedToken {
			logger.Warn().Msg("401 Unauthorized - session changed, retrying with new token")
			return c.doWithRetry(ctx, req, body, logger, correlationID, retryCount+1)
		}
	}
	fe := Classify(status, raw)
	fe.Kind = KindAuthExpired
	return Result{}, fe
}

// handleRateLimit handles 429 Too Many Requests with exponential backoff
func (c *Client) handleRateLimit(ctx context.Context, req Request, body []byte, resp *http.Response, raw []byte, logger *zerolog.Logger, correlationID string, retryCount int) (Result, error) {
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	if retryCount >= MaxRetries {
		logger.Warn().Msg("Rate limited - max retries exceeded")
		return Result{}, Classify(resp.StatusCode, raw)
	}

	if retryAfter == 0 {
		retryAfter = DefaultBackoff * time.Duration(1<<retryCount)
	}

	logger.Warn().
		Dur("retryAfter", retryAfter).
		Int("retryCount", retryCount).
		Str("rateLimitRemaining", resp.Header.Get("X-RateLimit-Remaining")).
		Msg("Rate limited - backing off")

	timer := time.NewTimer(retryAfter)
	defer timer.Stop()
	select {
	case <-timer.C:
		return c.doWithRetry(ctx, req, body, logger, correlationID, retryCount+1)
	case <-ctx.Done():
		return Result{}, contextError(ctx, ctx.Err())
	}
}

// decodeRows turns a 2xx body into rows. An empty body, "[]" or "null"
// yields an Empty result; a single object is treated as one row.
func decodeRows(status int, raw []byte) (Result, error) {
	res := Result{Status: status}
	trimmed := bytes.TrimSpace(raw)

	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		res.Empty = true
		return res, nil
	}

	if trimmed[0] == '{' {
		var row collection.Row
		if err := json.Unmarshal(trimmed, &row); err != nil {
			return Result{}, &Error{Kind: KindUnknown, Status: status, Body: string(raw), Message: "malformed response body", Err: err}
		}
		res.Rows = []collection.Row{row}
		return res, nil
	}

	var rows []collection.Row
	if err := json.Unmarshal(trimmed, &rows); err != nil {
		return Result{}, &Error{Kind: KindUnknown, Status: status, Body: string(raw), Message: "malformed response body", Err: err}
	}
	res.Rows = rows
	res.Empty = len(rows) == 0
	return res, nil
}

func transportError(ctx context.Context, err error, logger *zerolog.Logger, duration time.Duration) error {
	if ctx.Err() != nil {
		return contextError(ctx, err)
	}
	logger.Error().Err(err).Dur("duration", duration).Msg("HTTP request failed")
	return &Error{Kind: KindUnknown, Message: "transport failure", Err: err}
}

// contextError maps context termination to Timeout or Canceled
func contextError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "request timed out", Err: err}
	}
	return &Error{Kind: KindCanceled, Message: "request canceled", Err: err}
}

// parseRetryAfter parses the Retry-After header
// Supports both integer seconds and HTTP-date format
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
