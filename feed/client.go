// Package feed fetches a target account's trade activity from the data API.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"k8s.io/client-go/util/workqueue"

	"github.com/recomma/polycopy/polycopy"
)

const (
	DefaultBaseURL   = "https://data-api.polymarket.com"
	DefaultPageSize  = 100
	MaxPageSize      = 500
	defaultTimeout   = 10 * time.Second
	defaultAttempts  = 3
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 30 * time.Second
	maxBodyLogged    = 500
)

var (
	ErrMalformedResponse = errors.New("feed: malformed response")
	ErrRetriesExhausted  = errors.New("feed: retries exhausted")
	ErrMissingAccount    = errors.New("feed: account is required")
)

// StatusError is returned for non-200 responses.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed: unexpected status %d: %s", e.Code, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Query selects one page of trade activity, newest first.
type Query struct {
	Account string
	Limit   int
	Offset  int
	Side    polycopy.Side
	Market  string
}

// Fetcher is the activity-feed collaborator consumed by workers.
type Fetcher interface {
	Fetch(ctx context.Context, q Query) ([]polycopy.TradeEvent, error)
}

type Client struct {
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	retry    workqueue.TypedRateLimiter[string]
	attempts int
	timeout  time.Duration
	logger   *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.WithGroup("feed")
		}
	}
}

// WithRateLimit paces requests across every caller sharing the client. A
// non-positive rps disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry sets the attempt count per Fetch and the exponential delay between
// attempts (base, 2*base, 4*base, ... capped at max). Every Fetch starts its
// own sequence at base.
func WithRetry(attempts int, base, max time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if base > 0 {
			if max < base {
				max = base
			}
			c.retry = workqueue.NewTypedItemExponentialFailureRateLimiter[string](base, max)
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{},
		limiter:  rate.NewLimiter(rate.Inf, 0),
		retry:    workqueue.NewTypedItemExponentialFailureRateLimiter[string](defaultBaseDelay, defaultMaxDelay),
		attempts: defaultAttempts,
		timeout:  defaultTimeout,
		logger:   slog.Default().WithGroup("feed"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns one page of trades for q.Account. Timeouts, transport errors,
// 429 and 5xx responses are retried; the error returned after the last attempt
// wraps ErrRetriesExhausted. A body of unknown shape is an empty page.
func (c *Client) Fetch(ctx context.Context, q Query) ([]polycopy.TradeEvent, error) {
	if strings.TrimSpace(q.Account) == "" {
		return nil, ErrMissingAccount
	}
	endpoint := c.endpoint(q)
	logger := c.logger.With(slog.String("account", q.Account))

	// failures are counted per call, never across callers watching the same account
	call := uuid.NewString()
	defer c.retry.Forget(call)

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		events, err := c.get(ctx, endpoint, logger)
		if err == nil {
			return events, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == c.attempts {
			break
		}

		delay := c.retry.When(call)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.RetryAfter > delay {
			delay = statusErr.RetryAfter
		}
		logger.Warn("feed request failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	logger.Error("feed request retries exhausted", slog.Int("attempts", c.attempts), slog.String("error", lastErr.Error()))
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, c.attempts, lastErr)
}

func (c *Client) get(ctx context.Context, endpoint string, logger *slog.Logger) ([]polycopy.TradeEvent, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{
			Code:       resp.StatusCode,
			Body:       truncate(string(body), maxBodyLogged),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	p, err := decodePage(body)
	if err != nil {
		return nil, err
	}
	if p.unexpected {
		logger.Warn("unexpected feed response shape, treating as empty page", slog.String("body", truncate(string(body), maxBodyLogged)))
		return []polycopy.TradeEvent{}, nil
	}
	if p.skipped > 0 {
		logger.Warn("skipped undecodable feed items", slog.Int("skipped", p.skipped))
	}
	if p.coerced > 0 {
		logger.Warn("kept feed items with undecodable fields as zero", slog.Int("items", p.coerced))
	}
	logger.Debug("feed page fetched", slog.Int("items", len(p.events)))
	return p.events, nil
}

func (c *Client) endpoint(q Query) string {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	params := url.Values{}
	params.Set("user", q.Account)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("type", "TRADE")
	params.Set("sortBy", "TIMESTAMP")
	params.Set("sortDirection", "DESC")
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Side != "" {
		params.Set("side", string(q.Side))
	}
	if q.Market != "" {
		params.Set("market", q.Market)
	}
	return c.baseURL + "/activity?" + params.Encode()
}

func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	if errors.Is(err, ErrMalformedResponse) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
