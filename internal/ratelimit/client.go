package ratelimit

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrRateLimited marks an HTTP 429 from the provider.
	ErrRateLimited = errors.New("provider rate limit exceeded")
	// ErrBudgetExhausted is returned once the retry budget is consumed.
	ErrBudgetExhausted = errors.New("retry budget exhausted")
)

// StatusError reports a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("upstream status %d", e.Code)
}

// Permanent reports whether retrying cannot change the outcome. Client
// errors other than 429 are permanent; server errors are transient.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests
}

// ClientOptions parameterise the retrying client.
type ClientOptions struct {
	Spacing     time.Duration
	Burst       int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Timeout     time.Duration
	UserAgent   string
}

// Client throttles and retries HTTP calls against a single provider. One
// Client instance is shared by every fetcher using that provider, so the
// bucket state is process-wide. Responses are never cached.
type Client struct {
	bucket *Bucket
	hc     *http.Client
	logger zerolog.Logger

	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	userAgent   string
}

// NewClient builds a Client with its own token bucket.
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	base := opts.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	ceiling := opts.BackoffCap
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}

	return &Client{
		bucket:      NewBucket(BucketOptions{Spacing: opts.Spacing, Burst: opts.Burst}),
		hc:          &http.Client{Timeout: timeout},
		logger:      logger.With().Str("component", "ratelimit_client").Logger(),
		maxAttempts: maxAttempts,
		backoffBase: base,
		backoffCap:  ceiling,
		userAgent:   opts.UserAgent,
	}
}

// Do executes the request under the bucket, retrying rate-limit and
// transport failures with jittered exponential backoff. Permanent 4xx
// responses surface immediately as *StatusError. The returned response body
// is the caller's to close; non-2xx bodies are consumed here.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.GetBody == nil {
		return nil, errors.New("request body is not replayable")
	}
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	ctx := req.Context()
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			if after, ok := retryAfter(lastErr); ok {
				delay = after
				if delay > c.backoffCap {
					delay = c.backoffCap
				}
			}
			c.logger.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("url", req.URL.Redacted()).
				Msg("retrying request")
			if err := sleepContext(ctx, delay); err != nil {
				return nil, err
			}
		}

		if err := c.bucket.Wait(ctx); err != nil {
			return nil, err
		}

		attemptReq := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
			attemptReq.Body = body
		}

		resp, err := c.hc.Do(attemptReq)
		if err != nil {
			// Transport-level failure; treated as transient.
			lastErr = err
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body := readBounded(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = &rateLimitError{after: parseRetryAfter(resp.Header)}
			continue
		}

		statusErr := &StatusError{Code: resp.StatusCode, Body: body}
		if statusErr.Permanent() {
			return nil, statusErr
		}
		lastErr = statusErr
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrBudgetExhausted, c.maxAttempts, lastErr)
}

// backoff returns the jittered delay before the given attempt (1-based).
func (c *Client) backoff(attempt int) time.Duration {
	d := c.backoffBase << (attempt - 1)
	if d > c.backoffCap || d <= 0 {
		d = c.backoffCap
	}
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int63n(half))
}

// rateLimitError carries the provider's Retry-After hint through the retry
// loop. It unwraps to ErrRateLimited.
type rateLimitError struct {
	after time.Duration
}

func (e *rateLimitError) Error() string {
	if e.after > 0 {
		return fmt.Sprintf("%v (retry after %s)", ErrRateLimited, e.after)
	}
	return ErrRateLimited.Error()
}

func (e *rateLimitError) Unwrap() error { return ErrRateLimited }

func retryAfter(err error) (time.Duration, bool) {
	var rl *rateLimitError
	if errors.As(err, &rl) && rl.after > 0 {
		return rl.after, true
	}
	return 0, false
}

func parseRetryAfter(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func readBounded(r io.Reader) string {
	const maxErrBody = 2048
	data, err := io.ReadAll(io.LimitReader(r, maxErrBody))
	if err != nil {
		return ""
	}
	return string(data)
}
