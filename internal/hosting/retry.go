package hosting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
)

// RetryConfig configures retry behavior for GitHub API calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	// Default: 3
	MaxRetries int

	// InitialBackoff is the initial backoff duration.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 30 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 2
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()

	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
}

// withRetry runs a GitHub API operation with exponential backoff. Rate
// limit responses wait for the reported reset or Retry-After instead of
// the next backoff step. Backoff here is transport-level; it never
// applies to anything outside this helper.
func withRetry(ctx context.Context, config *RetryConfig, logger *zap.Logger, operation func() (*github.Response, error)) (*github.Response, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	var lastResp *github.Response
	backoff := config.InitialBackoff
	start := time.Now()

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		resp, err := operation()
		if err == nil {
			if attempt > 0 {
				logger.Info("GitHub API operation recovered after retries",
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(start)))
			}
			return resp, nil
		}

		lastErr = err
		lastResp = resp

		if !isRetryableResponse(err, resp) {
			logger.Debug("GitHub API error is not retryable",
				zap.Error(err),
				zap.Int("status_code", statusCode(resp)))
			return resp, err
		}

		if attempt == config.MaxRetries {
			break
		}

		wait := backoff
		if limited, retryIn := rateLimitWait(err, resp, config.MaxBackoff); limited {
			wait = retryIn
			logger.Info("GitHub API rate limit hit, adjusting backoff",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", config.MaxRetries+1),
				zap.Duration("backoff", wait))
		} else {
			logger.Info("Retrying GitHub API operation after transient error",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", config.MaxRetries+1),
				zap.Error(err),
				zap.Int("status_code", statusCode(resp)),
				zap.Duration("backoff", wait))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(wait):
			next := time.Duration(float64(backoff) * config.BackoffMultiplier)
			if next > config.MaxBackoff {
				next = config.MaxBackoff
			}
			backoff = next
		}
	}

	logger.Warn("GitHub API operation failed after all retries exhausted",
		zap.Int("total_attempts", config.MaxRetries+1),
		zap.Duration("total_time", time.Since(start)),
		zap.Error(lastErr),
		zap.Int("status_code", statusCode(lastResp)))

	return lastResp, fmt.Errorf("GitHub API operation failed after %d retries: %w", config.MaxRetries, lastErr)
}

// isRetryableResponse reports whether the error is worth retrying.
func isRetryableResponse(err error, resp *github.Response) bool {
	if err == nil {
		return false
	}

	if resp != nil && resp.Response != nil {
		switch resp.Response.StatusCode {
		case http.StatusTooManyRequests:
			return true
		case http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		case http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusUnprocessableEntity:
			return false
		case http.StatusForbidden:
			// Forbidden with rate headers or a Retry-After is a
			// secondary rate limit.
			if resp.Rate.Limit > 0 {
				return true
			}
			var abuse *github.AbuseRateLimitError
			return errors.As(err, &abuse)
		default:
			return resp.Response.StatusCode >= 500 && resp.Response.StatusCode < 600
		}
	}

	// No status to judge by. Network errors and timeouts are retryable.
	return true
}

// rateLimitWait reports whether the failure is a rate limit and, if so,
// how long to wait before the next attempt. Retry-After on secondary
// limits wins over the primary reset time.
func rateLimitWait(err error, resp *github.Response, maxBackoff time.Duration) (bool, time.Duration) {
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) && abuse.RetryAfter != nil {
		return true, capBackoff(*abuse.RetryAfter+time.Second, maxBackoff)
	}

	if !isRateLimited(resp) {
		return false, 0
	}

	if resp.Rate.Limit == 0 && resp.Rate.Remaining == 0 {
		return true, capBackoff(time.Minute, maxBackoff)
	}

	wait := time.Until(resp.Rate.Reset.Time) + time.Second
	if wait < 0 {
		wait = time.Second
	}
	return true, capBackoff(wait, maxBackoff)
}

// isRateLimited reports whether the response indicates a rate limit.
func isRateLimited(resp *github.Response) bool {
	if resp == nil || resp.Response == nil {
		return false
	}
	if resp.Response.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.Response.StatusCode == http.StatusForbidden && resp.Rate.Limit > 0
}

func capBackoff(d, limit time.Duration) time.Duration {
	if d > limit {
		return limit
	}
	return d
}

// statusCode safely extracts the HTTP status code from a response.
func statusCode(resp *github.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.Response.StatusCode
	}
	return 0
}
