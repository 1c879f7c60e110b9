// Package retry retries operations that fail because an upstream rate limiter
// rejected them. Every other error is returned on the first attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 2 * time.Second
)

// RateLimitError marks an error as rate-limit classified regardless of its text.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string {
	if e.Err == nil {
		return "rate limit exceeded"
	}
	return fmt.Sprintf("rate limit exceeded: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Config configures retry behavior.
type Config struct {
	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int
	// BaseDelay is multiplied by 2^attempt between attempts.
	BaseDelay time.Duration
	// Sleep waits between attempts. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultConfig returns MaxRetries=3, BaseDelay=2s.
func DefaultConfig() Config {
	return Config{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay}
}

var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
}

// statusTooMany matches 429 as a standalone status token, not digits inside
// an ID or a URL path.
var statusTooMany = regexp.MustCompile(`(?:^|[\s:(=])429(?:$|[\s:).,])`)

// IsRateLimited reports whether err signals upstream rate limiting.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return statusTooMany.MatchString(msg)
}

// Do runs op, retrying rate-limited failures with exponential backoff.
// It makes at most MaxRetries+1 attempts and returns the last error when
// they are exhausted.
func Do[T any](ctx context.Context, cfg Config, op func(context.Context) (T, error)) (T, error) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var zero T
	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !IsRateLimited(err) || attempt >= cfg.MaxRetries {
			return zero, err
		}

		delay := cfg.BaseDelay * time.Duration(1<<attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, err)
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return zero, sleepErr
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
