package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"siteaudit/internal/domain"
)

var (
	ErrMissingURL       = errors.New("url is required")
	ErrInvalidURL       = errors.New("url must be an http or https address")
	ErrNoCategories     = errors.New("no categories to analyze")
	ErrUsageUnavailable = errors.New("usage service unavailable")
	ErrScrapeTimeout    = errors.New("site collection timed out")
	ErrCollectionFailed = errors.New("site collection failed")
	ErrCancelled        = errors.New("audit cancelled")
	ErrUnexpected       = errors.New("unexpected error")
)

// UsageLimitError is returned by Prepare when the caller's entitlement does
// not allow the audit.
type UsageLimitError struct {
	Entitlement domain.Entitlement
}

func (e *UsageLimitError) Error() string {
	if e.Entitlement.Reason != "" {
		return "usage limit exceeded: " + e.Entitlement.Reason
	}
	return "usage limit exceeded"
}

// userMessage maps a run-ending error to a short message safe to show.
func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrScrapeTimeout):
		return "The site took too long to respond (timeout). Please try again later."
	case errors.Is(err, ErrCollectionFailed):
		return "We could not load the site. Check the URL and try again."
	case errors.Is(err, context.DeadlineExceeded):
		return "The audit took too long and was stopped."
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "The audit was cancelled."
	default:
		return "An unexpected error occurred while running the audit."
	}
}

func panicError(p any) error {
	return fmt.Errorf("%w: panic: %v", ErrUnexpected, p)
}
