package fetch

import (
	"errors"
	"fmt"
)

// Terminal fetch failures. These abort the retry loop immediately; anything
// else (transport errors, 5xx, unexpected statuses) is retried until the
// budget runs out.
var (
	ErrNotFound    = errors.New("file not found on origin")
	ErrRateLimited = errors.New("rate limited by origin")
	ErrUnsafeURL   = errors.New("url rejected by safety guard")
	ErrTooLarge    = errors.New("response body exceeds size limit")
)

// TransientError reports that the retry budget was spent without a usable
// response. It wraps the last underlying failure.
type TransientError struct {
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("fetch failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTerminal reports whether err is one of the non-retryable failures.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUnsafeURL) ||
		errors.Is(err, ErrTooLarge)
}

// FailureReason labels err for metrics.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnsafeURL):
		return "unsafe_url"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	default:
		return "transient"
	}
}
