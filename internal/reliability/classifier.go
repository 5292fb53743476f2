package reliability

import (
	"errors"
	"time"

	"github.com/antoniostano/taskforge/internal/guard"
	"github.com/antoniostano/taskforge/internal/provider"
	"github.com/antoniostano/taskforge/internal/tools"
)

// Retryable classifies step-level failures worth a local retry: transient
// provider and tool conditions plus rate limiting. Structural faults,
// policy violations, and budget rejections are deliberately excluded.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, guard.ErrRateLimited),
		errors.Is(err, provider.ErrProvider),
		errors.Is(err, provider.ErrProviderTimeout),
		errors.Is(err, tools.ErrToolTimeout),
		errors.Is(err, tools.ErrToolError):
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
