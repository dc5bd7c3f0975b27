// Package retry decides whether and when failed queue items are re-enqueued.
package retry

import (
	"time"

	"github.com/queximet/armature/pkg/models"
)

// Delay computes the backoff before the given attempt is retried. It is a
// pure function of (strategy, base, attempt) so scheduling stays testable.
//
// Linear growth yields base, 2*base, 3*base...; exponential yields base,
// 2*base, 4*base... An unknown strategy falls back to linear.
func Delay(strategy models.RetryStrategy, base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 1 {
		attempt = 1
	}

	if strategy == models.RetryStrategyExponential {
		return base << (attempt - 1)
	}

	return base * time.Duration(attempt)
}
