// Package limiter holds the two concurrency primitives the pipeline must
// understand: the typed rate-limit failure and the cross-process semaphore.
package limiter

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError signals an expected upstream 429. The data tier reschedules
// the same unit of work after RetryAfter without consuming retry budget;
// upstream rate limits are steady-state behavior, not faults.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by upstream, retry after %s", e.RetryAfter)
}

// AsRateLimit unwraps err into a RateLimitError if one is in its chain.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}
