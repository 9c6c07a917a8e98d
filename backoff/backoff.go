// Package backoff decides how long a polling worker sleeps between iterations.
package backoff

import "time"

// NextDelay returns base after a successful iteration and twice base after a
// failed one. Consecutive failures do not compound and no jitter is applied.
func NextDelay(base time.Duration, hadError bool) time.Duration {
	if base <= 0 {
		return 0
	}
	if hadError {
		return 2 * base
	}
	return base
}
