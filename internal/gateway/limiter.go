package gateway

import (
	"time"

	"golang.org/x/time/rate"
)

// newLimiter allows n calls per period with a burst of n, so at most n
// tokens are ever outstanding. A non-positive n disables limiting.
func newLimiter(n int, period time.Duration) *rate.Limiter {
	if n <= 0 || period <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(float64(n)/period.Seconds()), n)
}
