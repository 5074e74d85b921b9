package gateway

import (
	"context"
	"math"
	"time"

	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"

	"github.com/zulandar/kbmigrate/internal/errs"
)

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	Attempts   int
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Factor     float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts < 1 {
		p.Attempts = 3
	}
	if p.MinBackoff <= 0 {
		p.MinBackoff = 4 * time.Second
	}
	if p.MaxBackoff < p.MinBackoff {
		p.MaxBackoff = 60 * time.Second
		if p.MaxBackoff < p.MinBackoff {
			p.MaxBackoff = p.MinBackoff
		}
	}
	if p.Factor < 1 {
		p.Factor = 2
	}
	return p
}

// backoffDelay is the wait before retry n (zero-based): min*factor^n clamped
// to [min, max]. A server-mandated Retry-After wins when it is longer, still
// capped at max.
func backoffDelay(p RetryPolicy, n uint, err error) time.Duration {
	d := float64(p.MinBackoff) * math.Pow(p.Factor, float64(n))
	if d > float64(p.MaxBackoff) || math.IsInf(d, 1) {
		d = float64(p.MaxBackoff)
	}
	delay := time.Duration(d)
	if delay < p.MinBackoff {
		delay = p.MinBackoff
	}
	if ra := errs.RetryAfter(err); ra > delay {
		delay = ra
	}
	if delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}
	return delay
}

// do runs attempt under the shared rate limiter, retrying transient
// failures per the client's policy. The last error is returned as-is.
func (c *Client) do(ctx context.Context, op string, attempt func(ctx context.Context) error) error {
	p := c.opts.Retry
	return retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
			return attempt(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(uint(p.Attempts)),
		retry.DelayType(func(n uint, err error, _ *retry.Config) time.Duration {
			return backoffDelay(p, n, err)
		}),
		retry.RetryIf(errs.Retryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.WithFields(logrus.Fields{
				"op":      op,
				"attempt": n + 1,
				"kind":    errs.Classify(err),
			}).WithError(err).Warn("request failed, retrying")
		}),
	)
}
