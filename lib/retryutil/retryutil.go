package retryutil

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a reusable exponential backoff description. The discovery walk
// and the claim loop share the same policy so their failure behavior stays
// uniform.
type Policy struct {
	// total attempts including the first one, <= 0 means retry forever
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	Multiplier  float64       `json:"multiplier"`
	MaxDelay    time.Duration `json:"max_delay"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		MaxDelay:    time.Minute,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.BaseDelay
	expo.Multiplier = p.Multiplier
	expo.MaxInterval = p.MaxDelay
	expo.RandomizationFactor = 0.2
	// the attempt cap bounds the retry loop, not wall time
	expo.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithContext(expo, ctx)
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return b
}

// Do runs op under the policy. Errors wrapped with Permanent stop the loop
// immediately; everything else is retried until the attempt cap, at which
// point the last error is returned.
func Do(ctx context.Context, p Policy, op func() error) error {
	return backoff.Retry(op, p.backOff(ctx))
}

// Permanent marks an error as not retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
