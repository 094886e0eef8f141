package transfer

import (
	"context"
	"time"
)

// RetryPolicy bounds how often a failing operation is reattempted.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries. Default: 3.
	MaxAttempts int

	// InitialBackoff is the wait after the first failure; it doubles
	// per attempt. Default: 1 second.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts. Default: 10 seconds.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns the pipeline's standard policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	return p
}

// Do runs op until it succeeds, attempts are exhausted, or ctx is
// canceled. Backoff sleeps are cut short by ctx so the outer deadline
// stays authoritative over nested retry timing. Returns the last
// error.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	p = p.withDefaults()

	var lastErr error
	backoff := p.InitialBackoff
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return lastErr
}
