package recovery

import (
	"context"

	retry "github.com/avast/retry-go/v4"
)

// Retrier runs an operation until it succeeds, fails with a fatal error, or the
// backoff budget is spent. The last error is returned as is so callers can
// classify it with errors.Is.
type Retrier struct {
	backoff *ExponentialBackoff
}

// NewRetrier creates a retrier. A nil backoff uses DefaultBackoff.
func NewRetrier(backoff *ExponentialBackoff) *Retrier {
	if backoff == nil {
		backoff = DefaultBackoff(nil)
	}
	if backoff.MaxAttempts < 1 {
		backoff.MaxAttempts = 1
	}
	return &Retrier{backoff: backoff}
}

// Backoff returns the strategy in use.
func (r *Retrier) Backoff() *ExponentialBackoff {
	return r.backoff
}

// Do runs op. onRetry, when set, is called before each backoff sleep with the
// 0-indexed attempt that failed.
func (r *Retrier) Do(ctx context.Context, op func() error, onRetry func(attempt uint, err error)) error {
	options := []retry.Option{
		retry.Attempts(uint(r.backoff.MaxAttempts)),
		retry.Delay(r.backoff.InitialDelay),
		retry.MaxDelay(r.backoff.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return r.backoff.classify(err) == CategoryTransient
		}),
	}
	if onRetry != nil {
		options = append(options, retry.OnRetry(onRetry))
	}
	return retry.Do(op, options...)
}
