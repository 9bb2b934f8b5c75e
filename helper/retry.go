package helper

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures RetryWithBackoff.
type RetryPolicy struct {
	MaxRetries  int           // retries after the first attempt.
	BaseBackoff time.Duration // delay before the first retry; doubled for each further retry.
	MaxBackoff  time.Duration // optional cap on a single delay.
}

// RetryWithBackoff calls op until it succeeds, isRetryable(err) is false, the retries are used up or ctx is done.
// The last error is returned. onRetry, if not nil, is told about each failure that will be retried.
func RetryWithBackoff(ctx context.Context, p RetryPolicy, isRetryable func(error) bool, op func() error, onRetry func(err error, attempt int, wait time.Duration)) (attempts int, err error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = p.BaseBackoff
	expBackoff.Multiplier = 2
	expBackoff.RandomizationFactor = 0.1
	expBackoff.MaxElapsedTime = 0 // bounded by MaxRetries instead.
	if p.MaxBackoff > 0 {
		expBackoff.MaxInterval = p.MaxBackoff
	}
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(retries)), ctx)
	operation := func() error {
		attempts++
		e := op()
		if e != nil && !isRetryable(e) {
			return backoff.Permanent(e)
		}
		return e
	}
	var notify backoff.Notify
	if onRetry != nil {
		notify = func(e error, wait time.Duration) {
			onRetry(e, attempts, wait)
		}
	}
	err = backoff.RetryNotify(operation, b, notify)
	return attempts, err
}
