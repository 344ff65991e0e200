package config

import (
	"github.com/cenkalti/backoff/v4"
)

// NewBackOff builds the exponential policy described by r. The policy
// allows MaxAttempts tries in total and never gives up on elapsed time alone.
func (r RetryConfig) NewBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.InitialInterval
	eb.MaxInterval = r.MaxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()

	retries := r.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(eb, uint64(retries))
}
