package querycache

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultRetryInitialDelay = time.Second
	defaultRetryMaxDelay     = 30 * time.Second
)

// DefaultRetryDelay doubles from one second up to thirty seconds
func DefaultRetryDelay(failureCount int, err error) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     defaultRetryInitialDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         defaultRetryMaxDelay,
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < failureCount; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// FixedRetryDelay waits d between attempts
func FixedRetryDelay(d time.Duration) RetryDelayFunc {
	return func(int, error) time.Duration {
		return d
	}
}

// retryer drives the attempts of one fetch
type retryer struct {
	policy RetryPolicy
	delay  RetryDelayFunc
}

// shouldRetry reports whether another attempt follows failure number failureCount
func (r retryer) shouldRetry(failureCount int, err error) bool {
	return r.policy != nil && r.policy(failureCount, err)
}

// delayFor returns the wait before the attempt following failure number failureCount
func (r retryer) delayFor(failureCount int, err error) time.Duration {
	if r.delay == nil {
		return DefaultRetryDelay(failureCount, err)
	}
	return r.delay(failureCount, err)
}

// wait sleeps for d; it returns false if ctx ended first
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
