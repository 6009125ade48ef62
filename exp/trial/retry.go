package trial

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds retries of a failing control-plane call.
type RetryPolicy struct {
	Attempts    int           // total attempts, at least 1
	Base        time.Duration // first backoff interval, doubled per retry
	CallTimeout time.Duration // bound on each attempt
}

// DefaultRetryPolicy is three attempts starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: 500 * time.Millisecond, CallTimeout: 30 * time.Second}
}

// BackOff builds the exponential schedule. Cancelling ctx stops further attempts; an
// attempt already running is not interrupted.
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do runs op under the policy. Each attempt gets its own CallTimeout and is detached
// from ctx cancellation so a started call can complete.
func Do[T any](ctx context.Context, p RetryPolicy, what string, op func(context.Context) (T, error)) (T, error) {
	attempt := func() (T, error) {
		callCtx := context.WithoutCancel(ctx)
		if p.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, p.CallTimeout)
			defer cancel()
		}
		return op(callCtx)
	}
	notify := func(err error, wait time.Duration) {
		logrus.Warnf("%s failed, retrying in %s: %v", what, wait, err)
	}
	return backoff.RetryNotifyWithData(attempt, p.BackOff(ctx), notify)
}
