package sheet

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// =============================================================================
// RETRY - One wrapper for every backend call
// =============================================================================

// RetryPolicy bounds how hard a backend call is retried.
// Wait before retry i (0-based) is InitialBackoff * Multiplier^i.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy is 4 attempts waiting 350ms, 700ms, 1.4s in between.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       4,
		InitialBackoff: 350 * time.Millisecond,
		Multiplier:     2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	p = p.normalized()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialBackoff
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	// Never cap below the last scheduled wait.
	maxWait := float64(p.InitialBackoff)
	for i := 1; i < p.Attempts; i++ {
		maxWait *= p.Multiplier
	}
	exp.MaxInterval = time.Duration(maxWait) + time.Millisecond

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.Attempts-1)), ctx)
}

// RetryNotifier observes a failed attempt before the wait that follows it.
type RetryNotifier func(err error, wait time.Duration)

// Retry runs op until it succeeds, returns an error isTransient rejects, or
// the policy runs out of attempts. The last error is returned unchanged.
func Retry(ctx context.Context, policy RetryPolicy, isTransient func(error) bool, notify RetryNotifier, op func(context.Context) error) error {
	attempt := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var n backoff.Notify
	if notify != nil {
		n = backoff.Notify(notify)
	}
	return backoff.RetryNotify(attempt, policy.backOff(ctx), n)
}

// RetryValue is Retry for operations that produce a value.
func RetryValue[T any](ctx context.Context, policy RetryPolicy, isTransient func(error) bool, notify RetryNotifier, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := Retry(ctx, policy, isTransient, notify, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// wrapOp names the failed operation for the caller.
func wrapOp(err error, op, table string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "%s %q", op, table)
}
