package system

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy defines the bounds for a retried operation. Rather than relying
// on ad hoc polling loops scattered around the codebase, anything that needs
// to wait on a remote resource becoming available goes through this type so
// that the bound is a named, configurable value.
type RetryPolicy struct {
	// The maximum number of times the operation will be attempted before the
	// last error is returned to the caller.
	MaxAttempts uint64
	// The amount of time to wait between each attempt.
	Interval time.Duration
}

// Run executes fn until it succeeds, the attempt limit is reached, or the
// context is canceled. The interval between attempts is constant, there is no
// exponential growth: these waits are for remote filesystems and container
// states where the expected readiness time is known and short.
func (p RetryPolicy) Run(ctx context.Context, fn func() error) error {
	// A zero-valued policy still gets exactly one attempt; subtracting from
	// zero would wrap the uint64 retry count into an effectively unbounded
	// loop.
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), attempts-1),
		ctx,
	)
	if err := backoff.Retry(fn, b); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.WrapIf(err, "system: retry attempts exhausted")
	}
	return nil
}

// Permanent marks an error as non-retryable, aborting a RetryPolicy.Run loop
// immediately and returning this error to the caller.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
