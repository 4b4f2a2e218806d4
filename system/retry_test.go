package system

import (
	"context"
	"testing"
	"time"

	"emperror.dev/errors"
	. "github.com/franela/goblin"
)

func TestRetryPolicy(t *testing.T) {
	g := Goblin(t)
	ctx := context.Background()

	g.Describe("RetryPolicy#Run", func() {
		policy := RetryPolicy{MaxAttempts: 3, Interval: time.Millisecond}

		g.It("returns immediately on success", func() {
			attempts := 0
			err := policy.Run(ctx, func() error {
				attempts++
				return nil
			})
			g.Assert(err).IsNil()
			g.Assert(attempts).Equal(1)
		})

		g.It("retries until the operation succeeds", func() {
			attempts := 0
			err := policy.Run(ctx, func() error {
				attempts++
				if attempts < 3 {
					return errors.New("not ready")
				}
				return nil
			})
			g.Assert(err).IsNil()
			g.Assert(attempts).Equal(3)
		})

		g.It("stops at the attempt limit and returns the last error", func() {
			attempts := 0
			err := policy.Run(ctx, func() error {
				attempts++
				return errors.New("still not ready")
			})
			g.Assert(err).IsNotNil()
			g.Assert(attempts).Equal(3)
		})

		g.It("treats a zero attempt bound as a single attempt", func() {
			attempts := 0
			err := RetryPolicy{MaxAttempts: 0, Interval: time.Millisecond}.Run(ctx, func() error {
				attempts++
				return errors.New("never ready")
			})
			g.Assert(err).IsNotNil()
			g.Assert(attempts).Equal(1)
		})

		g.It("aborts immediately on a permanent error", func() {
			attempts := 0
			err := policy.Run(ctx, func() error {
				attempts++
				return Permanent(errors.New("fatal"))
			})
			g.Assert(err).IsNotNil()
			g.Assert(attempts).Equal(1)
		})

		g.It("honors context cancellation between attempts", func() {
			cctx, cancel := context.WithCancel(ctx)
			attempts := 0
			err := RetryPolicy{MaxAttempts: 100, Interval: time.Millisecond}.Run(cctx, func() error {
				attempts++
				cancel()
				return errors.New("not ready")
			})
			g.Assert(errors.Is(err, context.Canceled)).IsTrue()
			g.Assert(attempts < 100).IsTrue()
		})
	})
}
