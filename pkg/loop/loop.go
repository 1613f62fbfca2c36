package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ErrTooManyFailures is returned once MaxFailures consecutive passes fail.
var ErrTooManyFailures = errors.New("too many consecutive failures")

// Pass runs one iteration of a loop. Returning done stops the loop.
type Pass func(ctx context.Context) (done bool, err error)

// Options configures Forever.
type Options struct {
	// Interval is the sleep between successful passes.
	Interval time.Duration
	// FailureBackoff is the constant wait after a failed pass. Ignored
	// when BackOff is set.
	FailureBackoff time.Duration
	// BackOff overrides the failure wait policy.
	BackOff backoff.BackOff
	// MaxFailures bounds consecutive failures; zero retries forever.
	MaxFailures int
}

// Forever runs pass until it reports done, the context ends or
// MaxFailures is reached. Failed and panicking passes are logged and
// retried after the failure backoff.
func Forever(ctx context.Context, log logrus.FieldLogger, opts Options, pass Pass) error {
	b := opts.BackOff
	if b == nil {
		b = backoff.NewConstantBackOff(opts.FailureBackoff)
	}

	b = backoff.WithContext(b, ctx)
	b.Reset()

	failures := 0

	for {
		done, err := runPass(ctx, pass)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			failures++

			log.WithError(err).WithField("failures", failures).Error("Error occurred")

			if opts.MaxFailures > 0 && failures >= opts.MaxFailures {
				return fmt.Errorf("%w: %w", ErrTooManyFailures, err)
			}

			delay := b.NextBackOff()
			if delay == backoff.Stop {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				return fmt.Errorf("backoff exhausted: %w", err)
			}

			if err := sleep(ctx, delay); err != nil {
				return err
			}

			continue
		}

		failures = 0

		b.Reset()

		if done {
			return nil
		}

		if err := sleep(ctx, opts.Interval); err != nil {
			return err
		}
	}
}

func runPass(ctx context.Context, pass Pass) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return pass(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
