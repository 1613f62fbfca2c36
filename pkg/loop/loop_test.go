package loop_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzbench/fuzzbench/pkg/loop"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func TestForever_StopsWhenDone(t *testing.T) {
	calls := 0

	err := loop.Forever(context.Background(), testLogger(), loop.Options{},
		func(_ context.Context) (bool, error) {
			calls++

			return calls == 3, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestForever_RetriesAfterErrorsAndPanics(t *testing.T) {
	calls := 0

	err := loop.Forever(context.Background(), testLogger(),
		loop.Options{BackOff: &backoff.ZeroBackOff{}},
		func(_ context.Context) (bool, error) {
			calls++

			switch calls {
			case 1:
				return false, errors.New("transient")
			case 2:
				panic("bad pass")
			default:
				return true, nil
			}
		})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestForever_MaxFailures(t *testing.T) {
	calls := 0

	err := loop.Forever(context.Background(), testLogger(),
		loop.Options{BackOff: &backoff.ZeroBackOff{}, MaxFailures: 2},
		func(_ context.Context) (bool, error) {
			calls++

			return false, errors.New("always")
		})

	require.ErrorIs(t, err, loop.ErrTooManyFailures)
	assert.Equal(t, 2, calls)
}

func TestForever_SuccessResetsFailureCount(t *testing.T) {
	calls := 0

	err := loop.Forever(context.Background(), testLogger(),
		loop.Options{BackOff: &backoff.ZeroBackOff{}, MaxFailures: 2},
		func(_ context.Context) (bool, error) {
			calls++

			switch calls {
			case 1, 3:
				return false, errors.New("transient")
			case 2:
				return false, nil
			default:
				return true, nil
			}
		})

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestForever_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0

	err := loop.Forever(ctx, testLogger(),
		loop.Options{Interval: time.Hour},
		func(_ context.Context) (bool, error) {
			calls++
			cancel()

			return false, nil
		})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestForever_CancelledDuringFailureBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := loop.Forever(ctx, testLogger(),
		loop.Options{FailureBackoff: time.Hour},
		func(_ context.Context) (bool, error) {
			return false, errors.New("fail")
		})

	require.ErrorIs(t, err, context.DeadlineExceeded)
}
