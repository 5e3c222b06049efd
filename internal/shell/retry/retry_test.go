package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errFatal = errors.New("fatal")

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	out, err := Do(context.Background(), Policy{MaxAttempts: 3}, func(context.Context, int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, Outcome{Attempts: 1}, out)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	rec := &sleepRecorder{}
	var hooks []int

	out, err := Do(context.Background(), Policy{
		MaxAttempts: 3,
		Backoff:     Constant(2 * time.Second),
		Sleep:       rec.sleep,
		BeforeRetry: func(_ context.Context, attempt int, err error) error {
			hooks = append(hooks, attempt)
			return nil
		},
	}, func(_ context.Context, attempt int) error {
		if attempt < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
	assert.True(t, out.Retried)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, rec.waits)
	assert.Equal(t, []int{1, 2}, hooks)
}

func TestDo_Exhausted(t *testing.T) {
	rec := &sleepRecorder{}
	calls := 0

	out, err := Do(context.Background(), Policy{MaxAttempts: 3, Sleep: rec.sleep}, func(context.Context, int) error {
		calls++
		return errTransient
	})

	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, out.Attempts)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errTransient)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{
		MaxAttempts: 5,
		IsRetryable: func(err error) bool { return errors.Is(err, errTransient) },
	}, func(context.Context, int) error {
		calls++
		return errFatal
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errFatal)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestDo_BeforeRetryErrorStops(t *testing.T) {
	hookErr := errors.New("reclaim failed")
	calls := 0

	_, err := Do(context.Background(), Policy{
		MaxAttempts: 2,
		BeforeRetry: func(context.Context, int, error) error { return hookErr },
	}, func(context.Context, int) error {
		calls++
		return errTransient
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, hookErr)
	assert.ErrorIs(t, err, errTransient)
}

func TestDo_BackoffSeesError(t *testing.T) {
	rec := &sleepRecorder{}
	errNetwork := errors.New("ETIMEDOUT")

	_, _ = Do(context.Background(), Policy{
		MaxAttempts: 3,
		Sleep:       rec.sleep,
		Backoff: func(_ int, err error) time.Duration {
			if errors.Is(err, errNetwork) {
				return 5 * time.Second
			}
			return 2 * time.Second
		},
	}, func(_ context.Context, attempt int) error {
		if attempt == 1 {
			return errNetwork
		}
		return errTransient
	})

	assert.Equal(t, []time.Duration{5 * time.Second, 2 * time.Second}, rec.waits)
}

func TestDo_ContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, Policy{MaxAttempts: 3, Backoff: Constant(time.Hour)}, func(context.Context, int) error {
		return errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errTransient)
}

func TestDo_SingleAttemptReturnsRawError(t *testing.T) {
	_, err := Do(context.Background(), Policy{}, func(context.Context, int) error {
		return errFatal
	})
	assert.Equal(t, errFatal, err)
}
