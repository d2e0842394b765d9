package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "restosync/pkg/errors"
)

func TestRetry_SucceedsAfterOneFailure(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), FixedPolicy(1, time.Millisecond), func() error {
		calls++
		if calls == 1 {
			return errors.New("timeout")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	var retried []int
	err := RetryWithCallback(context.Background(), FixedPolicy(1, time.Millisecond), func() error {
		calls++
		return errors.New("upstream down")
	}, func(attempt int, _ error, next time.Duration) {
		retried = append(retried, attempt)
		assert.Equal(t, time.Millisecond, next)
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int{1}, retried)
}

func TestRetry_StopsOnPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "wrapped permanent", err: Permanent(errors.New("bad input"))},
		{name: "fatal app error", err: apperrors.ErrEntityNotFound},
		{name: "not retryable", err: apperrors.ErrInvalidCandidate.WithCause(errors.New("x"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), FixedPolicy(3, time.Millisecond), func() error {
				calls++
				return tt.err
			})
			require.Error(t, err)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestRetry_UnwrapsPermanent(t *testing.T) {
	inner := errors.New("bad input")
	err := Retry(context.Background(), FixedPolicy(2, time.Millisecond), func() error {
		return Permanent(inner)
	})
	assert.Same(t, inner, err)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, FixedPolicy(5, time.Second), func() error {
		calls++
		return errors.New("fail")
	})

	require.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}
