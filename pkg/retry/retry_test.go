package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("connection reset")

func always(error) bool { return true }

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), DefaultPolicy, always, func() error {
		attempts++
		if attempts < 3 {
			return errFlaky
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnNonTransientError(t *testing.T) {
	terminal := errors.New("bad request")
	attempts := 0
	err := Do(context.Background(), DefaultPolicy, func(err error) bool {
		return !errors.Is(err, terminal)
	}, func() error {
		attempts++
		return terminal
	})
	assert.ErrorIs(t, err, terminal)
	assert.Equal(t, 1, attempts)
}

func TestDoExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), OncePolicy, always, func() error {
		attempts++
		return errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, OncePolicy.MaxAttempts, attempts)
}

func TestDoReturnsContextErrorDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Do(ctx, RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
	}, always, func() error {
		attempts++
		return errFlaky
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
